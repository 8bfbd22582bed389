// Package metrics holds the Prometheus collectors for orhub.
//
// Exposed series:
//
//	orhub_orders_submitted_total{role}     orders accepted by the gateway
//	orhub_orders_failed_total{role}        submissions that returned no handle
//	orhub_orders_cancelled_total           cancel requests sent
//	orhub_emergency_flattens_total{result} unprotected positions flattened (ok|failed)
//	orhub_trail_transitions_total{level}   trailing-stop level changes
//	orhub_positions_open                   live ledger records
//	orhub_commands_total{action}           commands applied by the tick driver
//	orhub_commands_dropped_total{reason}   commands dropped (malformed|unknown|rate_limited|queue_full)
//	orhub_signals_published_total{kind}    bus signals published
//	orhub_agents_connected                 agents attached to the hub pool
//	orhub_sync_corrections_total{side}     corrective orders from SYNC_TARGET
//	orhub_replication_failures_total       per-account replication failures
//	orhub_relay_events_total{event}        cross-process relay activity
//	orhub_alerts_total{event,result}       operator alerts sent
//
// Every method is safe on a nil *Metrics so components can run without
// collectors in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orhub"

// Metrics groups every collector.
type Metrics struct {
	reg prometheus.Gatherer

	ordersSubmitted     *prometheus.CounterVec
	ordersFailed        *prometheus.CounterVec
	ordersCancelled     prometheus.Counter
	emergencyFlattens   *prometheus.CounterVec
	trailTransitions    *prometheus.CounterVec
	positionsOpen       prometheus.Gauge
	commands            *prometheus.CounterVec
	commandsDropped     *prometheus.CounterVec
	signalsPublished    *prometheus.CounterVec
	agentsConnected     prometheus.Gauge
	syncCorrections     *prometheus.CounterVec
	replicationFailures prometheus.Counter
	relayEvents         *prometheus.CounterVec
	alerts              *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the execution gateway",
		}, []string{"role"}),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_failed_total",
			Help:      "Order submissions that returned no handle",
		}, []string{"role"}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Cancel requests sent to the execution gateway",
		}),
		emergencyFlattens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_flattens_total",
			Help:      "Unprotected positions flattened at market",
		}, []string{"result"}),
		trailTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trail_transitions_total",
			Help:      "Trailing-stop level changes",
		}, []string{"level"}),
		positionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "positions_open",
			Help:      "Live position ledger records",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands applied by the tick driver",
		}, []string{"action"}),
		commandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Commands dropped before dispatch",
		}, []string{"reason"}),
		signalsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_published_total",
			Help:      "Signals published on the bus",
		}, []string{"kind"}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Agents attached to the hub pool",
		}),
		syncCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_corrections_total",
			Help:      "Corrective orders issued by SYNC_TARGET reconciliation",
		}, []string{"side"}),
		replicationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_failures_total",
			Help:      "Per-account replication submission failures",
		}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Signals moved over the cross-process relay",
		}, []string{"event"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts by event and delivery result",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(
		m.ordersSubmitted, m.ordersFailed, m.ordersCancelled,
		m.emergencyFlattens, m.trailTransitions, m.positionsOpen,
		m.commands, m.commandsDropped, m.signalsPublished,
		m.agentsConnected, m.syncCorrections, m.replicationFailures,
		m.relayEvents, m.alerts,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(role string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(role).Inc()
}

func (m *Metrics) OrderFailed(role string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(role).Inc()
}

func (m *Metrics) OrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

// EmergencyFlatten counts a flatten attempt; ok=false means the position is
// still open and needs manual intervention.
func (m *Metrics) EmergencyFlatten(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.emergencyFlattens.WithLabelValues(result).Inc()
}

func (m *Metrics) TrailTransition(level string) {
	if m == nil {
		return
	}
	m.trailTransitions.WithLabelValues(level).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.positionsOpen.Set(float64(n))
}

func (m *Metrics) Command(action string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action).Inc()
}

func (m *Metrics) CommandDropped(reason string) {
	if m == nil {
		return
	}
	m.commandsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SignalPublished(kind string) {
	if m == nil {
		return
	}
	m.signalsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

func (m *Metrics) SyncCorrection(side string) {
	if m == nil {
		return
	}
	m.syncCorrections.WithLabelValues(side).Inc()
}

func (m *Metrics) ReplicationFailure() {
	if m == nil {
		return
	}
	m.replicationFailures.Inc()
}

// Relay counts relay activity: published, publish_failed, dropped,
// received, duplicate or invalid.
func (m *Metrics) Relay(event string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Alert(event string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.alerts.WithLabelValues(event, result).Inc()
}
