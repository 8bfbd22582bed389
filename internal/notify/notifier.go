// Package notify delivers operator alerts to chat channels. Alert never
// blocks the caller: alerts are queued and sent from Run, and a failing
// channel does not stop delivery to the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/orhub/internal/metrics"
)

// Alert event names raised by the trading core.
const (
	EventUnprotected   = "position_unprotected"
	EventEmergency     = "emergency_flatten"
	EventAuthorityLost = "authority_lost"
	EventAgentDropped  = "agent_dropped"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type alert struct {
	event   string
	title   string
	message string
}

// Notifier fans alerts out to its senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan alert
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only the listed events are delivered; an
// empty list delivers everything.
func NewNotifier(senders []Sender, events []string, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan alert, 64),
		timeout: 15 * time.Second,
		metrics: m,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Alert queues an alert. It is dropped, with a log line, when the queue is
// full or the event is filtered out. Safe on a nil Notifier.
func (n *Notifier) Alert(event, title, message string) {
	if n == nil || len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	select {
	case n.queue <- alert{event: event, title: title, message: message}:
	default:
		n.metrics.Alert(event, false)
		n.logger.Warn("alert queue full, alert dropped", slog.String("event", event), slog.String("title", title))
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			err := n.Notify(sendCtx, a.event, a.title, a.message)
			cancel()
			n.metrics.Alert(a.event, err == nil)
		}
	}
}

// Notify sends synchronously to every sender and joins their failures.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("event", event))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
