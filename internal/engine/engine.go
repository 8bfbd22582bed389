// Package engine is the single-threaded tick driver. It is the only
// goroutine that touches the position ledger: it applies gateway events,
// price ticks and at most one queued command per scheduling tick. Network
// goroutines reach it only through the command queue and the tick channel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/bracket"
	"github.com/alanyoungcy/orhub/internal/bus"
	"github.com/alanyoungcy/orhub/internal/cleanup"
	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"github.com/alanyoungcy/orhub/internal/replication"
	"github.com/alanyoungcy/orhub/internal/strategy"
	"github.com/alanyoungcy/orhub/internal/trailing"
	"github.com/shopspring/decimal"
)

// Config controls scheduling.
type Config struct {
	TickInterval time.Duration
	// SyncInterval is how often SYNC_TARGET is broadcast to agents; zero
	// disables it.
	SyncInterval time.Duration
	// ReferenceAccount is the account whose net position agents copy.
	// Empty uses the first replicated account.
	ReferenceAccount string
	// Symbols are the instruments traded, used for sync broadcasts.
	Symbols []string
}

// PriceObserver is told about every tick before trailing runs, such as a
// simulated gateway that fills against it.
type PriceObserver interface {
	OnPrice(tick domain.Tick)
}

// Broadcaster fans a wire line out to connected agents.
type Broadcaster interface {
	Broadcast(line string) int
}

// FillReporter forwards local fills upstream.
type FillReporter interface {
	SendFill(symbol string, qty int, price decimal.Decimal) bool
}

// Deps are the collaborators the engine drives. Broadcaster, Fills and
// Observers are optional.
type Deps struct {
	Gateway     domain.ExecutionGateway
	Ledger      *ledger.Ledger
	Bus         *bus.Bus
	Bracket     *bracket.Manager
	Trailing    *trailing.Machine
	Cleaner     *cleanup.Cleaner
	Builder     *strategy.Builder
	Tracker     *strategy.Tracker
	Replicator  *replication.Replicator
	Reconciler  *replication.Reconciler
	Queue       *ipc.Queue
	Broadcaster Broadcaster
	Fills       FillReporter
	Observers   []PriceObserver
	Metrics     *metrics.Metrics
}

// Engine is the tick driver.
type Engine struct {
	cfg Config
	Deps
	logger *slog.Logger
	now    func() time.Time

	ticks chan domain.Tick

	mu       sync.RWMutex
	snapshot []domain.PositionRecord
	lastSync time.Time
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Engine{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
		ticks:  make(chan domain.Tick, 1024),
	}
}

// SubmitTick hands a price to the tick driver without blocking. It reports
// false when the driver is too far behind and the tick was dropped.
func (e *Engine) SubmitTick(tick domain.Tick) bool {
	select {
	case e.ticks <- tick:
		return true
	default:
		e.Metrics.CommandDropped("tick_backlog")
		return false
	}
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.subscribe(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "engine started",
		slog.Duration("tick_interval", e.cfg.TickInterval),
		slog.Duration("sync_interval", e.cfg.SyncInterval),
	)
	events := e.Gateway.Events()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped", slog.Int("open_positions", e.Ledger.Len()))
			return nil
		case ev := <-events:
			e.guard(ctx, "gateway event", func() { e.HandleEvent(ctx, ev) })
		case tick := <-e.ticks:
			e.guard(ctx, "price tick", func() { e.OnPrice(ctx, tick) })
			e.Step(ctx)
		case <-ticker.C:
			e.Step(ctx)
		}
	}
}

// subscribe wires the bus consumers that must run on this goroutine.
func (e *Engine) subscribe(ctx context.Context) func() {
	var unsubs []func()
	if e.Trailing != nil {
		unsubs = append(unsubs, e.Bus.Subscribe(domain.SignalBreakeven, "trailing", e.Trailing.HandleBreakeven))
	}
	unsubs = append(unsubs, e.Bus.Subscribe(domain.SignalTargetAction, "bracket", func(sig domain.Signal) error {
		ta, ok := sig.(domain.TargetActionSignal)
		if !ok {
			return fmt.Errorf("engine: unexpected signal %T", sig)
		}
		return e.Bracket.ApplyTargetAction(ctx, ta)
	}))
	for _, kind := range domain.SignalKinds {
		unsubs = append(unsubs, e.Bus.Subscribe(kind, "metrics", func(domain.Signal) error {
			e.Metrics.SignalPublished(string(kind))
			return nil
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Step applies at most one queued command, refreshes the status snapshot
// and, when due, broadcasts sync targets.
func (e *Engine) Step(ctx context.Context) {
	if cmd, ok := e.Queue.TryDequeue(); ok {
		e.guard(ctx, "command "+string(cmd.Action), func() {
			if err := e.Dispatch(ctx, cmd); err != nil {
				e.logger.WarnContext(ctx, "command failed",
					slog.String("action", string(cmd.Action)),
					slog.String("symbol", cmd.Symbol),
					slog.String("source", cmd.Source),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	e.guard(ctx, "sync broadcast", func() { e.maybeBroadcastSync(ctx) })
	e.refresh()
}

// guard isolates a panic in one unit of work so the driver keeps running.
func (e *Engine) guard(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "engine step panicked",
				slog.String("step", what),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// HandleEvent applies one gateway callback.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.GatewayEvent) {
	if u := ev.Order; u != nil {
		if e.Reconciler != nil && e.Reconciler.OnOrderUpdate(*u) {
			e.reportFill(*u)
			return
		}
		if err := e.Bracket.HandleOrderUpdate(ctx, *u); err != nil {
			e.logger.ErrorContext(ctx, "order update handling failed",
				slog.String("order_id", u.OrderID),
				slog.String("tag", u.Tag),
				slog.String("state", string(u.State)),
				slog.String("error", err.Error()),
			)
		}
		e.reportFill(*u)
	}
	if pu := ev.Position; pu != nil {
		e.Cleaner.OnPositionUpdate(ctx, *pu)
	}
}

func (e *Engine) reportFill(u domain.OrderUpdate) {
	if e.Fills == nil || u.State != domain.OrderStateFilled || u.FilledQty == 0 {
		return
	}
	e.Fills.SendFill(u.Symbol, u.FilledQty, u.FillPrice)
}

// OnPrice records a price, lets observers react, then runs trailing.
func (e *Engine) OnPrice(ctx context.Context, tick domain.Tick) {
	if tick.Time.IsZero() {
		tick.Time = e.now().UTC()
	}
	e.Tracker.Track(tick)
	for _, o := range e.Observers {
		o.OnPrice(tick)
	}
	if e.Trailing != nil {
		e.Trailing.OnPrice(ctx, tick)
	}
}

func (e *Engine) maybeBroadcastSync(ctx context.Context) {
	if e.Broadcaster == nil || e.cfg.SyncInterval <= 0 {
		return
	}
	now := e.now()
	if now.Sub(e.lastSync) < e.cfg.SyncInterval {
		return
	}
	e.lastSync = now
	e.BroadcastSync(ctx)
}

// BroadcastSync sends the reference account's net position in every
// configured instrument to the agents.
func (e *Engine) BroadcastSync(ctx context.Context) {
	ref := e.cfg.ReferenceAccount
	if ref == "" && e.Replicator != nil {
		accounts, err := e.Replicator.Accounts(ctx)
		if err != nil || len(accounts) == 0 {
			return
		}
		ref = accounts[0]
	}
	if ref == "" {
		return
	}
	for _, sym := range e.cfg.Symbols {
		net, err := e.Gateway.NetPosition(ctx, ref, sym)
		if err != nil {
			e.logger.WarnContext(ctx, "sync target unavailable",
				slog.String("account", ref),
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.Broadcaster.Broadcast(ipc.SyncTarget(sym, net))
	}
}

func (e *Engine) refresh() {
	snap := e.Ledger.Snapshot()
	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
	e.Metrics.SetOpenPositions(len(snap))
}

// Positions returns the ledger as of the last step. Safe from any goroutine.
func (e *Engine) Positions() []domain.PositionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.PositionRecord, len(e.snapshot))
	copy(out, e.snapshot)
	return out
}

// Telemetry returns the latest DATA reports. Safe from any goroutine.
func (e *Engine) Telemetry() []domain.Telemetry {
	return e.Tracker.AllTelemetry()
}
