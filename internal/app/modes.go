package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/engine"
	"github.com/alanyoungcy/orhub/internal/feed"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/alanyoungcy/orhub/internal/notify"
	"github.com/alanyoungcy/orhub/internal/relay"
	"github.com/alanyoungcy/orhub/internal/server"
	"github.com/alanyoungcy/orhub/internal/server/handler"
	"github.com/alanyoungcy/orhub/internal/server/ws"
)

// HubMode runs the decision authority: command listener, agent pool, engine
// with replication and periodic sync broadcasts, and the Redis relay
// publisher when Redis is enabled.
func (a *App) HubMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting hub mode")

	var (
		authority *relay.Authority
		lease     domain.Lease
	)
	if deps.Locks != nil {
		authority = relay.NewAuthority(deps.Locks, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL.Duration, a.logger)
		var err error
		if lease, err = authority.Acquire(ctx); err != nil {
			return err
		}
	}

	pool := ipc.NewPool(ipc.PoolConfig{
		Addr:              a.cfg.IPC.PoolAddr,
		MaxAgents:         a.cfg.IPC.MaxAgents,
		HeartbeatInterval: a.cfg.IPC.HeartbeatInterval.Duration,
		HeartbeatTimeout:  a.cfg.IPC.HeartbeatTimeout.Duration,
		OnDrop: func(agentID, reason string) {
			deps.Notifier.Alert(notify.EventAgentDropped, "Agent dropped", agentID+": "+reason)
		},
	}, deps.Queue, deps.Metrics, a.logger)
	listener := a.newListener(deps)
	eng := a.newEngine(deps, pool, nil, a.cfg.Replication.SyncInterval.Duration)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runListener(gctx, listener) })
	g.Go(func() error { return pool.Run(gctx) })
	if authority != nil {
		g.Go(func() error {
			err := authority.Hold(gctx, lease)
			if err != nil {
				a.alertNow(notify.EventAuthorityLost, "Hub authority lost", err.Error())
			}
			return err
		})
	}
	a.startPublisher(gctx, g, deps)
	a.startCore(gctx, g, deps, eng, coreExtras{
		agents: pool,
		checks: map[string]handler.Check{"ipc_listener": listener.Running},
	})
	return g.Wait()
}

// AgentMode follows a hub: commands arrive over the agent client, fills are
// reported back, and SYNC_TARGET reconciles local accounts. Relayed flatten
// signals are honoured when Redis is enabled.
func (a *App) AgentMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting agent mode", slog.String("hub", a.cfg.IPC.HubAddr))

	client := ipc.NewClient(ipc.ClientConfig{
		HubAddr: a.cfg.IPC.HubAddr,
		Backoff: a.cfg.IPC.ReconnectBackoff.Duration,
	}, deps.Queue, deps.Metrics, a.logger)
	eng := a.newEngine(deps, nil, client, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	if deps.MessageBus != nil {
		sub := relay.NewSubscriber(relay.SubscriberConfig{
			Channel: a.cfg.Redis.SignalChannel,
			Origin:  deps.Origin,
			Backoff: a.cfg.IPC.ReconnectBackoff.Duration,
		}, deps.MessageBus, func(sig domain.Signal) {
			cmd, ok := relay.CommandFor(sig, "relay")
			if !ok {
				a.logger.Debug("relayed signal observed", slog.String("kind", string(sig.Kind())))
				return
			}
			if !deps.Queue.Push(cmd) {
				deps.Metrics.CommandDropped("queue_full")
			}
		}, deps.Metrics, a.logger)
		g.Go(func() error { return sub.Run(gctx) })
	}
	a.startCore(gctx, g, deps, eng, coreExtras{
		checks: map[string]handler.Check{"hub_connection": client.Connected},
	})
	return g.Wait()
}

// PaperMode is a local dry run: command listener and engine over the paper
// gateway, with no agent pool and no authority lock.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode", slog.Any("accounts", a.cfg.Paper.Accounts))

	listener := a.newListener(deps)
	eng := a.newEngine(deps, nil, nil, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runListener(gctx, listener) })
	a.startPublisher(gctx, g, deps)
	a.startCore(gctx, g, deps, eng, coreExtras{
		checks: map[string]handler.Check{"ipc_listener": listener.Running},
	})
	return g.Wait()
}

// listenerStopTimeout bounds how long shutdown waits for the command
// listener to let go of its connection.
const listenerStopTimeout = 5 * time.Second

// runListener runs l until ctx ends, then closes it and waits at most
// listenerStopTimeout for the accept loop to return.
func (a *App) runListener(ctx context.Context, l *ipc.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if err := l.Close(listenerStopTimeout); err != nil {
		a.logger.Warn("command listener shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func (a *App) newListener(deps *Dependencies) *ipc.Listener {
	return ipc.NewListener(ipc.ListenerConfig{
		Addr:              a.cfg.IPC.ListenAddr,
		CommandsPerSecond: a.cfg.IPC.CommandsPerSecond,
		Burst:             a.cfg.IPC.CommandBurst,
	}, deps.Queue, deps.Metrics, a.logger)
}

// newEngine builds the tick driver. Nil broadcaster or fills leave the
// corresponding interface unset.
func (a *App) newEngine(deps *Dependencies, pool *ipc.Pool, client *ipc.Client, syncInterval time.Duration) *engine.Engine {
	d := engine.Deps{
		Gateway:    deps.Gateway,
		Ledger:     deps.Ledger,
		Bus:        deps.Bus,
		Bracket:    deps.Bracket,
		Trailing:   deps.Trailing,
		Cleaner:    deps.Cleaner,
		Builder:    deps.Builder,
		Tracker:    deps.Tracker,
		Replicator: deps.Replicator,
		Reconciler: deps.Reconciler,
		Queue:      deps.Queue,
		Observers:  []engine.PriceObserver{deps.Gateway},
		Metrics:    deps.Metrics,
	}
	if pool != nil {
		d.Broadcaster = pool
	}
	if client != nil {
		d.Fills = client
	}
	return engine.New(engine.Config{
		TickInterval:     a.cfg.Engine.TickInterval.Duration,
		SyncInterval:     syncInterval,
		ReferenceAccount: a.cfg.Replication.ReferenceAccount,
		Symbols:          a.cfg.Symbols(),
	}, d, a.logger)
}

func (a *App) startPublisher(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.MessageBus == nil {
		return
	}
	pub := relay.NewPublisher(relay.PublisherConfig{
		Channel: a.cfg.Redis.SignalChannel,
		Stream:  a.cfg.Redis.AuditStream,
		Origin:  deps.Origin,
	}, deps.Bus, deps.MessageBus, deps.Metrics, a.logger)
	g.Go(func() error { return pub.Run(ctx) })
}

// coreExtras carries the mode-specific parts of the status surface.
type coreExtras struct {
	agents handler.AgentSource
	checks map[string]handler.Check
}

// startCore runs what every mode shares: the gateway event pump, the
// notifier, the engine, optional price feeds and the HTTP server.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine, extras coreExtras) {
	g.Go(func() error { return deps.Gateway.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })

	symbols := a.cfg.Symbols()
	if a.cfg.Feed.RedisChannel != "" && deps.MessageBus != nil {
		f := feed.NewRedisFeed(deps.MessageBus, a.cfg.Feed.RedisChannel, symbols, eng, a.cfg.Feed.Backoff.Duration, a.logger)
		g.Go(func() error { return f.Run(ctx) })
	}
	if a.cfg.Feed.WSURL != "" {
		f := feed.NewWSFeed(a.cfg.Feed.WSURL, symbols, eng, a.cfg.Feed.Backoff.Duration, a.logger)
		g.Go(func() error { return f.Run(ctx) })
	}

	if !a.cfg.Server.Enabled {
		return
	}
	status := handler.NewStatusHandler(eng, a.logger)
	status.Agents = extras.agents
	status.Accounts = deps.Gateway
	if deps.MessageBus != nil {
		status.Signals = deps.MessageBus
		status.Stream = a.cfg.Redis.AuditStream
	}
	checks := extras.checks
	if checks == nil {
		checks = make(map[string]handler.Check)
	}
	if deps.Redis != nil {
		checks["redis"] = func() bool {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return deps.Redis.Ping(pctx) == nil
		}
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Mode:          a.cfg.Mode,
		OpenPositions: func() int { return len(eng.Positions()) },
	}, a.logger)
	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, checks),
		Status:  status,
		Metrics: deps.Metrics.Handler(),
	}, hub, a.logger)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
}

// alertNow sends an alert synchronously; used when the errgroup is about to
// stop and the notifier's queue would not be drained.
func (a *App) alertNow(event, title, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.notifier.Notify(ctx, event, title, message); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
