package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/orhub/internal/bracket"
	"github.com/alanyoungcy/orhub/internal/bus"
	"github.com/alanyoungcy/orhub/internal/cache/redis"
	"github.com/alanyoungcy/orhub/internal/cleanup"
	"github.com/alanyoungcy/orhub/internal/config"
	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/gateway/paper"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"github.com/alanyoungcy/orhub/internal/notify"
	"github.com/alanyoungcy/orhub/internal/replication"
	"github.com/alanyoungcy/orhub/internal/strategy"
	"github.com/alanyoungcy/orhub/internal/trailing"
)

// Dependencies bundles the components every mode drives. Redis, MessageBus
// and Locks are nil when Redis is disabled.
type Dependencies struct {
	Metrics    *metrics.Metrics
	Bus        *bus.Bus
	Ledger     *ledger.Ledger
	Gateway    *paper.Gateway
	Tracker    *strategy.Tracker
	Cleaner    *cleanup.Cleaner
	Bracket    *bracket.Manager
	Trailing   *trailing.Machine
	Builder    *strategy.Builder
	Replicator *replication.Replicator
	Reconciler *replication.Reconciler
	Queue      *ipc.Queue
	Notifier   *notify.Notifier

	Redis      *redis.Client
	MessageBus *redis.MessageBus
	Locks      *redis.LockManager
	// Origin names this process in relay frames.
	Origin string
}

// Wire constructs every component from cfg and returns them with a cleanup
// function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanupFn := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Bus:     bus.New(logger),
		Ledger:  ledger.New("OR"),
		Queue:   ipc.NewQueue(cfg.IPC.QueueLimit),
		Origin:  origin(cfg),
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(notify.DefaultTelegramAPI, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, deps.Metrics, logger)

	// --- Execution gateway ---
	deps.Gateway = paper.New(cfg.Paper.Accounts, logger)
	deps.Tracker = strategy.NewTracker(cfg.Risk.ATRBarInterval.Duration, cfg.Risk.ATRPeriod)
	now := time.Now().UTC()
	for _, sym := range cfg.Symbols() {
		if px, ok := cfg.Paper.StartingPrices[sym]; ok && px.IsPositive() {
			tick := domain.Tick{Symbol: sym, Price: px, Time: now}
			deps.Gateway.OnPrice(tick)
			deps.Tracker.Track(tick)
		}
	}

	// --- Trading core ---
	deps.Cleaner = cleanup.New(deps.Gateway, deps.Ledger, deps.Metrics, logger)
	deps.Bracket = bracket.NewManager(bracketConfig(cfg), deps.Gateway, deps.Ledger, deps.Cleaner,
		deps.Bus, deps.Tracker, deps.Notifier, deps.Metrics, logger)
	deps.Trailing = trailing.New(trailingConfig(cfg), deps.Ledger, deps.Bracket, logger)
	deps.Builder = strategy.NewBuilder(strategyConfig(cfg), deps.Tracker, deps.Bracket, logger)
	deps.Replicator = replication.NewReplicator(deps.Gateway, deps.Bracket, cfg.Replication.AccountPrefix, deps.Metrics, logger)
	deps.Reconciler = replication.NewReconciler(replication.ReconcilerConfig{Epsilon: cfg.Replication.SyncEpsilon},
		deps.Gateway, deps.Metrics, logger)

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanupFn()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.MessageBus = redis.NewMessageBus(rc, cfg.Redis.StreamMaxLen)
		deps.Locks = redis.NewLockManager(rc)
	}

	return deps, cleanupFn, nil
}

func origin(cfg *config.Config) string {
	if cfg.Redis.Origin != "" {
		return cfg.Redis.Origin
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orhub"
	}
	return cfg.Mode + "@" + host
}

func instruments(cfg *config.Config) map[string]domain.Instrument {
	out := make(map[string]domain.Instrument, len(cfg.Instruments))
	for sym, ic := range cfg.Instruments {
		out[sym] = domain.Instrument{Symbol: sym, TickSize: ic.TickSize, PointValue: ic.PointValue}
	}
	return out
}

func bracketConfig(cfg *config.Config) bracket.Config {
	return bracket.Config{
		Instruments:          instruments(cfg),
		RiskDollars:          cfg.Risk.RiskDollars,
		ReducedRiskDollars:   cfg.Risk.ReducedRiskDollars,
		StopThreshold:        cfg.Risk.StopThreshold,
		MinContracts:         cfg.Risk.MinContracts,
		MaxContracts:         cfg.Risk.MaxContracts,
		T1Percent:            cfg.Targets.T1Percent,
		T2Percent:            cfg.Targets.T2Percent,
		StopValidationTicks:  cfg.Trailing.StopValidationTicks,
		BreakevenOffsetTicks: cfg.Trailing.BreakevenOffsetTicks,
	}
}

func trailingConfig(cfg *config.Config) trailing.Config {
	t := cfg.Trailing
	return trailing.Config{
		BreakevenTrigger:     t.BreakevenTrigger,
		BreakevenOffsetTicks: t.BreakevenOffsetTicks,
		Trail1Trigger:        t.Trail1Trigger,
		Trail1Distance:       t.Trail1Distance,
		Trail2Trigger:        t.Trail2Trigger,
		Trail2Distance:       t.Trail2Distance,
		Trail3Trigger:        t.Trail3Trigger,
		Trail3Distance:       t.Trail3Distance,
		ManualBreakevenTicks: t.ManualBreakevenTicks,
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	return strategy.Config{
		EntryOffsetTicks:  cfg.Targets.EntryOffsetTicks,
		StopATRMultiplier: cfg.Risk.StopATRMultiplier,
		MinStop:           cfg.Risk.MinStop,
		MaxStop:           cfg.Risk.MaxStop,
		DefaultATR:        cfg.Risk.DefaultATR,
		T1Points:          cfg.Targets.T1Points,
		T2RangeMultiplier: cfg.Targets.T2RangeMultiplier,
	}
}
