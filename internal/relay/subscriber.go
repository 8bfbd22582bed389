package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
)

// SubscriberConfig controls the agent side of the relay.
type SubscriberConfig struct {
	Channel string
	// Origin is this process's name; frames it published itself are skipped.
	Origin   string
	Backoff  time.Duration
	DedupTTL time.Duration
}

// Subscriber receives relayed signals and hands each new one to handle.
type Subscriber struct {
	cfg     SubscriberConfig
	mb      domain.MessageBus
	dedup   *Dedup
	handle  func(domain.Signal)
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubscriber creates a Subscriber. handle runs on the Run goroutine.
func NewSubscriber(cfg SubscriberConfig, mb domain.MessageBus, handle func(domain.Signal), m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Subscriber{
		cfg:     cfg,
		mb:      mb,
		dedup:   NewDedup(cfg.DedupTTL),
		handle:  handle,
		metrics: m,
		logger:  logger.With(slog.String("component", "relay_subscriber")),
	}
}

// Run subscribes and resubscribes after the fixed backoff until ctx is
// cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.WarnContext(ctx, "relay subscription lost, retrying",
			slog.String("channel", s.cfg.Channel),
			slog.String("error", err.Error()),
			slog.Duration("backoff", s.cfg.Backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Backoff):
		}
	}
}

func (s *Subscriber) session(ctx context.Context) error {
	msgs, err := s.mb.Subscribe(ctx, s.cfg.Channel)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "relay subscribed", slog.String("channel", s.cfg.Channel))

	sweep := time.NewTicker(s.cfg.DedupTTL)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.dedup.Cleanup()
		case data, ok := <-msgs:
			if !ok {
				return domain.ErrConnClosed
			}
			s.Deliver(data)
		}
	}
}

// Deliver decodes one frame and hands it on unless it is our own, invalid
// or already seen.
func (s *Subscriber) Deliver(data []byte) bool {
	sig, origin, err := Decode(data)
	if err != nil {
		s.metrics.Relay("invalid")
		s.logger.Warn("relay frame dropped", slog.String("error", err.Error()))
		return false
	}
	if origin != "" && origin == s.cfg.Origin {
		return false
	}
	if s.dedup.IsDuplicate(signalID(sig)) {
		s.metrics.Relay("duplicate")
		return false
	}
	s.metrics.Relay("received")
	s.handle(sig)
	return true
}

// CommandFor maps a relayed signal to a local command. Only flatten
// requests act on an agent's positions: entries reach agents over the
// command channel, and position ids are local to the hub.
func CommandFor(sig domain.Signal, source string) (domain.Command, bool) {
	f, ok := sig.(domain.FlattenSignal)
	if !ok {
		return domain.Command{}, false
	}
	return domain.Command{
		Action:   domain.ActionFlatten,
		Symbol:   f.Symbol,
		Source:   source,
		Received: time.Now().UTC(),
	}, true
}
