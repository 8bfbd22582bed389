package relay

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/orhub/internal/bus"
	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
)

// PublisherConfig names where signals go.
type PublisherConfig struct {
	Channel string
	// Stream, when set, also receives every signal as an audit log entry.
	Stream string
	Origin string
	Buffer int
}

// Publisher forwards bus signals to a MessageBus. Bus handlers only enqueue;
// network writes happen on the Run goroutine so the tick driver never waits
// on Redis.
type Publisher struct {
	cfg     PublisherConfig
	bus     *bus.Bus
	mb      domain.MessageBus
	pending chan domain.Signal
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher creates a Publisher. m may be nil.
func NewPublisher(cfg PublisherConfig, b *bus.Bus, mb domain.MessageBus, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return &Publisher{
		cfg:     cfg,
		bus:     b,
		mb:      mb,
		pending: make(chan domain.Signal, cfg.Buffer),
		metrics: m,
		logger:  logger.With(slog.String("component", "relay_publisher")),
	}
}

// Run subscribes to every signal kind and publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for _, kind := range domain.SignalKinds {
		unsubscribe := p.bus.Subscribe(kind, "relay", p.enqueue)
		defer unsubscribe()
	}
	p.logger.InfoContext(ctx, "relay publisher started",
		slog.String("channel", p.cfg.Channel),
		slog.String("stream", p.cfg.Stream),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-p.pending:
			p.publish(ctx, sig)
		}
	}
}

func (p *Publisher) enqueue(sig domain.Signal) error {
	select {
	case p.pending <- sig:
	default:
		p.metrics.Relay("dropped")
		p.logger.Warn("relay backlog full, signal dropped",
			slog.String("kind", string(sig.Kind())),
			slog.String("position_id", sig.Correlation()),
		)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, sig domain.Signal) {
	data, err := Encode(sig, p.cfg.Origin)
	if err != nil {
		p.logger.ErrorContext(ctx, "relay encode failed", slog.String("error", err.Error()))
		return
	}
	if err := p.mb.Publish(ctx, p.cfg.Channel, data); err != nil {
		p.metrics.Relay("publish_failed")
		p.logger.WarnContext(ctx, "relay publish failed",
			slog.String("kind", string(sig.Kind())),
			slog.String("error", err.Error()),
		)
	} else {
		p.metrics.Relay("published")
	}
	if p.cfg.Stream == "" {
		return
	}
	if err := p.mb.StreamAppend(ctx, p.cfg.Stream, data); err != nil {
		p.logger.WarnContext(ctx, "relay stream append failed",
			slog.String("stream", p.cfg.Stream),
			slog.String("error", err.Error()),
		)
	}
}
