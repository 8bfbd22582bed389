package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// RedisFeed reads price events published on a MessageBus channel.
type RedisFeed struct {
	mb      domain.MessageBus
	channel string
	symbols filter
	sink    TickSink
	backoff time.Duration
	logger  *slog.Logger
}

// NewRedisFeed creates a RedisFeed. An empty symbols list accepts every
// instrument.
func NewRedisFeed(mb domain.MessageBus, channel string, symbols []string, sink TickSink, backoff time.Duration, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{
		mb:      mb,
		channel: channel,
		symbols: newFilter(symbols),
		sink:    sink,
		backoff: backoff,
		logger:  logger.With(slog.String("component", "redis_feed")),
	}
}

// Run subscribes until ctx is cancelled, resubscribing after failures.
func (f *RedisFeed) Run(ctx context.Context) error {
	return reconnect(ctx, "redis:"+f.channel, f.backoff, f.logger, f.session)
}

func (f *RedisFeed) session(ctx context.Context) error {
	msgs, err := f.mb.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "price feed subscribed", slog.String("channel", f.channel))
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-msgs:
			if !ok {
				return domain.ErrConnClosed
			}
			deliver(f.sink, f.symbols, data, f.logger)
		}
	}
}

func deliver(sink TickSink, symbols filter, data []byte, logger *slog.Logger) bool {
	tick, err := DecodeTick(data, time.Now())
	if err != nil {
		logger.Debug("price event dropped", slog.String("error", err.Error()), slog.Int("payload_len", len(data)))
		return false
	}
	if !symbols.allows(tick.Symbol) {
		return false
	}
	if !sink.SubmitTick(tick) {
		logger.Warn("tick dropped: driver backlog", slog.String("symbol", tick.Symbol))
		return false
	}
	return true
}

// reconnect runs session until ctx is cancelled, waiting backoff between
// attempts. A session returning nil while ctx is live is restarted too.
func reconnect(ctx context.Context, name string, backoff time.Duration, logger *slog.Logger, session func(context.Context) error) error {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		err := session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		msg := "ended"
		if err != nil {
			msg = err.Error()
		}
		logger.WarnContext(ctx, "price feed disconnected, reconnecting",
			slog.String("source", name),
			slog.String("error", msg),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}
