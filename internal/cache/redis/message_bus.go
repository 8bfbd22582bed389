package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen caps audit streams, trimmed approximately on append.
const DefaultStreamMaxLen int64 = 10000

var _ domain.MessageBus = (*MessageBus)(nil)

// MessageBus moves raw payloads between processes: pub/sub for live delivery
// and a capped stream per topic for audit and late joiners.
type MessageBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewMessageBus creates a MessageBus. maxLen <= 0 uses DefaultStreamMaxLen.
func NewMessageBus(c *Client, maxLen int64) *MessageBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &MessageBus{rdb: c.Underlying(), maxLen: maxLen}
}

// Publish sends payload on channel.
func (b *MessageBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel until ctx is cancelled or
// the subscription breaks, at which point the channel is closed. Glob
// patterns use PSUBSCRIBE.
func (b *MessageBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = b.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream, trimming it to about maxLen entries.
func (b *MessageBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start).
// An empty stream is not an error.
func (b *MessageBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xread %s: %w", stream, err)
	}
	var out []domain.StreamMessage
	for _, s := range res {
		out = appendMessages(out, s.Messages)
	}
	return out, nil
}

// Recent returns the newest count entries of stream, oldest first.
func (b *MessageBus) Recent(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: xrevrange %s: %w", stream, err)
	}
	out := appendMessages(nil, msgs)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func appendMessages(out []domain.StreamMessage, msgs []redis.XMessage) []domain.StreamMessage {
	for _, m := range msgs {
		var data []byte
		switch v := m.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		out = append(out, domain.StreamMessage{ID: m.ID, Payload: data})
	}
	return out
}
