package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire returns a Lease on success or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Extend pushes the expiry out by ttl. It fails if the lease was lost.
	Extend(ctx context.Context, ttl time.Duration) error
	Release()
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// MessageBus carries raw payloads between processes: ephemeral pub/sub plus
// a capped append-only stream for audit.
type MessageBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
