package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// Authority keeps the hub lock so that only one decision authority runs
// against a relay at a time.
type Authority struct {
	locks  domain.LockManager
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuthority creates an Authority for key.
func NewAuthority(locks domain.LockManager, key string, ttl time.Duration, logger *slog.Logger) *Authority {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Authority{
		locks:  locks,
		key:    key,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "authority")),
	}
}

// Acquire takes the lock. It returns domain.ErrLockHeld when another hub
// already holds it.
func (a *Authority) Acquire(ctx context.Context) (domain.Lease, error) {
	lease, err := a.locks.Acquire(ctx, a.key, a.ttl)
	if err != nil {
		return nil, fmt.Errorf("relay: authority %s: %w", a.key, err)
	}
	a.logger.InfoContext(ctx, "authority acquired", slog.String("key", a.key), slog.Duration("ttl", a.ttl))
	return lease, nil
}

// Hold extends lease every third of the TTL until ctx is cancelled, then
// releases it. Losing the lease is returned as an error so the caller can
// stop trading.
func (a *Authority) Hold(ctx context.Context, lease domain.Lease) error {
	defer lease.Release()
	ticker := time.NewTicker(a.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("authority released", slog.String("key", a.key))
			return nil
		case <-ticker.C:
			if err := lease.Extend(ctx, a.ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.ErrorContext(ctx, "authority lost", slog.String("key", a.key), slog.String("error", err.Error()))
				return fmt.Errorf("relay: authority %s: %w", a.key, err)
			}
		}
	}
}
