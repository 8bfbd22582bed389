// Package bus is the in-process Signal Bus. Delivery is synchronous, in
// registration order, and isolated per subscriber: a failing subscriber is
// logged and skipped.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// Handler consumes one signal. Returned errors and panics are logged by the
// bus and never reach the publisher.
type Handler func(sig domain.Signal) error

type subscription struct {
	id   uint64
	name string
	h    Handler
}

// Bus routes signals to the handlers registered for their kind.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.SignalKind][]subscription
	nextID uint64
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.SignalKind][]subscription),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "signal_bus")),
	}
}

// Subscribe registers h for kind and returns a function that removes it.
// The name only appears in logs.
func (b *Bus) Subscribe(kind domain.SignalKind, name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	// Copy-on-write so an in-flight Publish keeps its snapshot.
	cur := b.subs[kind]
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[kind] = append(next, subscription{id: id, name: name, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind domain.SignalKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[kind]
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs[kind] = next
}

// Publish stamps sig and delivers it to every subscriber registered for its
// kind when the call began.
func (b *Bus) Publish(sig domain.Signal) error {
	if sig == nil {
		return domain.ErrInvalidSignal
	}
	sig = sig.Stamp(b.now())

	b.mu.RLock()
	subs := b.subs[sig.Kind()]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, sig)
	}
	return nil
}

func (b *Bus) deliver(s subscription, sig domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.String("subscriber", s.name),
				slog.String("kind", string(sig.Kind())),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := s.h(sig); err != nil {
		b.logger.Warn("subscriber failed",
			slog.String("subscriber", s.name),
			slog.String("kind", string(sig.Kind())),
			slog.String("position_id", sig.Correlation()),
			slog.String("error", err.Error()),
		)
	}
}

// SubscriberCounts reports how many handlers each kind has.
func (b *Bus) SubscriberCounts() map[domain.SignalKind]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[domain.SignalKind]int, len(b.subs))
	for k, v := range b.subs {
		out[k] = len(v)
	}
	return out
}
