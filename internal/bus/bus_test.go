package bus

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/orhub/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := New(testLogger())

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.Subscribe(domain.SignalFlatten, name, func(domain.Signal) error {
			got = append(got, name)
			return nil
		})
	}

	if err := b.Publish(domain.FlattenSignal{Reason: "test"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("delivery order = %v, want [a b c]", got)
	}
}

func TestPublishIsolatesFaultySubscribers(t *testing.T) {
	b := New(testLogger())

	delivered := 0
	b.Subscribe(domain.SignalTrade, "panics", func(domain.Signal) error {
		panic("boom")
	})
	b.Subscribe(domain.SignalTrade, "errors", func(domain.Signal) error {
		return errors.New("downstream down")
	})
	b.Subscribe(domain.SignalTrade, "healthy", func(domain.Signal) error {
		delivered++
		return nil
	})

	if err := b.Publish(domain.TradeSignal{Symbol: "MES"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("healthy subscriber got %d deliveries, want 1", delivered)
	}
}

func TestPublishRejectsAbsentPayload(t *testing.T) {
	b := New(testLogger())
	if err := b.Publish(nil); !errors.Is(err, domain.ErrInvalidSignal) {
		t.Fatalf("Publish(nil) error = %v, want ErrInvalidSignal", err)
	}
}

func TestPublishOnlyReachesMatchingKind(t *testing.T) {
	b := New(testLogger())

	trades, trails := 0, 0
	b.Subscribe(domain.SignalTrade, "trade", func(domain.Signal) error { trades++; return nil })
	b.Subscribe(domain.SignalTrailUpdate, "trail", func(domain.Signal) error { trails++; return nil })

	_ = b.Publish(domain.TrailUpdateSignal{Envelope: domain.Envelope{PositionID: "ORLong_1"}})
	_ = b.Publish(domain.TrailUpdateSignal{Envelope: domain.Envelope{PositionID: "ORLong_1"}})

	if trades != 0 || trails != 2 {
		t.Fatalf("trades=%d trails=%d, want 0 and 2", trades, trails)
	}
}

func TestSubscriberAddedDuringPublishMissesThatSignal(t *testing.T) {
	b := New(testLogger())

	late := 0
	b.Subscribe(domain.SignalBreakeven, "registrar", func(domain.Signal) error {
		b.Subscribe(domain.SignalBreakeven, "late", func(domain.Signal) error {
			late++
			return nil
		})
		return nil
	})

	_ = b.Publish(domain.BreakevenSignal{})
	if late != 0 {
		t.Fatalf("late subscriber received %d signals from the in-flight publish", late)
	}

	_ = b.Publish(domain.BreakevenSignal{})
	if late != 1 {
		t.Fatalf("late subscriber received %d signals, want 1 after the next publish", late)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(testLogger())

	n := 0
	unsub := b.Subscribe(domain.SignalFlatten, "x", func(domain.Signal) error { n++; return nil })
	_ = b.Publish(domain.FlattenSignal{})
	unsub()
	unsub()
	_ = b.Publish(domain.FlattenSignal{})

	if n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if c := b.SubscriberCounts()[domain.SignalFlatten]; c != 0 {
		t.Fatalf("subscriber count = %d, want 0", c)
	}
}

func TestPublishStampsSignal(t *testing.T) {
	b := New(testLogger())

	var got domain.TradeSignal
	b.Subscribe(domain.SignalTrade, "capture", func(sig domain.Signal) error {
		got = sig.(domain.TradeSignal)
		return nil
	})
	_ = b.Publish(domain.TradeSignal{Envelope: domain.Envelope{PositionID: "ORShort_2"}})

	if got.SignalID == "" {
		t.Fatal("signal id not assigned")
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp not set at broadcast")
	}
	if got.Correlation() != "ORShort_2" {
		t.Fatalf("correlation = %q", got.Correlation())
	}
}
