package strategy

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type instruments map[string]domain.Instrument

func (m instruments) Instrument(symbol string) (domain.Instrument, error) {
	inst, ok := m[symbol]
	if !ok {
		return domain.Instrument{}, domain.ErrNotFound
	}
	return inst, nil
}

var mes = domain.Instrument{Symbol: "MES", TickSize: d("0.25"), PointValue: d("5")}

func newBuilder(t *testing.T) (*Builder, *Tracker) {
	t.Helper()
	tr := NewTracker(time.Minute, 3)
	cfg := Config{
		EntryOffsetTicks:  1,
		StopATRMultiplier: d("1.5"),
		MinStop:           d("1"),
		MaxStop:           d("8"),
		DefaultATR:        d("2"),
		T1Points:          d("1"),
		T2RangeMultiplier: d("0.5"),
	}
	return NewBuilder(cfg, tr, instruments{"MES": mes}, slog.New(slog.NewTextHandler(io.Discard, nil))), tr
}

func TestBuildBreakout(t *testing.T) {
	b, tr := newBuilder(t)
	tr.UpdateTelemetry(domain.Telemetry{Symbol: "MES", Last: d("5005"), ORHigh: d("5010"), ORLow: d("5000")})

	tests := []struct {
		dir   domain.Direction
		entry string
	}{
		{domain.DirectionLong, "5010.25"},
		{domain.DirectionShort, "4999.75"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			dec, err := b.Build(Request{Symbol: "MES", Direction: tt.dir, Mode: ModeBreakout})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if dec.EntryType != domain.OrderTypeStopMarket || !dec.EntryPrice.Equal(d(tt.entry)) {
				t.Fatalf("entry = %s @ %s, want stop_market @ %s", dec.EntryType, dec.EntryPrice, tt.entry)
			}
			if dec.Alternate {
				t.Fatal("breakout marked alternate")
			}
			// Default ATR 2 x 1.5.
			if !dec.StopDistance.Equal(d("3")) {
				t.Fatalf("stop distance = %s, want 3", dec.StopDistance)
			}
			if !dec.Target1Distance.Equal(d("1")) || !dec.Target2Distance.Equal(d("5")) {
				t.Fatalf("targets = %s/%s, want 1/5", dec.Target1Distance, dec.Target2Distance)
			}
		})
	}
}

func TestBuildBreakoutAlreadyThrough(t *testing.T) {
	b, tr := newBuilder(t)
	tr.UpdateTelemetry(domain.Telemetry{Symbol: "MES", Last: d("5012"), ORHigh: d("5010"), ORLow: d("5000")})

	dec, err := b.Build(Request{Symbol: "MES", Direction: domain.DirectionLong, Mode: ModeBreakout})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if dec.EntryType != domain.OrderTypeMarket || !dec.Alternate {
		t.Fatalf("decision = %+v, want alternate market entry", dec)
	}
}

func TestBuildErrors(t *testing.T) {
	b, _ := newBuilder(t)
	if _, err := b.Build(Request{Symbol: "MES", Direction: domain.DirectionLong, Mode: ModeBreakout}); !errors.Is(err, domain.ErrNoMarket) {
		t.Fatalf("breakout without range: %v", err)
	}
	if _, err := b.Build(Request{Symbol: "MES", Direction: domain.DirectionLong}); !errors.Is(err, domain.ErrNoMarket) {
		t.Fatalf("market without price: %v", err)
	}
	if _, err := b.Build(Request{Symbol: "ES", Direction: domain.DirectionLong}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown instrument: %v", err)
	}
}

func TestStopDistanceFromATR(t *testing.T) {
	b, tr := newBuilder(t)
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	// Four completed one-minute bars with a range of 2, then a forming bar.
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		tr.Track(domain.Tick{Symbol: "MES", Price: d("5000"), Time: at})
		tr.Track(domain.Tick{Symbol: "MES", Price: d("5002"), Time: at.Add(10 * time.Second)})
		tr.Track(domain.Tick{Symbol: "MES", Price: d("5001"), Time: at.Add(20 * time.Second)})
	}
	atr, ok := tr.ATR("MES")
	if !ok || !atr.Equal(d("2")) {
		t.Fatalf("ATR = %s %v, want 2", atr, ok)
	}
	if got := b.StopDistance("MES", mes); !got.Equal(d("3")) {
		t.Fatalf("stop = %s, want 3", got)
	}

	// A wide bar pushes the stop to the cap.
	at := base.Add(5 * time.Minute)
	tr.Track(domain.Tick{Symbol: "MES", Price: d("4980"), Time: at})
	tr.Track(domain.Tick{Symbol: "MES", Price: d("5020"), Time: at.Add(time.Second)})
	tr.Track(domain.Tick{Symbol: "MES", Price: d("5000"), Time: at.Add(time.Minute)})
	if got := b.StopDistance("MES", mes); !got.Equal(d("8")) {
		t.Fatalf("stop = %s, want capped 8", got)
	}
}
