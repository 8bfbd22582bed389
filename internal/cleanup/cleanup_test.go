package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/gateway/gatewaytest"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/shopspring/decimal"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	gw *gatewaytest.Gateway
	l  *ledger.Ledger
	c  *Cleaner
}

func newFixture() *fixture {
	gw := gatewaytest.New("A")
	l := ledger.New("OR")
	return &fixture{gw: gw, l: l, c: New(gw, l, nil, discard())}
}

// open adds a filled long position with a working stop and returns the stop id.
func (f *fixture) open(t *testing.T, id, symbol string, filled bool) string {
	t.Helper()
	rec := &domain.PositionRecord{
		ID:                id,
		Account:           "A",
		Symbol:            symbol,
		Direction:         domain.DirectionLong,
		TotalQuantity:     2,
		RemainingQuantity: 2,
		EntryPrice:        decimal.NewFromInt(5000),
		EntryFilled:       filled,
	}
	if err := f.l.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := f.gw.Submit(context.Background(), domain.OrderRequest{
		Account:   "A",
		Symbol:    symbol,
		Side:      domain.OrderSideSell,
		Type:      domain.OrderTypeStopMarket,
		Quantity:  2,
		StopPrice: decimal.NewFromInt(4990),
		Tag:       f.l.Tag(id, domain.RoleStop),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.l.Track(id, h.ID)
	rec.SetOrder(domain.RoleStop, h.ID)
	return h.ID
}

func TestCleanupCancelsStaleDuplicatesOnly(t *testing.T) {
	f := newFixture()
	stop := f.open(t, "ORLong_1", "MES", true)
	other := f.open(t, "ORLong_10", "MES", true)
	f.gw.Inject(domain.WorkingOrder{ID: "dup", Account: "A", Symbol: "MES", Tag: "ORLong_1/stop/1"})

	if err := f.c.Cleanup(context.Background(), "ORLong_1", "stop filled"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	got := f.gw.Cancelled()
	slices.Sort(got)
	if !slices.Equal(got, []string{"dup", stop}) {
		t.Fatalf("cancelled = %v", got)
	}
	if _, ok := f.l.Get("ORLong_1"); ok {
		t.Fatal("position still in ledger")
	}
	if _, ok := f.l.Get("ORLong_10"); !ok {
		t.Fatal("unrelated position removed")
	}
	if o, _ := f.gw.Order(other); !o.State.Live() {
		t.Fatalf("unrelated stop %s cancelled", other)
	}
}

func TestCleanupToleratesAlreadyTerminalOrders(t *testing.T) {
	f := newFixture()
	stop := f.open(t, "ORLong_1", "MES", true)
	f.gw.Fill(stop, decimal.NewFromInt(4990))

	if err := f.c.Cleanup(context.Background(), "ORLong_1", "stop filled"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if f.l.Len() != 0 {
		t.Fatal("record kept")
	}
	if _, ok := f.l.OwnerOf(stop); ok {
		t.Fatal("filled stop still indexed")
	}
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name     string
		filled   bool
		refuse   bool
		wantExit bool
		wantErr  error
		wantKept bool
	}{
		{name: "filled exits at market", filled: true, wantExit: true},
		{name: "pending entry only cancels", filled: false},
		{name: "refused exit keeps record", filled: true, refuse: true, wantErr: domain.ErrPositionUnprotected, wantKept: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.open(t, "ORLong_1", "MES", tt.filled)
			if tt.refuse {
				f.gw.Refuse = func(r domain.OrderRequest) bool { return r.Type == domain.OrderTypeMarket }
			}

			err := f.c.Flatten(context.Background(), "ORLong_1", "test")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Flatten = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Flatten: %v", err)
			}

			exits := f.gw.LiveByRole("ORLong_1", domain.RoleExit)
			if tt.wantExit {
				if len(exits) != 1 || exits[0].Quantity != 2 || exits[0].Side != domain.OrderSideSell {
					t.Fatalf("exit orders = %+v", exits)
				}
			} else if len(exits) != 0 {
				t.Fatalf("unexpected exit %+v", exits)
			}
			if _, ok := f.l.Get("ORLong_1"); ok != tt.wantKept {
				t.Fatalf("record kept = %v, want %v", ok, tt.wantKept)
			}
			if n := len(f.gw.LiveByRole("ORLong_1", domain.RoleStop)); n != 0 {
				t.Fatalf("%d stops still working", n)
			}
		})
	}
}

func TestFlattenUnknownPosition(t *testing.T) {
	f := newFixture()
	if err := f.c.Flatten(context.Background(), "ORLong_9", "test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Flatten = %v, want ErrNotFound", err)
	}
}

func TestFlattenAllBySymbol(t *testing.T) {
	f := newFixture()
	f.open(t, "ORLong_1", "MES", true)
	f.open(t, "ORShort_2", "MES", true)
	f.open(t, "ORLong_3", "MNQ", true)

	if err := f.c.FlattenAll(context.Background(), "MES", "flatten command"); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	if f.l.Len() != 1 {
		t.Fatalf("%d positions left, want 1", f.l.Len())
	}
	if _, ok := f.l.Get("ORLong_3"); !ok {
		t.Fatal("MNQ position flattened")
	}
}

func TestOnPositionUpdate(t *testing.T) {
	f := newFixture()
	f.open(t, "ORLong_1", "MES", true)
	f.open(t, "ORLong_2", "MES", false)

	if n := f.c.OnPositionUpdate(context.Background(), domain.PositionUpdate{Account: "A", Symbol: "MES", Net: 2}); n != 0 {
		t.Fatalf("non-flat update removed %d", n)
	}
	if n := f.c.OnPositionUpdate(context.Background(), domain.PositionUpdate{Account: "A", Symbol: "MES"}); n != 1 {
		t.Fatalf("flat update removed %d, want 1", n)
	}
	if _, ok := f.l.Get("ORLong_2"); !ok {
		t.Fatal("pending entry removed by external flat")
	}
}
