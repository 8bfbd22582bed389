package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGateway(t *testing.T) (*Gateway, context.Context) {
	t.Helper()
	g := New([]string{"Apex-1", "Apex-2"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	t.Cleanup(cancel)
	return g, ctx
}

func tick(p string) domain.Tick { return domain.Tick{Symbol: "MES", Price: d(p)} }

// nextOrder reads events until an order update for id arrives.
func nextOrder(t *testing.T, g *Gateway, id string) domain.OrderUpdate {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-g.Events():
			if ev.Order != nil && ev.Order.OrderID == id && ev.Order.State.Terminal() {
				return *ev.Order
			}
		case <-timeout:
			t.Fatalf("no terminal update for %s", id)
		}
	}
}

func TestMarketOrderFillsAtNextPrice(t *testing.T) {
	g, ctx := newGateway(t)
	h, err := g.Submit(ctx, domain.OrderRequest{Account: "Apex-1", Symbol: "MES", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 2, Tag: "ORLong_1/entry"})
	if err != nil || !h.Valid() {
		t.Fatalf("Submit: %v %+v", err, h)
	}
	if net, _ := g.NetPosition(ctx, "Apex-1", "MES"); net != 0 {
		t.Fatalf("filled without a price, net %d", net)
	}

	g.OnPrice(tick("100.25"))
	u := nextOrder(t, g, h.ID)
	if u.State != domain.OrderStateFilled || u.FilledQty != 2 || !u.FillPrice.Equal(d("100.25")) || u.Tag != "ORLong_1/entry" {
		t.Fatalf("update = %+v", u)
	}
	if net, _ := g.NetPosition(ctx, "Apex-1", "MES"); net != 2 {
		t.Fatalf("net = %d, want 2", net)
	}
}

func TestStopThroughMarketRejected(t *testing.T) {
	g, ctx := newGateway(t)
	g.OnPrice(tick("100"))

	h, err := g.Submit(ctx, domain.OrderRequest{Account: "Apex-1", Symbol: "MES", Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Quantity: 1, StopPrice: d("100.5")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	u := nextOrder(t, g, h.ID)
	if u.State != domain.OrderStateRejected || u.ErrorCode != CodeStopThroughMarket {
		t.Fatalf("update = %+v", u)
	}
}

func TestStopAndLimitTrigger(t *testing.T) {
	g, ctx := newGateway(t)
	g.OnPrice(tick("100"))

	stop, _ := g.Submit(ctx, domain.OrderRequest{Account: "Apex-1", Symbol: "MES", Side: domain.OrderSideSell, Type: domain.OrderTypeStopMarket, Quantity: 1, StopPrice: d("98")})
	limit, _ := g.Submit(ctx, domain.OrderRequest{Account: "Apex-2", Symbol: "MES", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Quantity: 1, LimitPrice: d("101")})

	g.OnPrice(tick("99"))
	if working, _ := g.WorkingOrders(ctx, "Apex-1", "MES"); len(working) != 1 {
		t.Fatalf("stop triggered early: %+v", working)
	}

	g.OnPrice(tick("101.5"))
	if u := nextOrder(t, g, limit.ID); !u.FillPrice.Equal(d("101")) {
		t.Fatalf("limit filled at %s, want 101", u.FillPrice)
	}

	g.OnPrice(tick("97.75"))
	if u := nextOrder(t, g, stop.ID); !u.FillPrice.Equal(d("97.75")) {
		t.Fatalf("stop filled at %s", u.FillPrice)
	}
	if net, _ := g.NetPosition(ctx, "Apex-1", "MES"); net != -1 {
		t.Fatalf("net = %d", net)
	}
}

func TestCancel(t *testing.T) {
	g, ctx := newGateway(t)
	h, _ := g.Submit(ctx, domain.OrderRequest{Account: "Apex-1", Symbol: "MES", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, LimitPrice: d("90")})

	if err := g.Cancel(ctx, "Apex-1", h.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := g.Cancel(ctx, "Apex-1", h.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second cancel = %v, want ErrNotFound", err)
	}
	if u := nextOrder(t, g, h.ID); u.State != domain.OrderStateCancelled {
		t.Fatalf("update = %+v", u)
	}
}

func TestAveragePriceAndUnknownAccount(t *testing.T) {
	g, ctx := newGateway(t)
	buy := domain.OrderRequest{Account: "Apex-1", Symbol: "MES", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1}

	g.OnPrice(tick("100"))
	g.Submit(ctx, buy)
	g.OnPrice(tick("102"))
	g.Submit(ctx, buy)

	pos := g.Positions()
	if len(pos) != 1 || pos[0].Net != 2 || !pos[0].AvgPrice.Equal(d("101")) {
		t.Fatalf("positions = %+v", pos)
	}

	buy.Account = "Sim101"
	if _, err := g.Submit(ctx, buy); !errors.Is(err, domain.ErrUnknownAccount) {
		t.Fatalf("err = %v", err)
	}
}
