package replication

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/gateway/gatewaytest"
	"github.com/shopspring/decimal"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReconcileBuysDifference(t *testing.T) {
	gw := gatewaytest.New("Apex-1")
	gw.SetNet("Apex-1", "MES", 1)
	r := NewReconciler(ReconcilerConfig{}, gw, nil, discard())

	c, err := r.Reconcile(context.Background(), "Apex-1", "MES", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if c.Side != domain.OrderSideBuy || c.Qty != 2 {
		t.Fatalf("correction = %s %d, want buy 2", c.Side, c.Qty)
	}
	sub := gw.Submitted()
	if len(sub) != 1 || sub[0].Type != domain.OrderTypeMarket || sub[0].Quantity != 2 || sub[0].Side != domain.OrderSideBuy {
		t.Fatalf("submitted = %+v", sub)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := gatewaytest.New("Apex-1")
	gw.SetNet("Apex-1", "MES", 1)
	r := NewReconciler(ReconcilerConfig{}, gw, nil, discard())
	target := decimal.NewFromInt(3)

	first, err := r.Reconcile(ctx, "Apex-1", "MES", target)
	if err != nil || !first.Submitted() {
		t.Fatalf("first = %+v, %v", first, err)
	}

	// Same target while the correction is still working.
	again, err := r.Reconcile(ctx, "Apex-1", "MES", target)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if again.Submitted() || again.Pending != 2 {
		t.Fatalf("repeat = %+v, want nothing new with 2 pending", again)
	}

	// The correction fills; the position now matches.
	r.OnOrderUpdate(gw.Fill(first.OrderID, decimal.NewFromInt(100)))
	settled, err := r.Reconcile(ctx, "Apex-1", "MES", target)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if settled.Submitted() || settled.Net != 3 {
		t.Fatalf("settled = %+v", settled)
	}
	if n := len(gw.Submitted()); n != 1 {
		t.Fatalf("submitted %d orders, want 1", n)
	}
}

func TestReconcileFillSeenBeforeUpdate(t *testing.T) {
	ctx := context.Background()
	gw := gatewaytest.New("Apex-1")
	r := NewReconciler(ReconcilerConfig{}, gw, nil, discard())

	c, _ := r.Reconcile(ctx, "Apex-1", "MES", decimal.NewFromInt(-2))
	if c.Side != domain.OrderSideSell || c.Qty != 2 {
		t.Fatalf("correction = %+v", c)
	}
	// The gateway fills but the update has not been processed yet.
	gw.Fill(c.OrderID, decimal.NewFromInt(100))

	again, err := r.Reconcile(ctx, "Apex-1", "MES", decimal.NewFromInt(-2))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if again.Submitted() {
		t.Fatalf("double-counted a filled correction: %+v", again)
	}
}

func TestReconcileWithinEpsilon(t *testing.T) {
	gw := gatewaytest.New("Apex-1")
	gw.SetNet("Apex-1", "MES", 2)
	r := NewReconciler(ReconcilerConfig{}, gw, nil, discard())

	c, err := r.Reconcile(context.Background(), "Apex-1", "MES", decimal.RequireFromString("2.0005"))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if c.Submitted() {
		t.Fatalf("corrected inside epsilon: %+v", c)
	}
}

func TestReconcileRejectedCorrectionRetries(t *testing.T) {
	ctx := context.Background()
	gw := gatewaytest.New("Apex-1")
	r := NewReconciler(ReconcilerConfig{}, gw, nil, discard())

	c, _ := r.Reconcile(ctx, "Apex-1", "MES", decimal.NewFromInt(1))
	if !r.OnOrderUpdate(gw.Reject(c.OrderID, "margin")) {
		t.Fatal("correction update not recognised")
	}
	retry, err := r.Reconcile(ctx, "Apex-1", "MES", decimal.NewFromInt(1))
	if err != nil || !retry.Submitted() {
		t.Fatalf("retry = %+v, %v", retry, err)
	}
}

type stubEntries struct {
	fail  map[string]bool
	calls []domain.Decision
}

func (s *stubEntries) SubmitEntry(_ context.Context, d domain.Decision) (string, error) {
	s.calls = append(s.calls, d)
	if s.fail[d.Account] {
		return "", domain.ErrNoHandle
	}
	return "OR_" + d.Account, nil
}

func TestReplicateAttemptsEveryAccount(t *testing.T) {
	gw := gatewaytest.New("Sim101", "APEX-2", "apex-1", "Apex-3")
	entries := &stubEntries{fail: map[string]bool{"APEX-2": true}}
	r := NewReplicator(gw, entries, DefaultAccountPrefix, nil, discard())

	res, err := r.Replicate(context.Background(), domain.Decision{Symbol: "MES", Direction: domain.DirectionLong})
	if !errors.Is(err, domain.ErrNoHandle) {
		t.Fatalf("err = %v, want joined ErrNoHandle", err)
	}
	if len(entries.calls) != 3 {
		t.Fatalf("attempted %d accounts, want 3", len(entries.calls))
	}
	if len(res.Positions) != 2 || res.Positions["apex-1"] == "" || res.Positions["Apex-3"] == "" {
		t.Fatalf("positions = %v", res.Positions)
	}
	if _, ok := res.Failed["APEX-2"]; !ok {
		t.Fatalf("failed = %v", res.Failed)
	}
}

func TestReplicateNoAccounts(t *testing.T) {
	r := NewReplicator(gatewaytest.New("Sim101"), &stubEntries{}, "Apex", nil, discard())
	if _, err := r.Replicate(context.Background(), domain.Decision{Symbol: "MES"}); !errors.Is(err, domain.ErrUnknownAccount) {
		t.Fatalf("err = %v", err)
	}
}
