package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"github.com/shopspring/decimal"
)

// DefaultEpsilon is the smallest difference treated as drift.
var DefaultEpsilon = decimal.RequireFromString("0.001")

// ReconcilerConfig configures drift correction.
type ReconcilerConfig struct {
	Epsilon decimal.Decimal
}

// Correction describes what one reconcile call did.
type Correction struct {
	Account string
	Symbol  string
	Target  decimal.Decimal
	Net     int
	// Pending is the signed quantity of corrections still in flight.
	Pending int
	Side    domain.OrderSide
	Qty     int
	OrderID string
}

// Submitted reports whether an order was placed.
func (c Correction) Submitted() bool { return c.Qty > 0 }

type pendingOrder struct {
	orderID string
	signed  int
}

type key struct{ account, symbol string }

// Reconciler drives a replica account toward a target net position with
// single market orders. Corrections still working count toward the
// position, so repeating a target before its correction fills places
// nothing new. Must be used from the tick driver goroutine.
type Reconciler struct {
	cfg     ReconcilerConfig
	gw      domain.ExecutionGateway
	metrics *metrics.Metrics
	logger  *slog.Logger

	pending map[key][]pendingOrder
	byOrder map[string]key
	seq     int
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig, gw domain.ExecutionGateway, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if !cfg.Epsilon.IsPositive() {
		cfg.Epsilon = DefaultEpsilon
	}
	return &Reconciler{
		cfg:     cfg,
		gw:      gw,
		metrics: m,
		logger:  logger.With(slog.String("component", "reconciler")),
		pending: make(map[key][]pendingOrder),
		byOrder: make(map[string]key),
	}
}

// Reconcile compares account's net position in symbol with target and, when
// they differ by more than epsilon, submits one market order for the
// difference.
func (r *Reconciler) Reconcile(ctx context.Context, account, symbol string, target decimal.Decimal) (Correction, error) {
	c := Correction{Account: account, Symbol: symbol, Target: target}
	net, err := r.gw.NetPosition(ctx, account, symbol)
	if err != nil {
		return c, fmt.Errorf("replication: net position %s %s: %w", account, symbol, err)
	}
	c.Net = net
	k := key{account, symbol}
	if c.Pending, err = r.inFlight(ctx, k); err != nil {
		return c, err
	}

	diff := target.Sub(decimal.NewFromInt(int64(net + c.Pending)))
	if diff.Abs().LessThanOrEqual(r.cfg.Epsilon) {
		return c, nil
	}
	qty := int(diff.Abs().Round(0).IntPart())
	if qty == 0 {
		return c, nil
	}
	c.Side = domain.OrderSideBuy
	signed := qty
	if diff.IsNegative() {
		c.Side = domain.OrderSideSell
		signed = -qty
	}

	r.seq++
	h, err := r.gw.Submit(ctx, domain.OrderRequest{
		Account:  account,
		Symbol:   symbol,
		Side:     c.Side,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
		Tag:      "SYNC_" + symbol + "/" + string(domain.RoleSync) + "/" + strconv.Itoa(r.seq),
	})
	if err == nil && !h.Valid() {
		err = domain.ErrNoHandle
	}
	if err != nil {
		r.metrics.OrderFailed(string(domain.RoleSync))
		r.logger.ErrorContext(ctx, "sync correction failed",
			slog.String("account", account),
			slog.String("symbol", symbol),
			slog.String("side", string(c.Side)),
			slog.Int("qty", qty),
			slog.String("error", err.Error()),
		)
		return c, fmt.Errorf("replication: sync %s %s: %w", account, symbol, err)
	}

	c.Qty = qty
	c.OrderID = h.ID
	r.pending[k] = append(r.pending[k], pendingOrder{orderID: h.ID, signed: signed})
	r.byOrder[h.ID] = k
	r.metrics.OrderSubmitted(string(domain.RoleSync))
	r.metrics.SyncCorrection(string(c.Side))
	r.logger.InfoContext(ctx, "sync correction submitted",
		slog.String("account", account),
		slog.String("symbol", symbol),
		slog.String("target", target.String()),
		slog.Int("net", net),
		slog.String("side", string(c.Side)),
		slog.Int("qty", qty),
		slog.String("order_id", h.ID),
	)
	return c, nil
}

// ReconcileAll reconciles symbol to target on every account and joins the
// failures.
func (r *Reconciler) ReconcileAll(ctx context.Context, accounts []string, symbol string, target decimal.Decimal) ([]Correction, error) {
	var (
		out  []Correction
		errs []error
	)
	for _, a := range accounts {
		c, err := r.Reconcile(ctx, a, symbol, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// OnOrderUpdate forgets a correction once the gateway reports it finished.
// It reports whether the order was a correction.
func (r *Reconciler) OnOrderUpdate(u domain.OrderUpdate) bool {
	k, ok := r.byOrder[u.OrderID]
	if !ok {
		return false
	}
	if !u.State.Terminal() {
		return true
	}
	delete(r.byOrder, u.OrderID)
	list := r.pending[k]
	for i, p := range list {
		if p.orderID == u.OrderID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.pending, k)
	} else {
		r.pending[k] = list
	}
	if u.State != domain.OrderStateFilled {
		r.logger.Warn("sync correction did not fill",
			slog.String("order_id", u.OrderID),
			slog.String("state", string(u.State)),
			slog.String("error_code", u.ErrorCode),
		)
	}
	return true
}

// inFlight sums corrections the gateway still reports as working. Anything
// else has filled into the net position or died.
func (r *Reconciler) inFlight(ctx context.Context, k key) (int, error) {
	list := r.pending[k]
	if len(list) == 0 {
		return 0, nil
	}
	working, err := r.gw.WorkingOrders(ctx, k.account, k.symbol)
	if err != nil {
		return 0, fmt.Errorf("replication: working orders %s %s: %w", k.account, k.symbol, err)
	}
	live := make(map[string]bool, len(working))
	for _, o := range working {
		if o.State.Live() {
			live[o.ID] = true
		}
	}
	kept := list[:0]
	sum := 0
	for _, p := range list {
		if !live[p.orderID] {
			delete(r.byOrder, p.orderID)
			continue
		}
		sum += p.signed
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(r.pending, k)
	} else {
		r.pending[k] = kept
	}
	return sum, nil
}
