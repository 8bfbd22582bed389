// Package cleanup reconciles the Position Ledger against the execution
// gateway: it cancels orphaned child orders, honours externally observed flat
// positions, and flattens on request.
//
// Orders are matched to a position through both the ledger index and the
// gateway's working orders whose tag is bound to the position id, so stale
// duplicate stops left by racing replacements are cancelled too.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/alanyoungcy/orhub/internal/metrics"
)

// Cleaner cancels and removes positions. It must only be called from the
// tick driver.
type Cleaner struct {
	gw      domain.ExecutionGateway
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Cleaner.
func New(gw domain.ExecutionGateway, l *ledger.Ledger, m *metrics.Metrics, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		gw:      gw,
		ledger:  l,
		metrics: m,
		logger:  logger.With(slog.String("component", "cleanup")),
	}
}

// Cleanup cancels every working order owned by id and removes the position
// from the ledger. Cancel failures are returned but do not keep the record.
func (c *Cleaner) Cleanup(ctx context.Context, id, reason string) error {
	rec, ok := c.ledger.Get(id)
	if !ok {
		return nil
	}
	n, err := c.cancelOwned(ctx, rec)
	c.ledger.Remove(id)
	c.metrics.SetOpenPositions(c.ledger.Len())

	c.logger.InfoContext(ctx, "position cleaned up",
		slog.String("position_id", id),
		slog.String("reason", reason),
		slog.Int("cancelled", n),
	)
	if err != nil {
		return fmt.Errorf("cleanup: %s: %w", id, err)
	}
	return nil
}

// Flatten cancels every order owned by id, exits any filled remaining
// quantity at market and removes the position. If the exit cannot be placed
// the record stays in the ledger and ErrPositionUnprotected is returned.
func (c *Cleaner) Flatten(ctx context.Context, id, reason string) error {
	rec, ok := c.ledger.Get(id)
	if !ok {
		return fmt.Errorf("cleanup: flatten %s: %w", id, domain.ErrNotFound)
	}
	_, cancelErr := c.cancelOwned(ctx, rec)

	if rec.EntryFilled && rec.RemainingQuantity > 0 {
		req := domain.OrderRequest{
			Account:  rec.Account,
			Symbol:   rec.Symbol,
			Side:     rec.Direction.ExitSide(),
			Type:     domain.OrderTypeMarket,
			Quantity: rec.RemainingQuantity,
			Tag:      c.ledger.Tag(id, domain.RoleExit),
		}
		h, err := c.gw.Submit(ctx, req)
		if err == nil && !h.Valid() {
			err = domain.ErrNoHandle
		}
		if err != nil {
			c.metrics.OrderFailed(string(domain.RoleExit))
			c.logger.ErrorContext(ctx, "flatten exit failed",
				slog.String("position_id", id),
				slog.Int("quantity", rec.RemainingQuantity),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("cleanup: flatten %s: %w: %w", id, domain.ErrPositionUnprotected, err)
		}
		c.metrics.OrderSubmitted(string(domain.RoleExit))
		c.logger.InfoContext(ctx, "position exited at market",
			slog.String("position_id", id),
			slog.String("order_id", h.ID),
			slog.Int("quantity", rec.RemainingQuantity),
		)
	}

	c.ledger.Remove(id)
	c.metrics.SetOpenPositions(c.ledger.Len())
	c.logger.InfoContext(ctx, "position flattened",
		slog.String("position_id", id),
		slog.String("reason", reason),
	)
	if cancelErr != nil {
		return fmt.Errorf("cleanup: flatten %s: %w", id, cancelErr)
	}
	return nil
}

// FlattenAll flattens every position in symbol, or every position when
// symbol is empty. One failure does not stop the rest.
func (c *Cleaner) FlattenAll(ctx context.Context, symbol, reason string) error {
	var errs []error
	for _, rec := range c.ledger.Filter("", symbol) {
		if err := c.Flatten(ctx, rec.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnPositionUpdate treats the gateway as authoritative: a flat report removes
// every filled ledger position for that account and instrument. It returns
// how many records were removed.
func (c *Cleaner) OnPositionUpdate(ctx context.Context, pu domain.PositionUpdate) int {
	recs := c.ledger.Filter(pu.Account, pu.Symbol)
	if pu.Net != 0 {
		c.checkDrift(ctx, pu, recs)
		return 0
	}

	removed := 0
	for _, rec := range recs {
		if !rec.EntryFilled {
			continue
		}
		if err := c.Cleanup(ctx, rec.ID, "external flat"); err != nil {
			c.logger.WarnContext(ctx, "cleanup after external flat incomplete",
				slog.String("position_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		removed++
	}
	return removed
}

func (c *Cleaner) checkDrift(ctx context.Context, pu domain.PositionUpdate, recs []*domain.PositionRecord) {
	local := 0
	for _, rec := range recs {
		if rec.EntryFilled {
			local += rec.Direction.Sign() * rec.RemainingQuantity
		}
	}
	if local != 0 && local != pu.Net {
		c.logger.WarnContext(ctx, "ledger differs from gateway position",
			slog.String("account", pu.Account),
			slog.String("symbol", pu.Symbol),
			slog.Int("ledger_net", local),
			slog.Int("gateway_net", pu.Net),
		)
	}
}

// cancelOwned cancels the union of indexed orders and gateway working orders
// whose tag is bound to the position id.
func (c *Cleaner) cancelOwned(ctx context.Context, rec *domain.PositionRecord) (int, error) {
	targets := make(map[string]struct{})
	for _, oid := range c.ledger.OrdersOf(rec.ID) {
		targets[oid] = struct{}{}
	}
	for _, oid := range rec.Orders {
		if oid != "" {
			targets[oid] = struct{}{}
		}
	}

	working, err := c.gw.WorkingOrders(ctx, rec.Account, rec.Symbol)
	if err != nil {
		c.logger.WarnContext(ctx, "working order query failed, cancelling indexed orders only",
			slog.String("position_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	for _, w := range working {
		if w.State.Live() && ledger.Owns(rec.ID, w.Tag) {
			targets[w.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(targets))
	for oid := range targets {
		ids = append(ids, oid)
	}
	sort.Strings(ids)

	var errs []error
	n := 0
	for _, oid := range ids {
		err := c.gw.Cancel(ctx, rec.Account, oid)
		switch {
		case err == nil:
			c.metrics.OrderCancelled()
			n++
		case errors.Is(err, domain.ErrNotFound):
			// already terminal at the gateway
		default:
			errs = append(errs, fmt.Errorf("cancel %s: %w", oid, err))
			continue
		}
		c.ledger.Untrack(oid)
	}
	for role := range rec.Orders {
		rec.SetOrder(role, "")
	}
	return n, errors.Join(errs...)
}
