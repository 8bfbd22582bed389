// Package bracket is the Bracket Order Manager. It sizes and submits entries,
// places the protective stop and tiered targets once the entry fill is known,
// and keeps the stop quantity in line with the remaining position.
//
// Every method must be called from the tick driver goroutine; the manager
// mutates ledger records directly.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"github.com/shopspring/decimal"
)

// maxStopResubmits bounds how many times a rejected stop is resubmitted
// before the position is flattened instead.
const maxStopResubmits = 1

// Config holds sizing and order placement parameters.
type Config struct {
	Instruments map[string]domain.Instrument

	RiskDollars        decimal.Decimal
	ReducedRiskDollars decimal.Decimal
	// StopThreshold is the stop distance in points above which the reduced
	// risk budget applies.
	StopThreshold decimal.Decimal
	MinContracts  int
	MaxContracts  int

	T1Percent int
	T2Percent int

	// StopValidationTicks is how far a stop that sits through the market is
	// moved clear of it.
	StopValidationTicks int
	// BreakevenOffsetTicks is the buffer used by the MoveToBreakeven action.
	BreakevenOffsetTicks int
}

// Cleaner removes positions and their orders.
type Cleaner interface {
	Cleanup(ctx context.Context, id, reason string) error
	Flatten(ctx context.Context, id, reason string) error
}

// Publisher puts signals on the bus.
type Publisher interface {
	Publish(sig domain.Signal) error
}

// PriceSource reports the latest traded price of an instrument.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Alert events raised by the manager.
const (
	notifyUnprotected = "position_unprotected"
	notifyEmergency   = "emergency_flatten"
)

// Alerter forwards operator alerts without blocking.
type Alerter interface {
	Alert(event, title, message string)
}

// Manager is the Bracket Order Manager.
type Manager struct {
	cfg     Config
	gw      domain.ExecutionGateway
	ledger  *ledger.Ledger
	cleaner Cleaner
	bus     Publisher
	prices  PriceSource
	alerts  Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// exits holds market tier exits whose quantity left RemainingQuantity
	// when they were sent, keyed by order id.
	exits map[string]int
}

// NewManager wires a Manager. alerts and m may be nil.
func NewManager(
	cfg Config,
	gw domain.ExecutionGateway,
	l *ledger.Ledger,
	cleaner Cleaner,
	bus Publisher,
	prices PriceSource,
	alerts Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:     cfg,
		gw:      gw,
		ledger:  l,
		cleaner: cleaner,
		bus:     bus,
		prices:  prices,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With(slog.String("component", "bracket")),
		now:     func() time.Time { return time.Now().UTC() },
		exits:   make(map[string]int),
	}
}

// Instrument returns the contract constants for symbol.
func (m *Manager) Instrument(symbol string) (domain.Instrument, error) {
	inst, ok := m.cfg.Instruments[symbol]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("bracket: instrument %s: %w", symbol, domain.ErrNotFound)
	}
	return inst, nil
}

// Size returns the entry quantity for d. An explicit quantity wins; otherwise
// the risk budget is divided by the dollar value of the stop distance.
func (m *Manager) Size(d domain.Decision, inst domain.Instrument) int {
	if d.Quantity > 0 {
		return d.Quantity
	}
	risk := d.RiskDollars
	if risk.IsZero() {
		risk = m.cfg.RiskDollars
		if m.cfg.StopThreshold.IsPositive() && m.cfg.ReducedRiskDollars.IsPositive() &&
			d.StopDistance.GreaterThan(m.cfg.StopThreshold) {
			risk = m.cfg.ReducedRiskDollars
		}
	}
	return ContractsForRisk(risk, d.StopDistance, inst.PointValue, m.cfg.MinContracts, m.cfg.MaxContracts)
}

// SubmitEntry sizes d, splits it into tiers and submits the entry order. The
// position enters the ledger only once the gateway assigns the entry; a
// gateway failure is logged and returned, never retried.
func (m *Manager) SubmitEntry(ctx context.Context, d domain.Decision) (string, error) {
	inst, err := m.Instrument(d.Symbol)
	if err != nil {
		return "", err
	}
	if d.Direction != domain.DirectionLong && d.Direction != domain.DirectionShort {
		return "", fmt.Errorf("bracket: direction %q: %w", d.Direction, domain.ErrInvalidOrder)
	}
	if !d.StopDistance.IsPositive() {
		return "", fmt.Errorf("bracket: stop distance %s: %w", d.StopDistance, domain.ErrInvalidOrder)
	}

	qty := m.Size(d, inst)
	if qty <= 0 {
		return "", fmt.Errorf("bracket: quantity %d: %w", qty, domain.ErrInvalidOrder)
	}
	split := SplitTiers(qty, m.cfg.T1Percent, m.cfg.T2Percent)
	if split.Adjusted {
		m.logger.WarnContext(ctx, "tier split adjusted",
			slog.Int("quantity", qty),
			slog.Int("t1", split.T1),
			slog.Int("t2", split.T2),
			slog.Int("t3", split.T3),
		)
	}

	entryType := d.EntryType
	if entryType == "" {
		entryType = domain.OrderTypeMarket
	}
	ref := d.EntryPrice
	if ref.IsZero() {
		if last, ok := m.prices.LastPrice(d.Symbol); ok {
			ref = last
		}
	}

	id := m.ledger.NewID(d.Direction)
	rec := &domain.PositionRecord{
		ID:                id,
		Account:           d.Account,
		Symbol:            d.Symbol,
		Direction:         d.Direction,
		TotalQuantity:     qty,
		T1Quantity:        split.T1,
		T2Quantity:        split.T2,
		T3Quantity:        split.T3,
		RemainingQuantity: qty,
		StopDistance:      d.StopDistance,
		Target1Distance:   d.Target1Distance,
		Target2Distance:   d.Target2Distance,
		AlternateEntry:    d.Alternate,
		CreatedAt:         m.now(),
	}
	if !ref.IsZero() {
		rec.EntryPrice = inst.RoundToTick(ref)
		rec.InitialStopPrice = inst.RoundToTick(d.Direction.Offset(rec.EntryPrice, d.StopDistance.Neg()))
		rec.CurrentStopPrice = rec.InitialStopPrice
		rec.Target1Price = inst.RoundToTick(d.Direction.Offset(rec.EntryPrice, d.Target1Distance))
		rec.Target2Price = inst.RoundToTick(d.Direction.Offset(rec.EntryPrice, d.Target2Distance))
	}

	req := domain.OrderRequest{
		Account:  d.Account,
		Symbol:   d.Symbol,
		Side:     d.Direction.EntrySide(),
		Type:     entryType,
		Quantity: qty,
		Tag:      m.ledger.Tag(id, domain.RoleEntry),
	}
	switch entryType {
	case domain.OrderTypeStopMarket:
		req.StopPrice = rec.EntryPrice
	case domain.OrderTypeLimit:
		req.LimitPrice = rec.EntryPrice
	}
	if entryType != domain.OrderTypeMarket && rec.EntryPrice.IsZero() {
		m.ledger.Remove(id)
		return "", fmt.Errorf("bracket: %s entry without price: %w", entryType, domain.ErrInvalidOrder)
	}

	h, err := m.gw.Submit(ctx, req)
	if err == nil && !h.Valid() {
		err = domain.ErrNoHandle
	}
	if err != nil {
		m.ledger.Remove(id)
		m.metrics.OrderFailed(string(domain.RoleEntry))
		m.logger.ErrorContext(ctx, "entry submission failed",
			slog.String("account", d.Account),
			slog.String("symbol", d.Symbol),
			slog.String("direction", string(d.Direction)),
			slog.Int("quantity", qty),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("bracket: submit entry: %w", err)
	}
	m.metrics.OrderSubmitted(string(domain.RoleEntry))

	if err := m.ledger.Add(rec); err != nil {
		return "", fmt.Errorf("bracket: %w", err)
	}
	rec.SetOrder(domain.RoleEntry, h.ID)
	m.ledger.Track(id, h.ID)
	m.metrics.SetOpenPositions(m.ledger.Len())

	m.logger.InfoContext(ctx, "entry submitted",
		slog.String("position_id", id),
		slog.String("account", d.Account),
		slog.String("symbol", d.Symbol),
		slog.String("direction", string(d.Direction)),
		slog.String("type", string(entryType)),
		slog.String("entry", rec.EntryPrice.String()),
		slog.Int("quantity", qty),
		slog.String("source", d.Source),
	)

	m.publish(ctx, domain.TradeSignal{
		Envelope:     domain.Envelope{PositionID: id},
		Account:      d.Account,
		Symbol:       d.Symbol,
		Direction:    d.Direction,
		EntryPrice:   rec.EntryPrice,
		StopPrice:    rec.InitialStopPrice,
		Target1Price: rec.Target1Price,
		Target2Price: rec.Target2Price,
		T1Quantity:   split.T1,
		T2Quantity:   split.T2,
		T3Quantity:   split.T3,
		Alternate:    d.Alternate,
	})
	return id, nil
}

// HandleOrderUpdate routes a gateway order callback to the lifecycle step
// for the order's role. Updates for unknown positions are ignored.
func (m *Manager) HandleOrderUpdate(ctx context.Context, u domain.OrderUpdate) error {
	counted, precounted := m.exits[u.OrderID]
	if u.State.Terminal() {
		delete(m.exits, u.OrderID)
	}

	pid, ok := m.ledger.OwnerOf(u.OrderID)
	if !ok {
		pid = ledger.PositionIDFromTag(u.Tag)
	}
	rec, ok := m.ledger.Get(pid)
	if !ok {
		if precounted && u.State != domain.OrderStateFilled && u.State.Terminal() {
			m.logger.ErrorContext(ctx, "market exit failed after position closed",
				slog.String("position_id", pid),
				slog.String("order_id", u.OrderID),
				slog.Int("quantity", counted),
				slog.String("state", string(u.State)),
			)
			m.alert(notifyUnprotected, "Manual intervention required",
				fmt.Sprintf("%s %s %s: market exit of %d %s", u.Account, u.Symbol, pid, counted, u.State))
		}
		return nil
	}
	role, ok := rec.RoleOf(u.OrderID)
	if !ok {
		if role, ok = ledger.RoleFromTag(u.Tag); !ok {
			return nil
		}
	}
	current := rec.Orders[role] == u.OrderID
	if u.State.Terminal() {
		m.ledger.Untrack(u.OrderID)
	}

	switch role {
	case domain.RoleEntry:
		switch u.State {
		case domain.OrderStateFilled:
			return m.OnEntryFilled(ctx, pid, u.FillPrice)
		case domain.OrderStateCancelled, domain.OrderStateRejected:
			if !rec.EntryFilled {
				m.logger.WarnContext(ctx, "entry ended unfilled",
					slog.String("position_id", pid),
					slog.String("state", string(u.State)),
					slog.String("code", u.ErrorCode),
				)
				return m.cleaner.Cleanup(ctx, pid, "entry "+string(u.State))
			}
		}
	case domain.RoleStop:
		switch u.State {
		case domain.OrderStateFilled:
			return m.OnStopFilled(ctx, pid)
		case domain.OrderStateRejected, domain.OrderStateCancelled:
			if current {
				return m.OnStopRejected(ctx, pid, u.OrderID, u.ErrorCode)
			}
		}
	case domain.RoleTarget1, domain.RoleTarget2:
		tier := domain.TierT1
		if role == domain.RoleTarget2 {
			tier = domain.TierT2
		}
		switch u.State {
		case domain.OrderStateFilled:
			return m.OnTierFilled(ctx, pid, tier, u.FilledQty)
		case domain.OrderStateRejected, domain.OrderStateCancelled:
			if current {
				rec.SetOrder(role, "")
				m.logger.WarnContext(ctx, "target order ended unfilled",
					slog.String("position_id", pid),
					slog.String("tier", string(tier)),
					slog.String("state", string(u.State)),
				)
			}
		}
	case domain.RoleExit, domain.RoleEmergency:
		if precounted {
			if !u.State.Terminal() {
				return nil
			}
			short := counted
			if u.State == domain.OrderStateFilled {
				short = 0
				if u.FilledQty > 0 && u.FilledQty < counted {
					short = counted - u.FilledQty
				}
			}
			if short > 0 {
				return m.restoreExit(ctx, rec, u, short)
			}
			return nil
		}
		if u.State == domain.OrderStateFilled {
			rec.Reduce(u.FilledQty)
			if rec.RemainingQuantity == 0 {
				return m.cleaner.Cleanup(ctx, pid, "exit filled")
			}
		}
	}
	return nil
}

// restoreExit puts back quantity a market tier exit failed to close and
// resizes the stop to cover it.
func (m *Manager) restoreExit(ctx context.Context, rec *domain.PositionRecord, u domain.OrderUpdate, qty int) error {
	rec.RemainingQuantity += qty
	m.logger.ErrorContext(ctx, "market exit did not close its quantity",
		slog.String("position_id", rec.ID),
		slog.String("order_id", u.OrderID),
		slog.String("state", string(u.State)),
		slog.Int("unfilled", qty),
		slog.Int("remaining", rec.RemainingQuantity),
	)
	return m.resubmitStop(ctx, rec, "market exit "+string(u.State))
}

// OnEntryFilled records the entry fill and places the bracket exactly once.
// Repeated fills for the same position are ignored.
func (m *Manager) OnEntryFilled(ctx context.Context, id string, fill decimal.Decimal) error {
	rec, ok := m.ledger.Get(id)
	if !ok {
		return fmt.Errorf("bracket: entry fill %s: %w", id, domain.ErrNotFound)
	}
	reanchor := rec.AlternateEntry || rec.EntryPrice.IsZero()
	if !rec.MarkEntryFilled(fill, reanchor) {
		return nil
	}
	if reanchor {
		if inst, err := m.Instrument(rec.Symbol); err == nil {
			rec.InitialStopPrice = inst.RoundToTick(rec.InitialStopPrice)
			rec.CurrentStopPrice = rec.InitialStopPrice
			rec.Target1Price = inst.RoundToTick(rec.Target1Price)
			rec.Target2Price = inst.RoundToTick(rec.Target2Price)
		}
	}
	rec.SetOrder(domain.RoleEntry, "")

	m.logger.InfoContext(ctx, "entry filled",
		slog.String("position_id", id),
		slog.String("fill", fill.String()),
		slog.Int("quantity", rec.TotalQuantity),
	)
	return m.submitBracket(ctx, rec)
}

func (m *Manager) submitBracket(ctx context.Context, rec *domain.PositionRecord) error {
	if rec.BracketSubmitted {
		return nil
	}
	rec.BracketSubmitted = true

	if stop, adjusted := m.validateStop(rec, rec.CurrentStopPrice); adjusted {
		m.logger.WarnContext(ctx, "initial stop through market, adjusted",
			slog.String("position_id", rec.ID),
			slog.String("planned", rec.CurrentStopPrice.String()),
			slog.String("adjusted", stop.String()),
		)
		rec.InitialStopPrice = stop
		rec.CurrentStopPrice = stop
	}
	if err := m.placeStop(ctx, rec, rec.CurrentStopPrice); err != nil {
		return err
	}

	for _, t := range []struct {
		role  domain.OrderRole
		qty   int
		price decimal.Decimal
	}{
		{domain.RoleTarget1, rec.T1Quantity, rec.Target1Price},
		{domain.RoleTarget2, rec.T2Quantity, rec.Target2Price},
	} {
		if t.qty <= 0 {
			continue
		}
		h, err := m.submit(ctx, rec, t.role, domain.OrderRequest{
			Side:       rec.Direction.ExitSide(),
			Type:       domain.OrderTypeLimit,
			Quantity:   t.qty,
			LimitPrice: t.price,
		})
		if err != nil {
			// The stop still protects the whole quantity.
			continue
		}
		rec.SetOrder(t.role, h.ID)
	}

	m.logger.InfoContext(ctx, "bracket submitted",
		slog.String("position_id", rec.ID),
		slog.String("stop", rec.CurrentStopPrice.String()),
		slog.String("target1", rec.Target1Price.String()),
		slog.String("target2", rec.Target2Price.String()),
		slog.Int("t1", rec.T1Quantity),
		slog.Int("t2", rec.T2Quantity),
		slog.Int("t3", rec.T3Quantity),
	)
	return nil
}

// OnTierFilled marks a target tier filled, reduces the remaining quantity by
// fillQty and replaces the stop at the new size. A fillQty of zero means the
// whole tier. The last fill closes the position.
func (m *Manager) OnTierFilled(ctx context.Context, id string, tier domain.Tier, fillQty int) error {
	rec, ok := m.ledger.Get(id)
	if !ok {
		return fmt.Errorf("bracket: tier fill %s: %w", id, domain.ErrNotFound)
	}
	qty, ok := rec.FillTier(tier, fillQty)
	if !ok {
		return nil
	}
	if role, ok := tier.Role(); ok {
		rec.SetOrder(role, "")
	}
	m.logger.InfoContext(ctx, "target filled",
		slog.String("position_id", id),
		slog.String("tier", string(tier)),
		slog.Int("quantity", qty),
		slog.Int("remaining", rec.RemainingQuantity),
	)
	if rec.RemainingQuantity == 0 {
		return m.cleaner.Cleanup(ctx, id, "targets filled")
	}
	return m.resubmitStop(ctx, rec, "tier "+string(tier)+" filled")
}

// OnStopFilled closes the position and cleans up every order it owns.
func (m *Manager) OnStopFilled(ctx context.Context, id string) error {
	rec, ok := m.ledger.Get(id)
	if !ok {
		return nil
	}
	rec.Reduce(rec.RemainingQuantity)
	m.logger.InfoContext(ctx, "stop filled",
		slog.String("position_id", id),
		slog.String("stop", rec.CurrentStopPrice.String()),
		slog.String("level", rec.TrailLevel.String()),
	)
	return m.cleaner.Cleanup(ctx, id, "stop filled")
}

// OnStopRejected resubmits a rejected or externally cancelled stop with a
// price validated against the market. If that fails the position is
// flattened.
func (m *Manager) OnStopRejected(ctx context.Context, id, orderID, code string) error {
	rec, ok := m.ledger.Get(id)
	if !ok {
		return nil
	}
	if cur, _ := rec.OrderFor(domain.RoleStop); cur != orderID {
		return nil
	}
	rec.SetOrder(domain.RoleStop, "")
	rec.StopRejections++
	if rec.StopRejections > maxStopResubmits {
		return m.emergencyFlatten(ctx, rec, "stop rejected "+code)
	}
	m.logger.WarnContext(ctx, "stop order rejected, resubmitting",
		slog.String("position_id", id),
		slog.String("order_id", orderID),
		slog.String("code", code),
		slog.String("stop", rec.CurrentStopPrice.String()),
	)
	return m.placeStop(ctx, rec, rec.CurrentStopPrice)
}

// ReplaceStop moves the protective stop to stop and records level, cancel
// then submit. It is a no-op unless the stop tightens and the level does not
// fall. The record's stop and level change together, only after the new
// order is accepted.
func (m *Manager) ReplaceStop(ctx context.Context, id string, stop decimal.Decimal, level domain.TrailLevel) (bool, error) {
	rec, ok := m.ledger.Get(id)
	if !ok {
		return false, fmt.Errorf("bracket: replace stop %s: %w", id, domain.ErrNotFound)
	}
	if !rec.EntryFilled || rec.RemainingQuantity <= 0 {
		return false, nil
	}
	if inst, err := m.Instrument(rec.Symbol); err == nil {
		stop = inst.RoundToTick(stop)
	}
	if level < rec.TrailLevel || !rec.Direction.Tightens(stop, rec.CurrentStopPrice) {
		return false, nil
	}
	if last, ok := m.prices.LastPrice(rec.Symbol); ok && !rec.Direction.Better(last, stop) {
		m.logger.DebugContext(ctx, "replacement stop through market, skipped",
			slog.String("position_id", id),
			slog.String("stop", stop.String()),
			slog.String("last", last.String()),
		)
		return false, nil
	}

	if err := m.retireStop(ctx, rec); err != nil {
		return false, err
	}
	h, err := m.submit(ctx, rec, domain.RoleStop, domain.OrderRequest{
		Side:      rec.Direction.ExitSide(),
		Type:      domain.OrderTypeStopMarket,
		Quantity:  rec.RemainingQuantity,
		StopPrice: stop,
	})
	if err != nil {
		return false, m.emergencyFlatten(ctx, rec, "stop replacement failed")
	}
	rec.SetOrder(domain.RoleStop, h.ID)
	rec.WorkingStopPrice = stop

	prev := rec.TrailLevel
	rec.AdvanceStop(stop, level)
	if level != prev {
		m.metrics.TrailTransition(level.String())
	}
	m.logger.InfoContext(ctx, "stop replaced",
		slog.String("position_id", id),
		slog.String("stop", stop.String()),
		slog.String("level", level.String()),
	)
	m.publish(ctx, domain.TrailUpdateSignal{
		Envelope: domain.Envelope{PositionID: id},
		Symbol:   rec.Symbol,
		NewStop:  stop,
		Level:    level,
	})
	return true, nil
}

// ApplyTargetAction performs a manual target intervention on one position,
// or on every filled position when the signal carries no id.
func (m *Manager) ApplyTargetAction(ctx context.Context, sig domain.TargetActionSignal) error {
	var recs []*domain.PositionRecord
	if sig.PositionID != "" {
		rec, ok := m.ledger.Get(sig.PositionID)
		if !ok {
			return fmt.Errorf("bracket: target action %s: %w", sig.PositionID, domain.ErrNotFound)
		}
		recs = append(recs, rec)
	} else {
		recs = m.ledger.All()
	}

	var errs []error
	for _, rec := range recs {
		if !rec.EntryFilled {
			continue
		}
		if err := m.applyTarget(ctx, rec, sig.Target, sig.Action); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyTarget(ctx context.Context, rec *domain.PositionRecord, tier domain.Tier, action domain.TargetAction) error {
	switch action {
	case domain.ActionFillAtMarket:
		return m.exitTier(ctx, rec, tier)
	case domain.ActionMoveToBreakeven:
		inst, err := m.Instrument(rec.Symbol)
		if err != nil {
			return err
		}
		stop := rec.Direction.Offset(rec.EntryPrice, inst.Ticks(m.cfg.BreakevenOffsetTicks))
		_, err = m.ReplaceStop(ctx, rec.ID, stop, maxLevel(rec.TrailLevel, domain.TrailBreakeven))
		return err
	case domain.ActionMoveStopToEntry:
		_, err := m.ReplaceStop(ctx, rec.ID, rec.EntryPrice, maxLevel(rec.TrailLevel, domain.TrailBreakeven))
		return err
	case domain.ActionCancelTarget:
		role, ok := tier.Role()
		if !ok {
			return nil
		}
		oid, ok := rec.OrderFor(role)
		if !ok {
			return nil
		}
		if err := m.cancel(ctx, rec, oid); err != nil {
			return err
		}
		rec.SetOrder(role, "")
		m.logger.InfoContext(ctx, "target cancelled",
			slog.String("position_id", rec.ID),
			slog.String("tier", string(tier)),
		)
		return nil
	}
	return fmt.Errorf("bracket: target action %q: %w", action, domain.ErrUnknownAction)
}

// exitTier closes one tier at market and shrinks the stop to what is left.
func (m *Manager) exitTier(ctx context.Context, rec *domain.PositionRecord, tier domain.Tier) error {
	var qty int
	switch tier {
	case domain.TierT1:
		if rec.T1Filled {
			return nil
		}
		qty = rec.T1Quantity
	case domain.TierT2:
		if rec.T2Filled {
			return nil
		}
		qty = rec.T2Quantity
	case domain.TierRunner:
		if rec.RunnerExited {
			return nil
		}
		qty = rec.T3Quantity
	default:
		return fmt.Errorf("bracket: tier %q: %w", tier, domain.ErrInvalidOrder)
	}
	if qty > rec.RemainingQuantity {
		qty = rec.RemainingQuantity
	}
	if qty <= 0 {
		return nil
	}

	if role, ok := tier.Role(); ok {
		if oid, ok := rec.OrderFor(role); ok {
			live, err := m.cancelLive(ctx, rec, oid)
			if err != nil {
				return err
			}
			if !live {
				// Filled or cancelled at the gateway; its own update settles the tier.
				m.logger.InfoContext(ctx, "target no longer working, market exit skipped",
					slog.String("position_id", rec.ID),
					slog.String("tier", string(tier)),
					slog.String("order_id", oid),
				)
				return nil
			}
			rec.SetOrder(role, "")
		}
	}

	if qty == rec.RemainingQuantity {
		// Nothing would remain for a stop: cancel the rest and exit once.
		return m.cleaner.Flatten(ctx, rec.ID, "all tiers exited")
	}

	h, err := m.submit(ctx, rec, domain.RoleExit, domain.OrderRequest{
		Side:     rec.Direction.ExitSide(),
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		return err
	}
	m.exits[h.ID] = qty
	if tier == domain.TierRunner {
		rec.RunnerExited = true
		rec.Reduce(qty)
	} else {
		rec.FillTier(tier, qty)
	}
	m.logger.InfoContext(ctx, "tier exited at market",
		slog.String("position_id", rec.ID),
		slog.String("tier", string(tier)),
		slog.Int("quantity", qty),
		slog.Int("remaining", rec.RemainingQuantity),
	)
	return m.resubmitStop(ctx, rec, "tier "+string(tier)+" exited")
}

// Flatten exits one position at market and removes it.
func (m *Manager) Flatten(ctx context.Context, id, reason string) error {
	return m.cleaner.Flatten(ctx, id, reason)
}

// resubmitStop replaces the stop at the current price for the remaining
// quantity.
func (m *Manager) resubmitStop(ctx context.Context, rec *domain.PositionRecord, reason string) error {
	if err := m.retireStop(ctx, rec); err != nil {
		m.logger.ErrorContext(ctx, "stop resize aborted, old stop still working",
			slog.String("position_id", rec.ID),
			slog.String("reason", reason),
			slog.Int("remaining", rec.RemainingQuantity),
			slog.String("error", err.Error()),
		)
		m.alert(notifyUnprotected, "Stop larger than position",
			fmt.Sprintf("%s %s %s: %s; old stop could not be cancelled and no longer matches %d remaining: %v",
				rec.Account, rec.Symbol, rec.ID, reason, rec.RemainingQuantity, err))
		return err
	}
	return m.placeStop(ctx, rec, rec.CurrentStopPrice)
}

// placeStop submits a stop for the remaining quantity. A stop that would sit
// through the market is moved clear of it. No handle means the position is
// unprotected and gets flattened.
func (m *Manager) placeStop(ctx context.Context, rec *domain.PositionRecord, price decimal.Decimal) error {
	price, adjusted := m.validateStop(rec, price)
	h, err := m.submit(ctx, rec, domain.RoleStop, domain.OrderRequest{
		Side:      rec.Direction.ExitSide(),
		Type:      domain.OrderTypeStopMarket,
		Quantity:  rec.RemainingQuantity,
		StopPrice: price,
	})
	if err != nil {
		return m.emergencyFlatten(ctx, rec, "stop submission failed")
	}
	rec.SetOrder(domain.RoleStop, h.ID)
	rec.WorkingStopPrice = price
	if adjusted {
		m.logger.WarnContext(ctx, "stop placed clear of market",
			slog.String("position_id", rec.ID),
			slog.String("stop", price.String()),
			slog.String("intended", rec.CurrentStopPrice.String()),
		)
	}
	return nil
}

// retireStop cancels the working stop. An order the gateway no longer knows
// counts as retired; a fill that raced the cancel arrives as its own update.
func (m *Manager) retireStop(ctx context.Context, rec *domain.PositionRecord) error {
	oid, ok := rec.OrderFor(domain.RoleStop)
	if !ok {
		return nil
	}
	if err := m.cancel(ctx, rec, oid); err != nil {
		return err
	}
	rec.SetOrder(domain.RoleStop, "")
	return nil
}

func (m *Manager) cancel(ctx context.Context, rec *domain.PositionRecord, orderID string) error {
	_, err := m.cancelLive(ctx, rec, orderID)
	return err
}

// cancelLive cancels orderID and reports whether it was still working. An
// order the gateway no longer knows is not an error.
func (m *Manager) cancelLive(ctx context.Context, rec *domain.PositionRecord, orderID string) (bool, error) {
	err := m.gw.Cancel(ctx, rec.Account, orderID)
	switch {
	case err == nil:
		m.metrics.OrderCancelled()
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	}
	m.logger.WarnContext(ctx, "cancel failed",
		slog.String("position_id", rec.ID),
		slog.String("order_id", orderID),
		slog.String("error", err.Error()),
	)
	return false, fmt.Errorf("bracket: cancel %s: %w", orderID, err)
}

// emergencyFlatten is the fallback for a position left without a stop.
func (m *Manager) emergencyFlatten(ctx context.Context, rec *domain.PositionRecord, reason string) error {
	id := rec.ID
	m.logger.ErrorContext(ctx, "position unprotected, flattening at market",
		slog.String("position_id", id),
		slog.String("reason", reason),
		slog.Int("remaining", rec.RemainingQuantity),
	)
	if err := m.cleaner.Flatten(ctx, id, "emergency: "+reason); err != nil {
		m.metrics.EmergencyFlatten(false)
		m.logger.ErrorContext(ctx, "emergency flatten failed, manual intervention required",
			slog.String("position_id", id),
			slog.String("account", rec.Account),
			slog.String("symbol", rec.Symbol),
			slog.String("error", err.Error()),
		)
		m.alert(notifyUnprotected, "Manual intervention required",
			fmt.Sprintf("%s %s %s: %s; flatten failed: %v", rec.Account, rec.Symbol, id, reason, err))
		return fmt.Errorf("bracket: %s: %w", id, domain.ErrPositionUnprotected)
	}
	m.metrics.EmergencyFlatten(true)
	m.alert(notifyEmergency, "Position flattened",
		fmt.Sprintf("%s %s %s: %s", rec.Account, rec.Symbol, id, reason))
	return nil
}

// submit places a child order tagged to rec and indexes it.
func (m *Manager) submit(ctx context.Context, rec *domain.PositionRecord, role domain.OrderRole, req domain.OrderRequest) (domain.OrderHandle, error) {
	req.Account = rec.Account
	req.Symbol = rec.Symbol
	req.Tag = m.ledger.Tag(rec.ID, role)

	h, err := m.gw.Submit(ctx, req)
	if err == nil && !h.Valid() {
		err = domain.ErrNoHandle
	}
	if err != nil {
		m.metrics.OrderFailed(string(role))
		m.logger.ErrorContext(ctx, "order submission failed",
			slog.String("position_id", rec.ID),
			slog.String("role", string(role)),
			slog.Int("quantity", req.Quantity),
			slog.String("error", err.Error()),
		)
		return domain.OrderHandle{}, fmt.Errorf("bracket: submit %s %s: %w", rec.ID, role, err)
	}
	m.metrics.OrderSubmitted(string(role))
	m.ledger.Track(rec.ID, h.ID)
	return h, nil
}

// validateStop snaps price to the tick grid and, when it sits through the
// last price, moves it StopValidationTicks clear of the market.
func (m *Manager) validateStop(rec *domain.PositionRecord, price decimal.Decimal) (decimal.Decimal, bool) {
	inst, err := m.Instrument(rec.Symbol)
	if err != nil {
		return price, false
	}
	price = inst.RoundToTick(price)
	last, ok := m.prices.LastPrice(rec.Symbol)
	if !ok || last.IsZero() {
		return price, false
	}
	if rec.Direction.Better(last, price) {
		return price, false
	}
	return inst.RoundToTick(rec.Direction.Offset(last, inst.Ticks(m.cfg.StopValidationTicks).Neg())), true
}

func (m *Manager) publish(ctx context.Context, sig domain.Signal) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(sig); err != nil {
		m.logger.WarnContext(ctx, "signal publish failed",
			slog.String("kind", string(sig.Kind())),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) alert(event, title, message string) {
	if m.alerts != nil {
		m.alerts.Alert(event, title, message)
	}
}

func maxLevel(a, b domain.TrailLevel) domain.TrailLevel {
	if a > b {
		return a
	}
	return b
}
