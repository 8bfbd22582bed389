// Package trailing implements the trailing-stop state machine. Protection
// moves forward through Initial, Breakeven, Trail1, Trail2 and Trail3 as the
// best price since entry improves, and never back.
package trailing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ledger"
	"github.com/shopspring/decimal"
)

// Config holds trigger profits and trailing distances, all in points.
// A zero trigger disables its level.
type Config struct {
	BreakevenTrigger     decimal.Decimal
	BreakevenOffsetTicks int

	Trail1Trigger  decimal.Decimal
	Trail1Distance decimal.Decimal
	Trail2Trigger  decimal.Decimal
	Trail2Distance decimal.Decimal
	Trail3Trigger  decimal.Decimal
	Trail3Distance decimal.Decimal

	// ManualBreakevenTicks is the buffer beyond entry used once breakeven
	// has been armed by hand.
	ManualBreakevenTicks int
}

// Defaults mirrors the stock opening-range settings.
func Defaults() Config {
	return Config{
		BreakevenTrigger:     decimal.NewFromInt(2),
		BreakevenOffsetTicks: 1,
		Trail1Trigger:        decimal.NewFromInt(3),
		Trail1Distance:       decimal.NewFromInt(2),
		Trail2Trigger:        decimal.NewFromInt(4),
		Trail2Distance:       decimal.NewFromFloat(1.5),
		Trail3Trigger:        decimal.NewFromInt(5),
		Trail3Distance:       decimal.NewFromInt(1),
		ManualBreakevenTicks: 1,
	}
}

// StopReplacer applies a stop change through the bracket manager.
type StopReplacer interface {
	Instrument(symbol string) (domain.Instrument, error)
	ReplaceStop(ctx context.Context, id string, stop decimal.Decimal, level domain.TrailLevel) (bool, error)
}

// Proposal is a stop the machine wants to move to.
type Proposal struct {
	Stop  decimal.Decimal
	Level domain.TrailLevel
	// Manual is set when an armed manual breakeven fired on this price.
	Manual bool
}

// Machine evaluates trailing rules for every open position on each price.
type Machine struct {
	cfg    Config
	ledger *ledger.Ledger
	stops  StopReplacer
	logger *slog.Logger
}

// New creates a Machine.
func New(cfg Config, l *ledger.Ledger, stops StopReplacer, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:    cfg,
		ledger: l,
		stops:  stops,
		logger: logger.With(slog.String("component", "trailing")),
	}
}

// OnPrice runs the state machine for every entry-filled, bracketed position
// in tick's instrument. A failure in one position is logged and does not
// stop the others.
func (m *Machine) OnPrice(ctx context.Context, tick domain.Tick) {
	for _, rec := range m.ledger.Filter("", tick.Symbol) {
		m.evaluate(ctx, rec, tick.Price)
	}
}

func (m *Machine) evaluate(ctx context.Context, rec *domain.PositionRecord, price decimal.Decimal) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "trailing evaluation panicked",
				slog.String("position_id", rec.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if !rec.EntryFilled || !rec.BracketSubmitted || rec.RemainingQuantity <= 0 {
		return
	}
	rec.ObservePrice(price)

	inst, err := m.stops.Instrument(rec.Symbol)
	if err != nil {
		m.logger.WarnContext(ctx, "no instrument for position",
			slog.String("position_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	p, ok := m.Next(rec, inst, price)
	if !ok {
		return
	}

	from := rec.TrailLevel
	replaced, err := m.stops.ReplaceStop(ctx, rec.ID, p.Stop, p.Level)
	if err != nil {
		m.logger.WarnContext(ctx, "stop replacement failed",
			slog.String("position_id", rec.ID),
			slog.String("stop", p.Stop.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !replaced {
		return
	}
	if p.Manual {
		rec.BreakevenTriggered = true
	}
	if p.Level != from {
		m.logger.InfoContext(ctx, "trail level advanced",
			slog.String("position_id", rec.ID),
			slog.String("from", from.String()),
			slog.String("to", p.Level.String()),
			slog.String("stop", p.Stop.String()),
			slog.String("profit", rec.Profit().String()),
			slog.Bool("manual", p.Manual),
		)
	}
}

// Next computes the stop rec should move to at price. It has no side
// effects. Rules are tried highest tier first; the first whose conditions
// hold decides, and it only fires if its stop tightens the current one.
func (m *Machine) Next(rec *domain.PositionRecord, inst domain.Instrument, price decimal.Decimal) (Proposal, bool) {
	manual, manualOK := m.manual(rec, inst, price)
	auto, autoOK := m.auto(rec, inst)

	switch {
	case manualOK && autoOK:
		level := maxLevel(manual.Level, auto.Level)
		if rec.Direction.Tightens(manual.Stop, auto.Stop) {
			manual.Level = level
			return manual, true
		}
		auto.Manual = true
		return auto, true
	case manualOK:
		return manual, true
	case autoOK:
		return auto, true
	}
	return Proposal{}, false
}

func (m *Machine) manual(rec *domain.PositionRecord, inst domain.Instrument, price decimal.Decimal) (Proposal, bool) {
	if !rec.BreakevenArmed || rec.BreakevenTriggered {
		return Proposal{}, false
	}
	threshold := rec.Direction.Offset(rec.EntryPrice, inst.Ticks(m.cfg.ManualBreakevenTicks))
	if rec.Direction.Better(threshold, price) {
		return Proposal{}, false
	}
	stop := inst.RoundToTick(threshold)
	if !rec.Direction.Tightens(stop, rec.CurrentStopPrice) {
		return Proposal{}, false
	}
	return Proposal{Stop: stop, Level: maxLevel(rec.TrailLevel, domain.TrailBreakeven), Manual: true}, true
}

func (m *Machine) auto(rec *domain.PositionRecord, inst domain.Instrument) (Proposal, bool) {
	profit := rec.Profit()
	reached := func(trigger decimal.Decimal) bool {
		return trigger.IsPositive() && profit.GreaterThanOrEqual(trigger)
	}
	trail := func(dist decimal.Decimal) decimal.Decimal {
		return rec.Direction.Offset(rec.ExtremePrice, dist.Neg())
	}

	var p Proposal
	switch {
	case reached(m.cfg.Trail3Trigger) && rec.T1Filled && rec.T2Filled:
		p = Proposal{Stop: trail(m.cfg.Trail3Distance), Level: domain.Trail3}
	case reached(m.cfg.Trail2Trigger) && rec.T1Filled && rec.TrailLevel < domain.Trail2:
		p = Proposal{Stop: trail(m.cfg.Trail2Distance), Level: domain.Trail2}
	case reached(m.cfg.Trail1Trigger) && rec.TrailLevel < domain.Trail1:
		p = Proposal{Stop: trail(m.cfg.Trail1Distance), Level: domain.Trail1}
	case reached(m.cfg.BreakevenTrigger) && rec.TrailLevel < domain.TrailBreakeven:
		p = Proposal{
			Stop:  rec.Direction.Offset(rec.EntryPrice, inst.Ticks(m.cfg.BreakevenOffsetTicks)),
			Level: domain.TrailBreakeven,
		}
	default:
		return Proposal{}, false
	}

	p.Stop = inst.RoundToTick(p.Stop)
	if !rec.Direction.Tightens(p.Stop, rec.CurrentStopPrice) {
		return Proposal{}, false
	}
	p.Level = maxLevel(rec.TrailLevel, p.Level)
	return p, true
}

// Arm enables manual breakeven on one position, or on every position in
// symbol (all symbols when empty) when id is empty. Positions whose manual
// breakeven already fired are left alone. It returns how many were armed.
func (m *Machine) Arm(id, symbol string) int {
	var recs []*domain.PositionRecord
	if id != "" {
		if rec, ok := m.ledger.Get(id); ok {
			recs = append(recs, rec)
		}
	} else {
		recs = m.ledger.Filter("", symbol)
	}

	n := 0
	for _, rec := range recs {
		if rec.BreakevenTriggered || rec.BreakevenArmed {
			continue
		}
		rec.BreakevenArmed = true
		n++
		m.logger.Info("manual breakeven armed",
			slog.String("position_id", rec.ID),
			slog.String("entry", rec.EntryPrice.String()),
		)
	}
	return n
}

// HandleBreakeven is a bus handler for breakeven signals.
func (m *Machine) HandleBreakeven(sig domain.Signal) error {
	be, ok := sig.(domain.BreakevenSignal)
	if !ok {
		return fmt.Errorf("trailing: unexpected signal %T", sig)
	}
	m.Arm(be.PositionID, be.Symbol)
	return nil
}

func maxLevel(a, b domain.TrailLevel) domain.TrailLevel {
	if a > b {
		return a
	}
	return b
}
