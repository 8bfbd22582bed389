// Package strategy turns operator intents into opening-range decisions:
// entry price and type, stop distance from volatility, and target distances
// from the opening range.
package strategy

import (
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

// Mode selects how the entry is placed.
type Mode string

const (
	// ModeBreakout rests a stop-market order beyond the opening range.
	ModeBreakout Mode = "breakout"
	// ModeMarket enters immediately at market; distances are re-anchored to
	// the actual fill.
	ModeMarket Mode = "market"
)

// Config holds the opening-range parameters. Distances are in points.
type Config struct {
	EntryOffsetTicks  int
	StopATRMultiplier decimal.Decimal
	MinStop           decimal.Decimal
	MaxStop           decimal.Decimal
	// DefaultATR is used until enough bars exist to measure one.
	DefaultATR        decimal.Decimal
	T1Points          decimal.Decimal
	T2RangeMultiplier decimal.Decimal
}

// InstrumentSource resolves contract constants.
type InstrumentSource interface {
	Instrument(symbol string) (domain.Instrument, error)
}

// Request is one operator intent.
type Request struct {
	Account   string
	Symbol    string
	Direction domain.Direction
	Mode      Mode
	Quantity  int
	Source    string
}

// Builder derives Decisions from the tracked market state.
type Builder struct {
	cfg         Config
	tracker     *Tracker
	instruments InstrumentSource
	logger      *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config, tracker *Tracker, instruments InstrumentSource, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:         cfg,
		tracker:     tracker,
		instruments: instruments,
		logger:      logger.With(slog.String("component", "or_builder")),
	}
}

// Build turns req into a Decision. A breakout whose trigger is already
// through the market becomes a market entry.
func (b *Builder) Build(req Request) (domain.Decision, error) {
	inst, err := b.instruments.Instrument(req.Symbol)
	if err != nil {
		return domain.Decision{}, err
	}
	if req.Direction != domain.DirectionLong && req.Direction != domain.DirectionShort {
		return domain.Decision{}, fmt.Errorf("strategy: direction %q: %w", req.Direction, domain.ErrInvalidOrder)
	}
	last, haveLast := b.tracker.LastPrice(req.Symbol)
	tel, _ := b.tracker.Telemetry(req.Symbol)

	d := domain.Decision{
		Account:   req.Account,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Quantity:  req.Quantity,
		Source:    req.Source,
	}

	switch req.Mode {
	case ModeBreakout:
		if tel.Range().IsZero() {
			return domain.Decision{}, fmt.Errorf("strategy: %s has no opening range: %w", req.Symbol, domain.ErrNoMarket)
		}
		level := tel.ORHigh
		if req.Direction == domain.DirectionShort {
			level = tel.ORLow
		}
		trigger := inst.RoundToTick(req.Direction.Offset(level, inst.Ticks(b.cfg.EntryOffsetTicks)))
		if haveLast && !req.Direction.Better(trigger, last) {
			b.logger.Info("breakout already triggered, entering at market",
				slog.String("symbol", req.Symbol),
				slog.String("trigger", trigger.String()),
				slog.String("last", last.String()),
			)
			d.EntryType = domain.OrderTypeMarket
			d.EntryPrice = last
			d.Alternate = true
			break
		}
		d.EntryType = domain.OrderTypeStopMarket
		d.EntryPrice = trigger

	case ModeMarket, "":
		if !haveLast {
			return domain.Decision{}, fmt.Errorf("strategy: %s: %w", req.Symbol, domain.ErrNoMarket)
		}
		d.EntryType = domain.OrderTypeMarket
		d.EntryPrice = last
		d.Alternate = true

	default:
		return domain.Decision{}, fmt.Errorf("strategy: mode %q: %w", req.Mode, domain.ErrInvalidOrder)
	}

	d.StopDistance = b.StopDistance(req.Symbol, inst)
	d.Target1Distance = b.cfg.T1Points
	d.Target2Distance = b.target2(tel)
	return d, nil
}

// StopDistance is ATR times the multiplier, clamped to [MinStop, MaxStop]
// and rounded to the tick.
func (b *Builder) StopDistance(symbol string, inst domain.Instrument) decimal.Decimal {
	atr, ok := b.tracker.ATR(symbol)
	if !ok {
		atr = b.cfg.DefaultATR
	}
	dist := atr.Mul(b.cfg.StopATRMultiplier)
	if b.cfg.MinStop.IsPositive() && dist.LessThan(b.cfg.MinStop) {
		dist = b.cfg.MinStop
	}
	if b.cfg.MaxStop.IsPositive() && dist.GreaterThan(b.cfg.MaxStop) {
		dist = b.cfg.MaxStop
	}
	dist = inst.RoundToTick(dist)
	if !dist.IsPositive() {
		dist = inst.TickSize
	}
	return dist
}

// target2 scales the opening range; without one it doubles T1. It never
// sits inside T1.
func (b *Builder) target2(tel domain.Telemetry) decimal.Decimal {
	t2 := tel.Range().Mul(b.cfg.T2RangeMultiplier)
	if t2.IsZero() {
		t2 = b.cfg.T1Points.Mul(decimal.NewFromInt(2))
	}
	return decimal.Max(t2, b.cfg.T1Points)
}
