package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

// bar is one fixed-interval OHLC bucket built from ticks.
type bar struct {
	start           time.Time
	high, low, last decimal.Decimal
}

// Tracker keeps the latest telemetry and price per instrument and builds
// fixed-interval bars from ticks to estimate the average true range. It is
// safe for concurrent use: the tick driver writes, status handlers read.
type Tracker struct {
	mu        sync.RWMutex
	telemetry map[string]domain.Telemetry
	last      map[string]domain.Tick
	bars      map[string][]bar
	interval  time.Duration
	period    int
}

// NewTracker creates a Tracker using bars of interval and an ATR over
// period completed bars.
func NewTracker(interval time.Duration, period int) *Tracker {
	if interval <= 0 {
		interval = time.Minute
	}
	if period <= 0 {
		period = 14
	}
	return &Tracker{
		telemetry: make(map[string]domain.Telemetry),
		last:      make(map[string]domain.Tick),
		bars:      make(map[string][]bar),
		interval:  interval,
		period:    period,
	}
}

// UpdateTelemetry stores a DATA report and tracks its last price.
func (t *Tracker) UpdateTelemetry(tel domain.Telemetry) {
	if tel.Updated.IsZero() {
		tel.Updated = time.Now().UTC()
	}
	t.mu.Lock()
	t.telemetry[tel.Symbol] = tel
	t.mu.Unlock()
	if tel.Last.IsPositive() {
		t.Track(domain.Tick{Symbol: tel.Symbol, Price: tel.Last, Time: tel.Updated})
	}
}

// Track records a price observation.
func (t *Tracker) Track(tick domain.Tick) {
	if tick.Time.IsZero() {
		tick.Time = time.Now().UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last[tick.Symbol] = tick
	start := tick.Time.Truncate(t.interval)
	series := t.bars[tick.Symbol]
	if n := len(series); n > 0 && series[n-1].start.Equal(start) {
		b := &series[n-1]
		if tick.Price.GreaterThan(b.high) {
			b.high = tick.Price
		}
		if tick.Price.LessThan(b.low) {
			b.low = tick.Price
		}
		b.last = tick.Price
		return
	}
	series = append(series, bar{start: start, high: tick.Price, low: tick.Price, last: tick.Price})
	// One extra bar supplies the previous close for the oldest true range,
	// and one more is the bar still forming.
	if keep := t.period + 2; len(series) > keep {
		series = series[len(series)-keep:]
	}
	t.bars[tick.Symbol] = series
}

// LastPrice returns the most recent price seen for symbol.
func (t *Tracker) LastPrice(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tick, ok := t.last[symbol]
	return tick.Price, ok
}

// Telemetry returns the latest DATA report for symbol.
func (t *Tracker) Telemetry(symbol string) (domain.Telemetry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tel, ok := t.telemetry[symbol]
	return tel, ok
}

// AllTelemetry returns every instrument's latest report ordered by symbol.
func (t *Tracker) AllTelemetry() []domain.Telemetry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Telemetry, 0, len(t.telemetry))
	for _, tel := range t.telemetry {
		out = append(out, tel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ATR is the mean true range of the last period completed bars. The bar
// still forming is ignored.
func (t *Tracker) ATR(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	series := t.bars[symbol]
	if len(series) == 0 {
		return decimal.Zero, false
	}
	done := series[:len(series)-1]
	if len(done) < t.period {
		return decimal.Zero, false
	}
	var sum decimal.Decimal
	for i := len(done) - t.period; i < len(done); i++ {
		tr := done[i].high.Sub(done[i].low)
		if i > 0 {
			prev := done[i-1].last
			tr = decimal.Max(tr, done[i].high.Sub(prev).Abs(), done[i].low.Sub(prev).Abs())
		}
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(t.period))), true
}
