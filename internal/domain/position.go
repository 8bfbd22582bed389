package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// EntrySide is the order side that opens exposure in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide is the order side that reduces exposure in this direction.
func (d Direction) ExitSide() OrderSide {
	return d.EntrySide().Opposite()
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() int {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Label is the capitalised form used in position ids and logs.
func (d Direction) Label() string {
	if d == DirectionShort {
		return "Short"
	}
	return "Long"
}

// Offset moves price by dist in the favourable direction (negative dist moves
// against the trade).
func (d Direction) Offset(price, dist decimal.Decimal) decimal.Decimal {
	if d == DirectionShort {
		return price.Sub(dist)
	}
	return price.Add(dist)
}

// Better reports whether a is strictly more favourable than b.
func (d Direction) Better(a, b decimal.Decimal) bool {
	if d == DirectionShort {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// Tightens reports whether moving a protective stop from cur to next reduces
// risk. For a long that means raising it, for a short lowering it.
func (d Direction) Tightens(next, cur decimal.Decimal) bool {
	return d.Better(next, cur)
}

// Excursion is the favourable distance from entry to price; negative when the
// trade is under water.
func (d Direction) Excursion(entry, price decimal.Decimal) decimal.Decimal {
	if d == DirectionShort {
		return entry.Sub(price)
	}
	return price.Sub(entry)
}

// ParseDirection maps wire and config spellings onto a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "LONG", "long", "Long", "BUY", "buy":
		return DirectionLong, true
	case "SHORT", "short", "Short", "SELL", "sell":
		return DirectionShort, true
	}
	return "", false
}

// TrailLevel is the protection stage of a position. Levels only move forward.
type TrailLevel int

const (
	TrailInitial TrailLevel = iota
	TrailBreakeven
	Trail1
	Trail2
	Trail3
)

func (l TrailLevel) String() string {
	switch l {
	case TrailInitial:
		return "initial"
	case TrailBreakeven:
		return "breakeven"
	case Trail1:
		return "trail1"
	case Trail2:
		return "trail2"
	case Trail3:
		return "trail3"
	}
	return "unknown"
}

// Tier selects a slice of position quantity.
type Tier string

const (
	TierT1     Tier = "T1"
	TierT2     Tier = "T2"
	TierRunner Tier = "Runner"
)

// Role returns the order role of the tier's profit target. The runner has no
// target order and trails with the stop.
func (t Tier) Role() (OrderRole, bool) {
	switch t {
	case TierT1:
		return RoleTarget1, true
	case TierT2:
		return RoleTarget2, true
	}
	return "", false
}

// PositionRecord is the local mirror of one trade. The tick driver is its
// only writer.
type PositionRecord struct {
	ID        string
	Account   string
	Symbol    string
	Direction Direction

	TotalQuantity     int
	T1Quantity        int
	T2Quantity        int
	T3Quantity        int // runner, exits only through the stop
	RemainingQuantity int

	EntryPrice       decimal.Decimal
	InitialStopPrice decimal.Decimal
	CurrentStopPrice decimal.Decimal
	// WorkingStopPrice is the price of the live stop order. It differs from
	// CurrentStopPrice only after a rejected stop was resubmitted clear of
	// the market.
	WorkingStopPrice decimal.Decimal
	Target1Price     decimal.Decimal
	Target2Price     decimal.Decimal

	// Distances from entry used to re-anchor the bracket on the actual fill.
	StopDistance    decimal.Decimal
	Target1Distance decimal.Decimal
	Target2Distance decimal.Decimal

	EntryFilled      bool
	T1Filled         bool
	T2Filled         bool
	RunnerExited     bool
	BracketSubmitted bool

	ExtremePrice   decimal.Decimal
	TrailLevel     TrailLevel
	AlternateEntry bool

	BreakevenArmed     bool
	BreakevenTriggered bool

	StopRejections int

	// Orders holds the single working handle per role.
	Orders map[OrderRole]string

	CreatedAt time.Time
}

// OrderFor returns the working order id held for role.
func (p *PositionRecord) OrderFor(role OrderRole) (string, bool) {
	id, ok := p.Orders[role]
	return id, ok && id != ""
}

// SetOrder installs id as the handle for role and returns the id it retired.
func (p *PositionRecord) SetOrder(role OrderRole, id string) (retired string) {
	if p.Orders == nil {
		p.Orders = make(map[OrderRole]string)
	}
	retired = p.Orders[role]
	if id == "" {
		delete(p.Orders, role)
	} else {
		p.Orders[role] = id
	}
	return retired
}

// RoleOf returns which role orderID currently plays, if any.
func (p *PositionRecord) RoleOf(orderID string) (OrderRole, bool) {
	for role, id := range p.Orders {
		if id == orderID {
			return role, true
		}
	}
	return "", false
}

// MarkEntryFilled records the entry fill once and re-anchors prices on the
// fill. It returns false if the entry was already filled.
func (p *PositionRecord) MarkEntryFilled(fill decimal.Decimal, reanchor bool) bool {
	if p.EntryFilled {
		return false
	}
	p.EntryFilled = true
	if reanchor && !fill.IsZero() {
		p.EntryPrice = fill
		p.InitialStopPrice = p.Direction.Offset(fill, p.StopDistance.Neg())
		p.CurrentStopPrice = p.InitialStopPrice
		p.Target1Price = p.Direction.Offset(fill, p.Target1Distance)
		p.Target2Price = p.Direction.Offset(fill, p.Target2Distance)
	} else if !fill.IsZero() {
		p.EntryPrice = fill
	}
	p.ExtremePrice = p.EntryPrice
	return true
}

// FillTier marks a target tier filled once and returns the quantity it
// removed from the position. qty is what actually filled; zero or more than
// the tier means the whole tier. An unfilled remainder stays with the stop.
func (p *PositionRecord) FillTier(t Tier, qty int) (int, bool) {
	var size int
	switch t {
	case TierT1:
		if p.T1Filled {
			return 0, false
		}
		p.T1Filled = true
		size = p.T1Quantity
	case TierT2:
		if p.T2Filled {
			return 0, false
		}
		p.T2Filled = true
		size = p.T2Quantity
	default:
		return 0, false
	}
	if qty <= 0 || qty > size {
		qty = size
	}
	p.Reduce(qty)
	return qty, true
}

// Reduce removes qty from the remaining quantity, never below zero.
func (p *PositionRecord) Reduce(qty int) {
	p.RemainingQuantity -= qty
	if p.RemainingQuantity < 0 {
		p.RemainingQuantity = 0
	}
}

// ObservePrice advances the extreme price if price is more favourable.
func (p *PositionRecord) ObservePrice(price decimal.Decimal) bool {
	if !p.EntryFilled {
		return false
	}
	if p.ExtremePrice.IsZero() || p.Direction.Better(price, p.ExtremePrice) {
		p.ExtremePrice = price
		return true
	}
	return false
}

// Profit is the favourable excursion of the extreme price from entry.
func (p *PositionRecord) Profit() decimal.Decimal {
	return p.Direction.Excursion(p.EntryPrice, p.ExtremePrice)
}

// AdvanceStop applies a new stop and level together. It refuses any change
// that would loosen the stop or lower the level.
func (p *PositionRecord) AdvanceStop(stop decimal.Decimal, level TrailLevel) bool {
	if level < p.TrailLevel {
		return false
	}
	if !p.Direction.Tightens(stop, p.CurrentStopPrice) {
		return false
	}
	p.CurrentStopPrice = stop
	p.TrailLevel = level
	return true
}

// Closed reports whether nothing of a filled position remains.
func (p *PositionRecord) Closed() bool {
	return p.EntryFilled && p.RemainingQuantity <= 0
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *PositionRecord) Clone() PositionRecord {
	c := *p
	c.Orders = make(map[OrderRole]string, len(p.Orders))
	for k, v := range p.Orders {
		c.Orders[k] = v
	}
	return c
}

// Decision is an accepted directional intent, before sizing.
type Decision struct {
	Account   string
	Symbol    string
	Direction Direction
	// EntryType is market for immediate entries and stop_market for
	// breakout entries.
	EntryType  OrderType
	EntryPrice decimal.Decimal
	// Stop and target distances are measured from the entry price.
	StopDistance    decimal.Decimal
	Target1Distance decimal.Decimal
	Target2Distance decimal.Decimal
	// Quantity > 0 bypasses risk sizing.
	Quantity    int
	RiskDollars decimal.Decimal
	Alternate   bool
	Source      string
}
