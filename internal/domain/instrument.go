package domain

import "github.com/shopspring/decimal"

// Instrument carries the contract constants needed for sizing and price
// validation.
type Instrument struct {
	Symbol     string
	TickSize   decimal.Decimal
	PointValue decimal.Decimal
}

// Ticks converts a tick count into a price distance.
func (i Instrument) Ticks(n int) decimal.Decimal {
	return i.TickSize.Mul(decimal.NewFromInt(int64(n)))
}

// RoundToTick snaps price to the nearest tick.
func (i Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return price
	}
	return price.Div(i.TickSize).Round(0).Mul(i.TickSize)
}
