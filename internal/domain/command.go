package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the first field of a wire command.
type Action string

const (
	ActionLong       Action = "LONG"
	ActionShort      Action = "SHORT"
	ActionClose      Action = "CLOSE"
	ActionFlatten    Action = "FLATTEN"
	ActionSyncTarget Action = "SYNC_TARGET"
	ActionHeartbeat  Action = "HEARTBEAT"
	ActionAck        Action = "ACK"
	ActionFill       Action = "FILL"
	ActionData       Action = "DATA"
	ActionBreakeven  Action = "BREAKEVEN"
	ActionORLong     Action = "OR_LONG"
	ActionORShort    Action = "OR_SHORT"
	ActionTarget     Action = "TARGET"
)

// Command is one decoded wire line.
type Command struct {
	Action   Action
	Symbol   string
	Quantity int
	// TargetNet is the signed net quantity of SYNC_TARGET.
	TargetNet decimal.Decimal
	// Price is set on FILL.
	Price decimal.Decimal
	// PositionID optionally narrows BREAKEVEN and TARGET.
	PositionID string
	// Target and TargetAction are set on TARGET.
	Target       Tier
	TargetAction TargetAction
	// Timestamp is the opaque payload of HEARTBEAT and ACK.
	Timestamp string
	Telemetry *Telemetry
	Raw       string
	Source    string
	Received  time.Time
}

// Telemetry is the DATA payload: latest price and indicator levels.
type Telemetry struct {
	Symbol  string          `json:"symbol"`
	Last    decimal.Decimal `json:"last"`
	EMA9    decimal.Decimal `json:"ema9"`
	EMA15   decimal.Decimal `json:"ema15"`
	ORHigh  decimal.Decimal `json:"or_high"`
	ORLow   decimal.Decimal `json:"or_low"`
	Updated time.Time       `json:"updated"`
}

// Range is the opening range width, zero when unknown.
func (t Telemetry) Range() decimal.Decimal {
	if t.ORHigh.IsZero() || t.ORLow.IsZero() || t.ORHigh.LessThanOrEqual(t.ORLow) {
		return decimal.Zero
	}
	return t.ORHigh.Sub(t.ORLow)
}

// Tick is one price update for an instrument.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}
