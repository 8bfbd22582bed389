package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignalKind names a signal variant. Delivery order is guaranteed only
// within one kind.
type SignalKind string

const (
	SignalTrade        SignalKind = "trade"
	SignalTrailUpdate  SignalKind = "trail_update"
	SignalTargetAction SignalKind = "target_action"
	SignalFlatten      SignalKind = "flatten"
	SignalBreakeven    SignalKind = "breakeven"
)

// SignalKinds lists every kind in a stable order.
var SignalKinds = []SignalKind{SignalTrade, SignalTrailUpdate, SignalTargetAction, SignalFlatten, SignalBreakeven}

// Signal is a directive carried from the decision authority to its
// followers.
type Signal interface {
	Kind() SignalKind
	// Correlation is the PositionRecord id the signal refers to; empty means
	// every position.
	Correlation() string
	// Stamp returns a copy carrying the broadcast time and a signal id.
	Stamp(at time.Time) Signal
}

// Envelope is common signal metadata.
type Envelope struct {
	SignalID   string    `json:"signal_id"`
	PositionID string    `json:"position_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e Envelope) stamped(at time.Time) Envelope {
	if e.SignalID == "" {
		e.SignalID = uuid.NewString()
	}
	e.Timestamp = at
	return e
}

// TradeSignal announces a new bracketed entry.
type TradeSignal struct {
	Envelope
	Account      string          `json:"account"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	Target1Price decimal.Decimal `json:"target1_price"`
	Target2Price decimal.Decimal `json:"target2_price"`
	T1Quantity   int             `json:"t1_quantity"`
	T2Quantity   int             `json:"t2_quantity"`
	T3Quantity   int             `json:"t3_quantity"`
	Alternate    bool            `json:"alternate"`
}

func (s TradeSignal) Kind() SignalKind    { return SignalTrade }
func (s TradeSignal) Correlation() string { return s.PositionID }
func (s TradeSignal) Stamp(at time.Time) Signal {
	s.Envelope = s.Envelope.stamped(at)
	return s
}

// TotalQuantity is the sum of the three tiers.
func (s TradeSignal) TotalQuantity() int {
	return s.T1Quantity + s.T2Quantity + s.T3Quantity
}

// TrailUpdateSignal announces a stop replacement.
type TrailUpdateSignal struct {
	Envelope
	Symbol  string          `json:"symbol"`
	NewStop decimal.Decimal `json:"new_stop"`
	Level   TrailLevel      `json:"level"`
}

func (s TrailUpdateSignal) Kind() SignalKind    { return SignalTrailUpdate }
func (s TrailUpdateSignal) Correlation() string { return s.PositionID }
func (s TrailUpdateSignal) Stamp(at time.Time) Signal {
	s.Envelope = s.Envelope.stamped(at)
	return s
}

// TargetAction is a manual intervention on one tier.
type TargetAction string

const (
	ActionFillAtMarket    TargetAction = "FillAtMarket"
	ActionMoveToBreakeven TargetAction = "MoveToBreakeven"
	ActionMoveStopToEntry TargetAction = "MoveStopToEntry"
	ActionCancelTarget    TargetAction = "CancelTarget"
)

// TargetActionSignal requests a target management action.
type TargetActionSignal struct {
	Envelope
	Target Tier         `json:"target"`
	Action TargetAction `json:"action"`
}

func (s TargetActionSignal) Kind() SignalKind    { return SignalTargetAction }
func (s TargetActionSignal) Correlation() string { return s.PositionID }
func (s TargetActionSignal) Stamp(at time.Time) Signal {
	s.Envelope = s.Envelope.stamped(at)
	return s
}

// FlattenSignal requests that every position be closed. An empty Symbol
// means all instruments.
type FlattenSignal struct {
	Envelope
	Symbol string `json:"symbol,omitempty"`
	Reason string `json:"reason"`
}

func (s FlattenSignal) Kind() SignalKind    { return SignalFlatten }
func (s FlattenSignal) Correlation() string { return s.PositionID }
func (s FlattenSignal) Stamp(at time.Time) Signal {
	s.Envelope = s.Envelope.stamped(at)
	if s.Reason == "" {
		s.Reason = "manual flatten"
	}
	return s
}

// BreakevenSignal arms manual breakeven on one position, or all of them
// when PositionID is empty.
type BreakevenSignal struct {
	Envelope
	Symbol string `json:"symbol,omitempty"`
}

func (s BreakevenSignal) Kind() SignalKind    { return SignalBreakeven }
func (s BreakevenSignal) Correlation() string { return s.PositionID }
func (s BreakevenSignal) Stamp(at time.Time) Signal {
	s.Envelope = s.Envelope.stamped(at)
	return s
}
