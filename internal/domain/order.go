package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes exposure opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderState tracks the order lifecycle as reported by the gateway.
type OrderState string

const (
	OrderStateAccepted  OrderState = "accepted"
	OrderStateWorking   OrderState = "working"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
)

// Live reports whether an order in this state can still execute.
func (s OrderState) Live() bool {
	return s == OrderStateAccepted || s == OrderStateWorking
}

// Terminal reports whether no further updates are expected.
func (s OrderState) Terminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled || s == OrderStateRejected
}

// OrderRole identifies what a child order does for its position.
type OrderRole string

const (
	RoleEntry     OrderRole = "entry"
	RoleStop      OrderRole = "stop"
	RoleTarget1   OrderRole = "t1"
	RoleTarget2   OrderRole = "t2"
	RoleExit      OrderRole = "exit"
	RoleEmergency OrderRole = "emergency"
	RoleSync      OrderRole = "sync"
)

// OrderRequest is everything the gateway needs to place one order.
type OrderRequest struct {
	Account    string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   int
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	// Tag names the order; positions own every order whose tag is bound to
	// their id (see ledger.Owns).
	Tag string
}

// OrderHandle is returned by the gateway for an accepted submission.
type OrderHandle struct {
	ID      string
	Account string
	Tag     string
}

// Valid reports whether the gateway actually assigned an order.
func (h OrderHandle) Valid() bool {
	return h.ID != ""
}

// WorkingOrder is a gateway-side view of an order that has not finished.
type WorkingOrder struct {
	ID       string
	Account  string
	Symbol   string
	Tag      string
	Side     OrderSide
	Type     OrderType
	Quantity int
	Price    decimal.Decimal
	State    OrderState
}

// OrderUpdate is a gateway callback for a single order.
type OrderUpdate struct {
	OrderID   string
	Account   string
	Symbol    string
	Tag       string
	State     OrderState
	FilledQty int
	FillPrice decimal.Decimal
	ErrorCode string
	Time      time.Time
}

// PositionUpdate reports an account's net position in one instrument.
// Net is signed: positive long, negative short.
type PositionUpdate struct {
	Account  string
	Symbol   string
	Net      int
	AvgPrice decimal.Decimal
	Time     time.Time
}

// GatewayEvent carries exactly one of Order or Position.
type GatewayEvent struct {
	Order    *OrderUpdate
	Position *PositionUpdate
}
