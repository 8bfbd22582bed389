package domain

import "context"

// ExecutionGateway is the brokerage collaborator. It owns the authoritative
// view of orders and positions; everything in this module mirrors it.
type ExecutionGateway interface {
	// Submit places an order. A nil error with an invalid handle means the
	// gateway refused to assign an order.
	Submit(ctx context.Context, req OrderRequest) (OrderHandle, error)
	Cancel(ctx context.Context, account, orderID string) error
	NetPosition(ctx context.Context, account, symbol string) (int, error)
	WorkingOrders(ctx context.Context, account, symbol string) ([]WorkingOrder, error)
	Accounts(ctx context.Context) ([]string, error)
	// Events delivers order and position callbacks. The tick driver is the
	// only reader.
	Events() <-chan GatewayEvent
}
