// Package gatewaytest provides a scriptable in-memory ExecutionGateway for
// tests. Orders never fill on their own; tests drive fills, rejections and
// position reports explicitly.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

var _ domain.ExecutionGateway = (*Gateway)(nil)

// Gateway records every call and keeps per-order state.
type Gateway struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*domain.WorkingOrder
	order     []string
	submitted []domain.OrderRequest
	cancelled []string
	nets      map[string]int
	accounts  []string
	events    chan domain.GatewayEvent

	// Refuse, when set, makes Submit return an empty handle for matching
	// requests.
	Refuse func(domain.OrderRequest) bool
	// SubmitErr, when set, fails every submission for matching requests.
	SubmitErr func(domain.OrderRequest) error
	// CancelErr, when set, fails cancels of matching order ids.
	CancelErr func(orderID string) error
}

// New creates a gateway that knows the given accounts.
func New(accounts ...string) *Gateway {
	return &Gateway{
		orders:   make(map[string]*domain.WorkingOrder),
		nets:     make(map[string]int),
		accounts: accounts,
		events:   make(chan domain.GatewayEvent, 256),
	}
}

func key(account, symbol string) string { return account + "|" + symbol }

func (g *Gateway) Submit(_ context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submitted = append(g.submitted, req)
	if g.SubmitErr != nil {
		if err := g.SubmitErr(req); err != nil {
			return domain.OrderHandle{}, err
		}
	}
	if g.Refuse != nil && g.Refuse(req) {
		return domain.OrderHandle{}, nil
	}

	g.seq++
	id := fmt.Sprintf("o%d", g.seq)
	price := req.LimitPrice
	if req.Type == domain.OrderTypeStopMarket {
		price = req.StopPrice
	}
	g.orders[id] = &domain.WorkingOrder{
		ID:       id,
		Account:  req.Account,
		Symbol:   req.Symbol,
		Tag:      req.Tag,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    price,
		State:    domain.OrderStateWorking,
	}
	g.order = append(g.order, id)
	return domain.OrderHandle{ID: id, Account: req.Account, Tag: req.Tag}, nil
}

func (g *Gateway) Cancel(_ context.Context, account, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CancelErr != nil {
		if err := g.CancelErr(orderID); err != nil {
			return err
		}
	}
	o, ok := g.orders[orderID]
	if !ok || o.Account != account || !o.State.Live() {
		return fmt.Errorf("gatewaytest: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	o.State = domain.OrderStateCancelled
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *Gateway) NetPosition(_ context.Context, account, symbol string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nets[key(account, symbol)], nil
}

func (g *Gateway) WorkingOrders(_ context.Context, account, symbol string) ([]domain.WorkingOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.WorkingOrder
	for _, id := range g.order {
		o := g.orders[id]
		if o.Account == account && o.Symbol == symbol && o.State.Live() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (g *Gateway) Accounts(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.accounts))
	copy(out, g.accounts)
	return out, nil
}

func (g *Gateway) Events() <-chan domain.GatewayEvent { return g.events }

// Emit queues an event on the Events channel.
func (g *Gateway) Emit(ev domain.GatewayEvent) { g.events <- ev }

// Fill marks an order filled, moves the account's net position and returns
// the update the gateway would report.
func (g *Gateway) Fill(orderID string, price decimal.Decimal) domain.OrderUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		panic("gatewaytest: fill of unknown order " + orderID)
	}
	o.State = domain.OrderStateFilled
	sign := 1
	if o.Side == domain.OrderSideSell {
		sign = -1
	}
	g.nets[key(o.Account, o.Symbol)] += sign * o.Quantity
	return domain.OrderUpdate{
		OrderID:   o.ID,
		Account:   o.Account,
		Symbol:    o.Symbol,
		Tag:       o.Tag,
		State:     domain.OrderStateFilled,
		FilledQty: o.Quantity,
		FillPrice: price,
		Time:      time.Now().UTC(),
	}
}

// Reject marks a working order rejected and returns the update.
func (g *Gateway) Reject(orderID, code string) domain.OrderUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		panic("gatewaytest: reject of unknown order " + orderID)
	}
	o.State = domain.OrderStateRejected
	return domain.OrderUpdate{
		OrderID:   o.ID,
		Account:   o.Account,
		Symbol:    o.Symbol,
		Tag:       o.Tag,
		State:     domain.OrderStateRejected,
		ErrorCode: code,
		Time:      time.Now().UTC(),
	}
}

// Inject adds a working order that was not submitted through Submit, such as
// a stale duplicate left by the broker.
func (g *Gateway) Inject(o domain.WorkingOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o.State == "" {
		o.State = domain.OrderStateWorking
	}
	g.orders[o.ID] = &o
	g.order = append(g.order, o.ID)
}

// SetNet overrides the reported net position.
func (g *Gateway) SetNet(account, symbol string, net int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nets[key(account, symbol)] = net
}

// Submitted returns every submission, including refused ones.
func (g *Gateway) Submitted() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.OrderRequest, len(g.submitted))
	copy(out, g.submitted)
	return out
}

// Cancelled returns every cancelled order id in call order.
func (g *Gateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.cancelled))
	copy(out, g.cancelled)
	return out
}

// Order returns a copy of an order by id.
func (g *Gateway) Order(id string) (domain.WorkingOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return domain.WorkingOrder{}, false
	}
	return *o, true
}

// Live returns working orders whose tag starts with tagPrefix, sorted by id.
func (g *Gateway) Live(tagPrefix string) []domain.WorkingOrder {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.WorkingOrder
	for _, o := range g.orders {
		if o.State.Live() && strings.HasPrefix(o.Tag, tagPrefix) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiveByRole returns the working orders of one role for a position.
func (g *Gateway) LiveByRole(positionID string, role domain.OrderRole) []domain.WorkingOrder {
	return g.Live(positionID + "/" + string(role))
}
