// Package paper is an in-memory, multi-account ExecutionGateway. Orders fill
// against the prices fed to OnPrice: market orders at the next price, stops
// when traded through, limits when touched. Stops already through the market
// are rejected the way a broker would.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ domain.ExecutionGateway = (*Gateway)(nil)

// Rejection codes reported in OrderUpdate.ErrorCode.
const (
	CodeStopThroughMarket = "stop_price_through_market"
	CodeInvalidQuantity   = "invalid_quantity"
)

type order struct {
	domain.WorkingOrder
	stop  decimal.Decimal
	limit decimal.Decimal
}

type position struct {
	net int
	avg decimal.Decimal
}

// Gateway simulates a brokerage connection.
type Gateway struct {
	mu       sync.Mutex
	accounts map[string]bool
	orders   map[string]*order
	seq      []string
	pos      map[string]*position
	last     map[string]decimal.Decimal
	logger   *slog.Logger
	now      func() time.Time

	// Events are buffered in backlog and pumped to out so that callers
	// holding no goroutine of their own never block on a full channel.
	backlog []domain.GatewayEvent
	wake    chan struct{}
	out     chan domain.GatewayEvent
}

// New creates a gateway trading the given accounts.
func New(accounts []string, logger *slog.Logger) *Gateway {
	g := &Gateway{
		accounts: make(map[string]bool, len(accounts)),
		orders:   make(map[string]*order),
		pos:      make(map[string]*position),
		last:     make(map[string]decimal.Decimal),
		logger:   logger.With(slog.String("component", "paper_gateway")),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		out:      make(chan domain.GatewayEvent, 256),
	}
	for _, a := range accounts {
		g.accounts[a] = true
	}
	return g
}

func posKey(account, symbol string) string { return account + "|" + symbol }

// Run delivers queued events to Events until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		g.mu.Lock()
		batch := g.backlog
		g.backlog = nil
		g.mu.Unlock()

		for _, ev := range batch {
			select {
			case g.out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-g.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *Gateway) emit(ev domain.GatewayEvent) {
	g.backlog = append(g.backlog, ev)
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Events returns the callback stream.
func (g *Gateway) Events() <-chan domain.GatewayEvent { return g.out }

// Submit accepts an order and evaluates it against the last known price.
func (g *Gateway) Submit(_ context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.accounts[req.Account] {
		return domain.OrderHandle{}, fmt.Errorf("paper: account %q: %w", req.Account, domain.ErrUnknownAccount)
	}
	switch req.Type {
	case domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStopMarket:
	default:
		return domain.OrderHandle{}, fmt.Errorf("paper: order type %q: %w", req.Type, domain.ErrInvalidOrder)
	}

	o := &order{
		WorkingOrder: domain.WorkingOrder{
			ID:       uuid.NewString(),
			Account:  req.Account,
			Symbol:   req.Symbol,
			Tag:      req.Tag,
			Side:     req.Side,
			Type:     req.Type,
			Quantity: req.Quantity,
			State:    domain.OrderStateWorking,
		},
		stop:  req.StopPrice,
		limit: req.LimitPrice,
	}
	switch req.Type {
	case domain.OrderTypeStopMarket:
		o.Price = req.StopPrice
	case domain.OrderTypeLimit:
		o.Price = req.LimitPrice
	}
	g.orders[o.ID] = o
	g.seq = append(g.seq, o.ID)
	handle := domain.OrderHandle{ID: o.ID, Account: o.Account, Tag: o.Tag}

	if req.Quantity <= 0 {
		g.finish(o, domain.OrderStateRejected, decimal.Zero, CodeInvalidQuantity)
		return handle, nil
	}
	last, ok := g.last[req.Symbol]
	if ok && req.Type == domain.OrderTypeStopMarket && !stopAhead(o, last) {
		g.finish(o, domain.OrderStateRejected, decimal.Zero, CodeStopThroughMarket)
		return handle, nil
	}
	g.emitOrder(o, decimal.Zero, 0, "")
	if ok {
		g.evaluate(o, last)
	}
	return handle, nil
}

// stopAhead reports whether a stop still waits for price to reach it.
func stopAhead(o *order, last decimal.Decimal) bool {
	if o.Side == domain.OrderSideBuy {
		return o.stop.GreaterThan(last)
	}
	return o.stop.LessThan(last)
}

// Cancel cancels a live order.
func (g *Gateway) Cancel(_ context.Context, account, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok || o.Account != account || !o.State.Live() {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	g.finish(o, domain.OrderStateCancelled, decimal.Zero, "")
	return nil
}

// NetPosition returns the signed position of account in symbol.
func (g *Gateway) NetPosition(_ context.Context, account, symbol string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.accounts[account] {
		return 0, fmt.Errorf("paper: account %q: %w", account, domain.ErrUnknownAccount)
	}
	if p, ok := g.pos[posKey(account, symbol)]; ok {
		return p.net, nil
	}
	return 0, nil
}

// WorkingOrders lists live orders of account in symbol in submission order.
func (g *Gateway) WorkingOrders(_ context.Context, account, symbol string) ([]domain.WorkingOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.WorkingOrder
	for _, id := range g.seq {
		o := g.orders[id]
		if o.Account == account && o.Symbol == symbol && o.State.Live() {
			out = append(out, o.WorkingOrder)
		}
	}
	return out, nil
}

// Accounts lists the simulated accounts in name order.
func (g *Gateway) Accounts(context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.accounts))
	for a := range g.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// OnPrice records a traded price and fills every order it reaches.
func (g *Gateway) OnPrice(tick domain.Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[tick.Symbol] = tick.Price
	for _, id := range g.seq {
		o := g.orders[id]
		if o.Symbol == tick.Symbol && o.State.Live() {
			g.evaluate(o, tick.Price)
		}
	}
	g.compact()
}

func (g *Gateway) evaluate(o *order, price decimal.Decimal) {
	buy := o.Side == domain.OrderSideBuy
	switch o.Type {
	case domain.OrderTypeMarket:
		g.fill(o, price)
	case domain.OrderTypeStopMarket:
		if (buy && price.GreaterThanOrEqual(o.stop)) || (!buy && price.LessThanOrEqual(o.stop)) {
			g.fill(o, price)
		}
	case domain.OrderTypeLimit:
		if (buy && price.LessThanOrEqual(o.limit)) || (!buy && price.GreaterThanOrEqual(o.limit)) {
			g.fill(o, o.limit)
		}
	}
}

func (g *Gateway) fill(o *order, price decimal.Decimal) {
	k := posKey(o.Account, o.Symbol)
	p := g.pos[k]
	if p == nil {
		p = &position{}
		g.pos[k] = p
	}
	delta := o.Quantity
	if o.Side == domain.OrderSideSell {
		delta = -delta
	}
	switch {
	case p.net == 0 || (p.net > 0) == (delta > 0):
		// Opening or adding: volume-weighted average.
		total := decimal.NewFromInt(int64(abs(p.net) + abs(delta)))
		p.avg = p.avg.Mul(decimal.NewFromInt(int64(abs(p.net)))).
			Add(price.Mul(decimal.NewFromInt(int64(abs(delta))))).Div(total)
	case abs(delta) > abs(p.net):
		// Reversal: the remainder opens at the fill price.
		p.avg = price
	}
	p.net += delta
	if p.net == 0 {
		p.avg = decimal.Zero
	}

	g.finish(o, domain.OrderStateFilled, price, "")
	g.emit(domain.GatewayEvent{Position: &domain.PositionUpdate{
		Account:  o.Account,
		Symbol:   o.Symbol,
		Net:      p.net,
		AvgPrice: p.avg,
		Time:     g.now().UTC(),
	}})
	g.logger.Debug("paper fill",
		slog.String("order_id", o.ID),
		slog.String("account", o.Account),
		slog.String("tag", o.Tag),
		slog.String("side", string(o.Side)),
		slog.Int("qty", o.Quantity),
		slog.String("price", price.String()),
		slog.Int("net", p.net),
	)
}

func (g *Gateway) finish(o *order, state domain.OrderState, price decimal.Decimal, code string) {
	o.State = state
	filled := 0
	if state == domain.OrderStateFilled {
		filled = o.Quantity
	}
	g.emitOrder(o, price, filled, code)
}

func (g *Gateway) emitOrder(o *order, price decimal.Decimal, filled int, code string) {
	g.emit(domain.GatewayEvent{Order: &domain.OrderUpdate{
		OrderID:   o.ID,
		Account:   o.Account,
		Symbol:    o.Symbol,
		Tag:       o.Tag,
		State:     o.State,
		FilledQty: filled,
		FillPrice: price,
		ErrorCode: code,
		Time:      g.now().UTC(),
	}})
}

// compact drops finished orders from the scan order once it grows large.
func (g *Gateway) compact() {
	if len(g.seq) < 1024 {
		return
	}
	live := g.seq[:0]
	for _, id := range g.seq {
		if g.orders[id].State.Live() {
			live = append(live, id)
		} else {
			delete(g.orders, id)
		}
	}
	g.seq = live
}

// Position is a simulated account position.
type Position struct {
	Account  string          `json:"account"`
	Symbol   string          `json:"symbol"`
	Net      int             `json:"net"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Positions lists every non-flat position.
func (g *Gateway) Positions() []Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Position
	for k, p := range g.pos {
		if p.net == 0 {
			continue
		}
		acct, sym, _ := strings.Cut(k, "|")
		out = append(out, Position{Account: acct, Symbol: sym, Net: p.net, AvgPrice: p.avg})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
