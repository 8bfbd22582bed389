package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/gateway/paper"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/shopspring/decimal"
)

// PositionSource is the engine's ledger snapshot.
type PositionSource interface {
	Positions() []domain.PositionRecord
	Telemetry() []domain.Telemetry
}

// AgentSource lists agents attached to the hub pool.
type AgentSource interface {
	Agents() []ipc.AgentInfo
}

// AccountSource lists simulated account positions.
type AccountSource interface {
	Positions() []paper.Position
}

// SignalLog reads the relay audit stream.
type SignalLog interface {
	Recent(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// StatusHandler serves read-only views of the running engine. Agents,
// Accounts and Signals are optional; their endpoints answer 404 when unset.
type StatusHandler struct {
	Engine   PositionSource
	Agents   AgentSource
	Accounts AccountSource
	Signals  SignalLog
	Stream   string
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine PositionSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{Engine: engine, logger: logger}
}

type positionView struct {
	ID                string            `json:"id"`
	Account           string            `json:"account"`
	Symbol            string            `json:"symbol"`
	Direction         domain.Direction  `json:"direction"`
	TotalQuantity     int               `json:"total_quantity"`
	RemainingQuantity int               `json:"remaining_quantity"`
	Tiers             [3]int            `json:"tiers"`
	EntryPrice        decimal.Decimal   `json:"entry_price"`
	EntryFilled       bool              `json:"entry_filled"`
	StopPrice         decimal.Decimal   `json:"stop_price"`
	Target1Price      decimal.Decimal   `json:"target1_price"`
	Target2Price      decimal.Decimal   `json:"target2_price"`
	T1Filled          bool              `json:"t1_filled"`
	T2Filled          bool              `json:"t2_filled"`
	TrailLevel        string            `json:"trail_level"`
	ExtremePrice      decimal.Decimal   `json:"extreme_price"`
	BreakevenArmed    bool              `json:"breakeven_armed"`
	Orders            map[string]string `json:"orders"`
	CreatedAt         time.Time         `json:"created_at"`
}

func viewOf(p domain.PositionRecord) positionView {
	orders := make(map[string]string, len(p.Orders))
	for role, id := range p.Orders {
		if id != "" {
			orders[string(role)] = id
		}
	}
	return positionView{
		ID:                p.ID,
		Account:           p.Account,
		Symbol:            p.Symbol,
		Direction:         p.Direction,
		TotalQuantity:     p.TotalQuantity,
		RemainingQuantity: p.RemainingQuantity,
		Tiers:             [3]int{p.T1Quantity, p.T2Quantity, p.T3Quantity},
		EntryPrice:        p.EntryPrice,
		EntryFilled:       p.EntryFilled,
		StopPrice:         p.CurrentStopPrice,
		Target1Price:      p.Target1Price,
		Target2Price:      p.Target2Price,
		T1Filled:          p.T1Filled,
		T2Filled:          p.T2Filled,
		TrailLevel:        p.TrailLevel.String(),
		ExtremePrice:      p.ExtremePrice,
		BreakevenArmed:    p.BreakevenArmed,
		Orders:            orders,
		CreatedAt:         p.CreatedAt,
	}
}

// ListPositions handles GET /api/positions[?symbol=&account=].
func (h *StatusHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym, acct := q.Get("symbol"), q.Get("account")
	out := []positionView{}
	for _, p := range h.Engine.Positions() {
		if (sym != "" && p.Symbol != sym) || (acct != "" && p.Account != acct) {
			continue
		}
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// ListTelemetry handles GET /api/telemetry.
func (h *StatusHandler) ListTelemetry(w http.ResponseWriter, r *http.Request) {
	tel := h.Engine.Telemetry()
	if tel == nil {
		tel = []domain.Telemetry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"telemetry": tel})
}

// ListAgents handles GET /api/agents.
func (h *StatusHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	if h.Agents == nil {
		writeError(w, http.StatusNotFound, "no agent pool in this mode")
		return
	}
	agents := h.Agents.Agents()
	if agents == nil {
		agents = []ipc.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// ListAccounts handles GET /api/accounts.
func (h *StatusHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	if h.Accounts == nil {
		writeError(w, http.StatusNotFound, "no simulated accounts in this mode")
		return
	}
	pos := h.Accounts.Positions()
	if pos == nil {
		pos = []paper.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": pos})
}

// ListSignals handles GET /api/signals?limit=N from the relay audit stream.
func (h *StatusHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	if h.Signals == nil {
		writeError(w, http.StatusNotFound, "signal relay disabled")
		return
	}
	msgs, err := h.Signals.Recent(r.Context(), h.Stream, parseLimit(r, 50, 500))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "signal log read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "signal log unavailable")
		return
	}
	type entry struct {
		ID    string          `json:"id"`
		Frame json.RawMessage `json:"frame"`
	}
	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, entry{ID: m.ID, Frame: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": out})
}
