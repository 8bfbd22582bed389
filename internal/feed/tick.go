// Package feed turns external price streams into ticks for the tick driver.
// Sources reconnect on their own with a fixed backoff; every decoded price
// is handed to a TickSink without blocking.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/shopspring/decimal"
)

// TickSink accepts prices. SubmitTick must not block.
type TickSink interface {
	SubmitTick(tick domain.Tick) bool
}

// priceEvent is the JSON shape of one published price. Price may be a JSON
// string or number.
type priceEvent struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp string          `json:"timestamp"`
}

// DecodeTick parses one price event. Events without a symbol or with a
// non-positive price are rejected.
func DecodeTick(data []byte, now time.Time) (domain.Tick, error) {
	var ev priceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Tick{}, fmt.Errorf("feed: decode: %w", err)
	}
	sym := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if sym == "" || !ev.Price.IsPositive() {
		return domain.Tick{}, fmt.Errorf("feed: %q @ %s: %w", ev.Symbol, ev.Price, domain.ErrInvalidSignal)
	}
	at := now
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			at = t
		}
	}
	return domain.Tick{Symbol: sym, Price: ev.Price, Time: at.UTC()}, nil
}

// filter keeps only configured symbols; an empty set keeps everything.
type filter map[string]bool

func newFilter(symbols []string) filter {
	f := make(filter, len(symbols))
	for _, s := range symbols {
		f[strings.ToUpper(s)] = true
	}
	return f
}

func (f filter) allows(symbol string) bool { return len(f) == 0 || f[symbol] }
