package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	// wsReadTimeout drops a feed that goes silent; servers are expected to
	// ping or stream more often than this.
	wsReadTimeout = 60 * time.Second
)

// subscribeMsg is sent once per connection when symbols are configured.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// WSFeed reads JSON price events from a websocket endpoint.
type WSFeed struct {
	url     string
	list    []string
	symbols filter
	sink    TickSink
	backoff time.Duration
	logger  *slog.Logger
}

// NewWSFeed creates a WSFeed for url.
func NewWSFeed(url string, symbols []string, sink TickSink, backoff time.Duration, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		list:    symbols,
		symbols: newFilter(symbols),
		sink:    sink,
		backoff: backoff,
		logger:  logger.With(slog.String("component", "ws_feed")),
	}
}

// Run connects until ctx is cancelled, reconnecting after failures.
func (f *WSFeed) Run(ctx context.Context) error {
	return reconnect(ctx, f.url, f.backoff, f.logger, f.session)
}

func (f *WSFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if len(f.list) > 0 {
		msg, _ := json.Marshal(subscribeMsg{Action: "subscribe", Symbols: f.list})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.InfoContext(ctx, "price feed connected", slog.String("url", f.url), slog.Int("symbols", len(f.list)))

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		deliver(f.sink, f.symbols, data, f.logger)
	}
}
