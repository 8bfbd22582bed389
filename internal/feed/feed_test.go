package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type sink struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (s *sink) SubmitTick(t domain.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
	return true
}

func (s *sink) got() []domain.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Tick(nil), s.ticks...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecodeTick(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      string
		want    string
		at      time.Time
		wantErr bool
	}{
		{name: "string price", in: `{"symbol":"mes","price":"5001.25"}`, want: "5001.25", at: now},
		{name: "number price", in: `{"symbol":"MES","price":5001.5,"timestamp":"2026-03-02T14:31:00Z"}`, want: "5001.5", at: now.Add(time.Minute)},
		{name: "no symbol", in: `{"price":"1"}`, wantErr: true},
		{name: "zero price", in: `{"symbol":"MES","price":"0"}`, wantErr: true},
		{name: "garbage", in: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, err := DecodeTick([]byte(tt.in), now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decoded %+v", tick)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeTick: %v", err)
			}
			if tick.Symbol != "MES" || !tick.Price.Equal(decimal.RequireFromString(tt.want)) || !tick.Time.Equal(tt.at) {
				t.Fatalf("tick = %+v", tick)
			}
		})
	}
}

// chanBus is a MessageBus whose Subscribe hands out one scripted channel
// per call.
type chanBus struct {
	mu    sync.Mutex
	chans []chan []byte
	calls int
}

func (b *chanBus) Publish(context.Context, string, []byte) error      { return nil }
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.chans[b.calls]
	b.calls++
	return ch, nil
}

func (b *chanBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestRedisFeedFiltersAndResubscribes(t *testing.T) {
	first, second := make(chan []byte, 4), make(chan []byte, 4)
	mb := &chanBus{chans: []chan []byte{first, second}}
	s := &sink{}
	f := NewRedisFeed(mb, "orhub:ticks", []string{"MES"}, s, 10*time.Millisecond, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	first <- []byte(`{"symbol":"MES","price":"5000"}`)
	first <- []byte(`{"symbol":"MNQ","price":"18000"}`)
	first <- []byte(`not json`)
	close(first)
	waitFor(t, "resubscribe", func() bool { return mb.subscriptions() == 2 })

	second <- []byte(`{"symbol":"MES","price":"5001"}`)
	waitFor(t, "two ticks", func() bool { return len(s.got()) == 2 })
	got := s.got()
	if !got[0].Price.Equal(decimal.NewFromInt(5000)) || !got[1].Price.Equal(decimal.NewFromInt(5001)) {
		t.Fatalf("ticks = %+v", got)
	}
}

func TestWSFeedSubscribesAndStreams(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeMsg, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg subscribeMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		subscribed <- msg
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"MES","price":"5002.25"}`))
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	s := &sink{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewWSFeed(url, []string{"MES"}, s, 10*time.Millisecond, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case msg := <-subscribed:
		b, _ := json.Marshal(msg)
		if msg.Action != "subscribe" || len(msg.Symbols) != 1 || msg.Symbols[0] != "MES" {
			t.Fatalf("subscribe = %s", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message")
	}
	waitFor(t, "tick", func() bool { return len(s.got()) == 1 })
	if got := s.got()[0]; !got.Price.Equal(decimal.RequireFromString("5002.25")) {
		t.Fatalf("tick = %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
