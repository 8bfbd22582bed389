package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (s *recSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recSender) Name() string { return s.name }

func (s *recSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

func TestNotifyContinuesPastFailingSender(t *testing.T) {
	bad := &recSender{name: "bad", err: errors.New("boom")}
	good := &recSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil, discard())

	err := n.Notify(context.Background(), EventUnprotected, "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v", err)
	}
	if good.count() != 1 {
		t.Fatal("second sender skipped after first failed")
	}
}

func TestAlertIsAsyncAndFiltered(t *testing.T) {
	s := &recSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventUnprotected}, nil, discard())

	n.Alert(EventAgentDropped, "filtered", "")
	n.Alert(EventUnprotected, "kept", "")
	if s.count() != 0 {
		t.Fatal("Alert delivered synchronously")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if s.count() != 1 || s.titles[0] != "kept" {
		t.Fatalf("delivered = %q", s.titles)
	}
}

func TestAlertOnNilNotifier(t *testing.T) {
	var n *Notifier
	n.Alert(EventUnprotected, "t", "m")
}

func TestAlertQueueFullDrops(t *testing.T) {
	n := NewNotifier([]Sender{&recSender{name: "rec"}}, nil, nil, discard())
	for range cap(n.queue) + 5 {
		n.Alert(EventUnprotected, "t", "m")
	}
	if len(n.queue) != cap(n.queue) {
		t.Fatalf("queue = %d", len(n.queue))
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "tok", "42")
	if err := s.Send(context.Background(), "Unprotected", "ORLong_1 MES"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bottok/sendMessage" || got["chat_id"] != "42" || got["text"] != "*Unprotected*\nORLong_1 MES" {
		t.Fatalf("path %q body %v", path, got)
	}
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if len([]rune(body["content"])) > discordLimit {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", strings.Repeat("x", 3000))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}
