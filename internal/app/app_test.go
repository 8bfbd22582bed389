package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/config"
	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/ipc"
	"github.com/shopspring/decimal"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "paper"
	cfg.IPC.ListenAddr = "127.0.0.1:0"
	cfg.IPC.PoolAddr = "127.0.0.1:0"
	cfg.Server.Enabled = false
	cfg.Engine.TickInterval.Duration = 5 * time.Millisecond
	cfg.Paper.StartingPrices = map[string]decimal.Decimal{"MES": decimal.NewFromInt(5000)}
	return &cfg
}

func TestWireWithoutRedis(t *testing.T) {
	cfg := testConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()
	if deps.Redis != nil || deps.MessageBus != nil || deps.Locks != nil {
		t.Fatal("redis wired while disabled")
	}
	inst, err := deps.Bracket.Instrument("MES")
	if err != nil || !inst.PointValue.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("MES = %+v, %v", inst, err)
	}
	if px, ok := deps.Tracker.LastPrice("MES"); !ok || !px.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("seed price = %v %v", px, ok)
	}
	accounts, err := deps.Replicator.Accounts(context.Background())
	if err != nil || len(accounts) != 2 {
		t.Fatalf("replicated accounts = %v, %v", accounts, err)
	}
}

func TestPaperModeTradesAcrossAccounts(t *testing.T) {
	cfg := testConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	a := New(cfg, discard())
	a.notifier = deps.Notifier
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.PaperMode(ctx, deps) }()

	deps.Queue.Push(domain.Command{Action: domain.ActionLong, Symbol: "MES", Quantity: 1, Source: "test"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		pos := deps.Gateway.Positions()
		if len(pos) == 2 && pos[0].Net == 1 && pos[1].Net == 1 {
			if pos[0].Account != "Apex-1" || pos[1].Account != "Apex-2" {
				t.Fatalf("positions = %+v", pos)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("positions = %+v", pos)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PaperMode: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("PaperMode did not stop")
	}
}

func TestRunListenerStopsWithClientAttached(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, discard())
	l := ipc.NewListener(ipc.ListenerConfig{Addr: "127.0.0.1:0"}, ipc.NewQueue(16), nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.runListener(ctx, l) }()

	deadline := time.Now().Add(2 * time.Second)
	for !l.Running() {
		if time.Now().After(deadline) {
			t.Fatal("listener never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runListener: %v", err)
		}
	case <-time.After(listenerStopTimeout + time.Second):
		t.Fatal("runListener did not return")
	}
	if l.Running() {
		t.Fatal("listener still running")
	}
}
