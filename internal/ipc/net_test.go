package ipc

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readLine(t *testing.T, r *bufio.Reader, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSpace(line)
}

func startListener(t *testing.T, cfg ListenerConfig) (*Listener, *Queue) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	q := NewQueue(16)
	l := NewListener(cfg, q, nil, discard())
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		l.Close(time.Second)
	})
	return l, q
}

func TestListenerEnqueuesAndAcks(t *testing.T) {
	l, q := startListener(t, ListenerConfig{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	// Two commands in one write, one command split across two writes.
	io.WriteString(conn, "LONG|MES|2\nBOGUS|X\nSYNC_TA")
	time.Sleep(20 * time.Millisecond)
	io.WriteString(conn, "RGET|MES|3\nHEARTBEAT|123\n")

	if got := readLine(t, r, conn); !strings.HasPrefix(got, "ACK|") {
		t.Fatalf("reply = %q, want ACK", got)
	}
	waitFor(t, "two commands", func() bool { return q.Len() == 2 })

	first, _ := q.TryDequeue()
	second, _ := q.TryDequeue()
	if first.Action != domain.ActionLong || first.Quantity != 2 {
		t.Fatalf("first = %+v", first)
	}
	if second.Action != domain.ActionSyncTarget || second.TargetNet.IntPart() != 3 {
		t.Fatalf("second = %+v", second)
	}
	if second.Source == "" || second.Received.IsZero() {
		t.Fatal("command not stamped with source and receive time")
	}
}

func TestListenerRateLimit(t *testing.T) {
	l, q := startListener(t, ListenerConfig{CommandsPerSecond: 0.001, Burst: 2})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	io.WriteString(conn, "LONG|MES|1\nLONG|MES|1\nLONG|MES|1\nLONG|MES|1\nHEARTBEAT|1\n")
	r := bufio.NewReader(conn)
	readLine(t, r, conn)

	if q.Len() != 2 {
		t.Fatalf("queued %d commands, want burst of 2", q.Len())
	}
}

func TestListenerServesOneConnectionAtATime(t *testing.T) {
	l, q := startListener(t, ListenerConfig{})

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	io.WriteString(first, "LONG|MES|1\n")
	waitFor(t, "first command", func() bool { return q.Len() == 1 })

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	io.WriteString(second, "SHORT|MES|1\n")
	time.Sleep(50 * time.Millisecond)
	if q.Len() != 1 {
		t.Fatal("second connection served while the first was open")
	}

	first.Close()
	waitFor(t, "second command", func() bool { return q.Len() == 2 })
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	q := NewQueue(1)
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"}, q, nil, discard())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	waitFor(t, "listener running", l.Running)

	if err := l.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.Running() {
		t.Fatal("still running after Close")
	}
}

func TestPoolBroadcastHeartbeatAndReports(t *testing.T) {
	q := NewQueue(16)
	p := NewPool(PoolConfig{Addr: "127.0.0.1:0", MaxAgents: 1, HeartbeatInterval: time.Hour}, q, nil, discard())
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	waitFor(t, "agent registered", func() bool { return len(p.Agents()) == 1 })

	// A second agent exceeds MaxAgents and is closed.
	extra, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); err == nil {
		t.Fatal("extra agent was not closed")
	}
	extra.Close()

	if n := p.Broadcast("LONG|MES|1"); n != 1 {
		t.Fatalf("Broadcast reached %d agents", n)
	}
	if got := readLine(t, r, conn); got != "LONG|MES|1" {
		t.Fatalf("agent got %q", got)
	}

	p.Heartbeat()
	if got := readLine(t, r, conn); !strings.HasPrefix(got, "HEARTBEAT|") {
		t.Fatalf("agent got %q, want heartbeat", got)
	}

	io.WriteString(conn, "ACK|1\nFILL|MES|1|100.25\nDATA|MES|1|2|3|4|5\n")
	waitFor(t, "agent reports queued", func() bool { return q.Len() == 2 })
	info := p.Agents()[0]
	if info.Acks != 1 || info.Fills != 1 {
		t.Fatalf("agent info = %+v", info)
	}
}

func TestPoolDropsSilentAgents(t *testing.T) {
	dropped := make(chan string, 4)
	p := NewPool(PoolConfig{
		Addr:              "127.0.0.1:0",
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Second,
		OnDrop:            func(_, reason string) { dropped <- reason },
	}, nil, nil, discard())
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "agent registered", func() bool { return len(p.Agents()) == 1 })

	p.now = func() time.Time { return time.Now().Add(5 * time.Second) }
	p.Heartbeat()
	if n := len(p.Agents()); n != 0 {
		t.Fatalf("agents = %d after timeout", n)
	}
	select {
	case reason := <-dropped:
		if reason != "heartbeat timeout" {
			t.Fatalf("drop reason = %q", reason)
		}
	default:
		t.Fatal("OnDrop not called")
	}
}

func TestClientReconnectsAndAnswersHeartbeats(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	q := NewQueue(16)
	c := NewClient(ClientConfig{HubAddr: ln.Addr().String(), Backoff: 20 * time.Millisecond}, q, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	hub, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	r := bufio.NewReader(hub)
	waitFor(t, "client connected", c.Connected)

	io.WriteString(hub, "HEARTBEAT|7\nSYNC_TARGET|MES|3\nACK|1\n")
	if got := readLine(t, r, hub); !strings.HasPrefix(got, "ACK|") {
		t.Fatalf("hub got %q, want ACK", got)
	}
	waitFor(t, "sync command", func() bool { return q.Len() == 1 })
	cmd, _ := q.TryDequeue()
	if cmd.Action != domain.ActionSyncTarget || cmd.Symbol != "MES" {
		t.Fatalf("cmd = %+v", cmd)
	}

	// Drop the connection; the client comes back after the backoff.
	hub.Close()
	waitFor(t, "client noticed disconnect", func() bool { return !c.Connected() })
	c.SendFill("MES", 2, cmd.TargetNet)

	hub2, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept after reconnect: %v", err)
	}
	defer hub2.Close()
	if got := readLine(t, bufio.NewReader(hub2), hub2); got != "FILL|MES|2|3" {
		t.Fatalf("hub got %q, want queued fill", got)
	}
}
