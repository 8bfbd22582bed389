package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// PoolConfig configures the hub-side agent pool.
type PoolConfig struct {
	Addr              string
	MaxAgents         int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// OutboundBuffer is the per-agent send queue length.
	OutboundBuffer int
	// OnDrop, when set, is called after an agent is removed for any reason
	// other than pool shutdown. It must not block.
	OnDrop func(agentID, reason string)
}

// AgentInfo describes one connected agent.
type AgentInfo struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Acks      int64     `json:"acks"`
	Fills     int64     `json:"fills"`
}

type agent struct {
	id        string
	conn      *lineConn
	out       chan string
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time
	lastSeen  atomic.Int64
	acks      atomic.Int64
	fills     atomic.Int64
}

func (a *agent) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.Close()
	})
}

func (a *agent) touch(t time.Time) { a.lastSeen.Store(t.UnixNano()) }

// Pool accepts agent connections on the hub, keeps them alive with
// heartbeats, and broadcasts replicated commands. Telemetry and fill
// reports from agents are pushed onto the command queue.
type Pool struct {
	cfg     PoolConfig
	queue   *Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	ln     net.Listener
	agents map[string]*agent
	seq    int
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates an agent pool. q may be nil when agent reports are not
// consumed.
func NewPool(cfg PoolConfig, q *Queue, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 20
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}
	return &Pool{
		cfg:     cfg,
		queue:   q,
		metrics: m,
		logger:  logger.With(slog.String("component", "agent_pool")),
		now:     time.Now,
		agents:  make(map[string]*agent),
	}
}

// Listen binds the pool address. Run calls it when needed.
func (p *Pool) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ipc: pool listen %s: %w", p.cfg.Addr, err)
	}
	p.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (p *Pool) Addr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Run accepts agents and sends heartbeats until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "agent pool started",
		slog.String("addr", p.Addr().String()),
		slog.Int("max_agents", p.cfg.MaxAgents),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.acceptLoop(gctx) })
	g.Go(func() error { return p.heartbeatLoop(gctx) })
	stop := context.AfterFunc(gctx, p.shutdown)
	defer stop()

	err := g.Wait()
	p.shutdown()
	p.wg.Wait()
	p.logger.Info("agent pool stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pool) acceptLoop(ctx context.Context) error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.WarnContext(ctx, "agent accept failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		a, ok := p.register(conn)
		if !ok && ctx.Err() != nil {
			conn.Close()
			return ctx.Err()
		}
		if !ok {
			p.logger.WarnContext(ctx, "agent rejected: pool full",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Int("max_agents", p.cfg.MaxAgents),
			)
			conn.Close()
			continue
		}
		p.wg.Add(2)
		go p.writeLoop(a)
		go p.readLoop(ctx, a)
	}
}

func (p *Pool) register(conn net.Conn) (*agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.agents) >= p.cfg.MaxAgents {
		return nil, false
	}
	p.seq++
	now := p.now()
	a := &agent{
		id:        AgentPrefix + strconv.Itoa(p.seq),
		conn:      newLineConn(conn),
		out:       make(chan string, p.cfg.OutboundBuffer),
		done:      make(chan struct{}),
		connected: now,
	}
	a.touch(now)
	p.agents[a.id] = a
	p.metrics.SetAgents(len(p.agents))
	p.logger.Info("agent connected",
		slog.String("agent", a.id),
		slog.String("remote", a.conn.RemoteAddr()),
		slog.Int("agents", len(p.agents)),
	)
	return a, true
}

func (p *Pool) drop(a *agent, reason string) {
	p.mu.Lock()
	if _, ok := p.agents[a.id]; ok {
		delete(p.agents, a.id)
		p.metrics.SetAgents(len(p.agents))
		p.logger.Info("agent disconnected",
			slog.String("agent", a.id),
			slog.String("reason", reason),
			slog.Int("agents", len(p.agents)),
		)
	} else {
		reason = ""
	}
	p.mu.Unlock()
	a.close()
	if reason != "" && reason != "shutdown" && p.cfg.OnDrop != nil {
		p.cfg.OnDrop(a.id, reason)
	}
}

func (p *Pool) writeLoop(a *agent) {
	defer p.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case line := <-a.out:
			if err := a.conn.WriteLine(line); err != nil {
				p.drop(a, "write failed: "+err.Error())
				return
			}
		}
	}
}

func (p *Pool) readLoop(ctx context.Context, a *agent) {
	defer p.wg.Done()
	sc := newScanner(a.conn.conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.touch(p.now())
		p.handle(ctx, a, line)
	}
	reason := "closed by peer"
	if err := sc.Err(); err != nil {
		reason = err.Error()
	}
	p.drop(a, reason)
}

func (p *Pool) handle(ctx context.Context, a *agent, line string) {
	cmd, err := Parse(line)
	if err != nil {
		p.metrics.CommandDropped("malformed")
		p.logger.WarnContext(ctx, "agent sent bad line",
			slog.String("agent", a.id),
			slog.String("line", line),
			slog.String("error", err.Error()),
		)
		return
	}
	p.metrics.Command(string(cmd.Action))

	switch cmd.Action {
	case domain.ActionAck:
		a.acks.Add(1)
		p.logger.DebugContext(ctx, "agent ack", slog.String("agent", a.id), slog.String("ts", cmd.Timestamp))
	case domain.ActionHeartbeat:
		p.sendTo(a, Ack(p.now()))
	case domain.ActionFill, domain.ActionData:
		if cmd.Action == domain.ActionFill {
			a.fills.Add(1)
			p.logger.InfoContext(ctx, "agent fill",
				slog.String("agent", a.id),
				slog.String("symbol", cmd.Symbol),
				slog.Int("qty", cmd.Quantity),
				slog.String("price", cmd.Price.String()),
			)
		}
		if p.queue == nil {
			return
		}
		cmd.Source = a.id
		cmd.Received = p.now()
		if !p.queue.Push(cmd) {
			p.metrics.CommandDropped("queue_full")
		}
	default:
		p.logger.WarnContext(ctx, "agent sent unexpected command",
			slog.String("agent", a.id),
			slog.String("action", string(cmd.Action)),
		)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Heartbeat()
		}
	}
}

// Heartbeat drops agents that have been silent longer than the timeout and
// probes the rest.
func (p *Pool) Heartbeat() {
	now := p.now()
	line := Heartbeat(now)
	for _, a := range p.snapshot() {
		silent := now.Sub(time.Unix(0, a.lastSeen.Load()))
		if silent > p.cfg.HeartbeatTimeout {
			p.drop(a, "heartbeat timeout")
			continue
		}
		p.sendTo(a, line)
	}
}

// Broadcast queues line for every connected agent and returns how many
// accepted it. It never blocks; an agent with a full send queue misses the
// line.
func (p *Pool) Broadcast(line string) int {
	n := 0
	for _, a := range p.snapshot() {
		if p.sendTo(a, line) {
			n++
		}
	}
	return n
}

func (p *Pool) sendTo(a *agent, line string) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.out <- line:
		return true
	default:
		p.logger.Warn("agent send queue full, line dropped",
			slog.String("agent", a.id),
			slog.String("line", line),
		)
		return false
	}
}

// Agents lists connected agents ordered by id.
func (p *Pool) Agents() []AgentInfo {
	agents := p.snapshot()
	out := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentInfo{
			ID:        a.id,
			Addr:      a.conn.RemoteAddr(),
			Connected: a.connected,
			LastSeen:  time.Unix(0, a.lastSeen.Load()),
			Acks:      a.acks.Load(),
			Fills:     a.fills.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) snapshot() []*agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	return out
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	p.closed = true
	if p.ln != nil {
		p.ln.Close()
	}
	agents := make([]*agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.mu.Unlock()
	for _, a := range agents {
		p.drop(a, "shutdown")
	}
}
