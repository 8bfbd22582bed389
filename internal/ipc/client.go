package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"github.com/shopspring/decimal"
)

// ClientConfig configures an agent's connection to the hub.
type ClientConfig struct {
	HubAddr     string
	Backoff     time.Duration
	DialTimeout time.Duration
	// OutboundBuffer is how many replies may wait for a connection.
	OutboundBuffer int
}

// Client is the agent side of the replication channel. It keeps a
// connection to the hub open, answers heartbeats, and enqueues every trade
// command it receives. Reconnection uses a fixed backoff and never gives up.
type Client struct {
	cfg     ClientConfig
	queue   *Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	dialer  net.Dialer

	out       chan string
	connected atomic.Bool
}

// NewClient creates a Client that feeds q.
func NewClient(cfg ClientConfig, q *Queue, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}
	return &Client{
		cfg:     cfg,
		queue:   q,
		metrics: m,
		logger:  logger.With(slog.String("component", "ipc_client")),
		now:     time.Now,
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
		out:     make(chan string, cfg.OutboundBuffer),
	}
}

// Connected reports whether a hub connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and reconnects to the hub until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WarnContext(ctx, "hub connection lost, reconnecting",
			slog.String("hub", c.cfg.HubAddr),
			slog.Duration("backoff", c.cfg.Backoff),
			slog.String("error", errString(err)),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.Backoff):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.HubAddr)
	if err != nil {
		return fmt.Errorf("ipc: dial %s: %w", c.cfg.HubAddr, err)
	}
	lc := newLineConn(conn)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sctx, func() { lc.Close() })
	defer stop()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.logger.InfoContext(ctx, "connected to hub", slog.String("hub", c.cfg.HubAddr))

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writeLoop(sctx, lc) }()

	sc := newScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.handle(ctx, line)
	}
	cancel()
	if err := <-writeErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ipc: read: %w", err)
	}
	return domain.ErrConnClosed
}

func (c *Client) writeLoop(ctx context.Context, lc *lineConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-c.out:
			if err := lc.WriteLine(line); err != nil {
				lc.Close()
				return err
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, line string) {
	if isHeartbeat(line) {
		c.Send(Ack(c.now()))
		return
	}
	cmd, err := Parse(line)
	if err != nil {
		c.metrics.CommandDropped("malformed")
		c.logger.WarnContext(ctx, "hub sent bad line",
			slog.String("line", line),
			slog.String("error", err.Error()),
		)
		return
	}
	switch cmd.Action {
	case domain.ActionAck, domain.ActionFill:
		return
	}
	cmd.Source = c.cfg.HubAddr
	cmd.Received = c.now()
	if !c.queue.Push(cmd) {
		c.metrics.CommandDropped("queue_full")
		c.logger.WarnContext(ctx, "command dropped: queue full", slog.String("line", line))
		return
	}
	c.metrics.Command(string(cmd.Action))
}

// Send queues line for the hub without blocking. Lines queued while
// disconnected are sent after the next connect.
func (c *Client) Send(line string) bool {
	select {
	case c.out <- line:
		return true
	default:
		c.logger.Warn("hub send queue full, line dropped", slog.String("line", line))
		return false
	}
}

// SendFill reports a local fill to the hub.
func (c *Client) SendFill(symbol string, qty int, price decimal.Decimal) bool {
	return c.Send(Fill(symbol, qty, price))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
