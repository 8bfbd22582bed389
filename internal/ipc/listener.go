package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
	"github.com/alanyoungcy/orhub/internal/metrics"
	"golang.org/x/time/rate"
)

// ListenerConfig configures the command listener.
type ListenerConfig struct {
	Addr string
	// CommandsPerSecond limits inbound commands per connection; zero means
	// unlimited. HEARTBEAT is never limited.
	CommandsPerSecond float64
	Burst             int
}

// Listener accepts one command connection at a time and enqueues every
// decoded line. It never touches the ledger.
type Listener struct {
	cfg     ListenerConfig
	queue   *Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	ln      net.Listener
	current *lineConn

	running   atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewListener creates a Listener that feeds q.
func NewListener(cfg ListenerConfig, q *Queue, m *metrics.Metrics, logger *slog.Logger) *Listener {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Listener{
		cfg:     cfg,
		queue:   q,
		metrics: m,
		logger:  logger.With(slog.String("component", "ipc_listener")),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Listen binds the configured address. Run calls it when needed.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Running reports whether the accept loop is active.
func (l *Listener) Running() bool {
	return l.running.Load()
}

// Run accepts connections until ctx is cancelled or Close is called.
// Connections are served one after another on this goroutine.
func (l *Listener) Run(ctx context.Context) error {
	l.started.Store(true)
	defer close(l.done)
	if err := l.Listen(); err != nil {
		return err
	}
	l.running.Store(true)
	if l.closed.Load() {
		l.running.Store(false)
		l.ln.Close()
		return nil
	}
	stop := context.AfterFunc(ctx, l.shutdown)
	defer stop()

	l.logger.InfoContext(ctx, "command listener started", slog.String("addr", l.Addr().String()))
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.running.Load() {
				l.logger.Info("command listener stopped")
				return nil
			}
			l.logger.WarnContext(ctx, "accept failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	lc := newLineConn(conn)
	l.mu.Lock()
	l.current = lc
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
		lc.Close()
	}()
	// Close may have run between Accept and registering the connection.
	if !l.running.Load() {
		return
	}

	source := lc.RemoteAddr()
	log := l.logger.With(slog.String("remote", source))
	log.Info("command connection opened")

	limiter := rate.NewLimiter(rate.Inf, l.cfg.Burst)
	if l.cfg.CommandsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.CommandsPerSecond), l.cfg.Burst)
	}

	sc := newScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if isHeartbeat(line) {
			if err := lc.WriteLine(Ack(l.now())); err != nil {
				log.Warn("heartbeat reply failed", slog.String("error", err.Error()))
				return
			}
			continue
		}
		if !limiter.Allow() {
			l.metrics.CommandDropped("rate_limited")
			log.Warn("command dropped: rate limited", slog.String("line", line))
			continue
		}
		cmd, err := enqueue(l.queue, line, source, l.now())
		if err != nil {
			l.drop(ctx, log, line, err)
			continue
		}
		l.metrics.Command(string(cmd.Action))
	}

	switch err := sc.Err(); {
	case err == nil:
		log.Info("command connection closed")
	case !l.running.Load():
	default:
		log.Warn("command connection failed", slog.String("error", err.Error()))
	}
}

func (l *Listener) drop(ctx context.Context, log *slog.Logger, line string, err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, domain.ErrUnknownAction):
		reason = "unknown_action"
	case errors.Is(err, errQueueFull):
		reason = "queue_full"
	}
	l.metrics.CommandDropped(reason)
	log.WarnContext(ctx, "command dropped",
		slog.String("reason", reason),
		slog.String("line", line),
		slog.String("error", err.Error()),
	)
}

// shutdown clears the running flag and closes the sockets so blocked
// Accept and Read calls return.
func (l *Listener) shutdown() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.running.Store(false)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.ln != nil {
			l.ln.Close()
		}
		if l.current != nil {
			l.current.Close()
		}
	})
}

// Close stops the listener and waits up to timeout for Run to return.
func (l *Listener) Close(timeout time.Duration) error {
	l.shutdown()
	if !l.started.Load() {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ipc: listener did not stop within %s", timeout)
	}
}

func isHeartbeat(line string) bool {
	head, _, _ := strings.Cut(line, Sep)
	return strings.EqualFold(strings.TrimSpace(head), string(domain.ActionHeartbeat))
}
