package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alanyoungcy/orhub/internal/domain"
)

const writeTimeout = 5 * time.Second

// lineConn serializes writes to one socket. Reads belong to a single
// goroutine and are not locked.
type lineConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func newLineConn(c net.Conn) *lineConn {
	return &lineConn{conn: c}
}

// WriteLine sends line followed by a newline.
func (c *lineConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("ipc: set deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("ipc: write: %w", err)
	}
	return nil
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

func (c *lineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// scanner frames the stream by newline with a bounded line length.
func newScanner(c net.Conn) *bufio.Scanner {
	s := bufio.NewScanner(c)
	s.Buffer(make([]byte, 4096), MaxLineBytes)
	return s
}

// enqueue decodes line and pushes it onto q, reporting why it was dropped
// when it was.
func enqueue(q *Queue, line, source string, now time.Time) (domain.Command, error) {
	cmd, err := Parse(line)
	if err != nil {
		return cmd, err
	}
	cmd.Source = source
	cmd.Received = now
	if !q.Push(cmd) {
		return cmd, errQueueFull
	}
	return cmd, nil
}

var errQueueFull = errors.New("ipc: command queue full")
