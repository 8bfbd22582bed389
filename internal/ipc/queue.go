package ipc

import (
	"sync"

	"github.com/alanyoungcy/orhub/internal/domain"
)

// DefaultQueueSize bounds how many undelivered commands are held before new
// ones are dropped.
const DefaultQueueSize = 1024

// Queue is a bounded FIFO of decoded commands. Any number of goroutines may
// push; the tick driver is the only consumer.
type Queue struct {
	mu    sync.Mutex
	items []domain.Command
	limit int
}

// NewQueue creates a Queue holding at most limit commands; limit <= 0 uses
// DefaultQueueSize.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	return &Queue{limit: limit}
}

// Push appends cmd. It returns false when the queue is full.
func (q *Queue) Push(cmd domain.Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, cmd)
	return true
}

// TryDequeue removes and returns the oldest command without blocking.
func (q *Queue) TryDequeue() (domain.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.Command{}, false
	}
	cmd := q.items[0]
	q.items[0] = domain.Command{}
	q.items = q.items[1:]
	return cmd, true
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
