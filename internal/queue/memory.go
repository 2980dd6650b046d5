package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// DefaultCapacity bounds the in-memory queue.
const DefaultCapacity = 1024

// Memory is a bounded in-process queue holding at most one pending job per
// calendar. A calendar becomes publishable again as soon as a consumer picks
// its job up.
type Memory struct {
	mu      sync.Mutex
	jobs    chan Job
	pending map[int64]struct{}
	closed  bool
	now     func() time.Time
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		jobs:    make(chan Job, capacity),
		pending: make(map[int64]struct{}),
		now:     time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, dup := m.pending[job.CalendarID]; dup {
		return false, nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = m.now().UTC()
	}
	select {
	case m.jobs <- job:
	default:
		return false, ErrFull
	}
	m.pending[job.CalendarID] = struct{}{}
	metrics.SetQueueDepth(len(m.pending))
	return true, nil
}

// Consume may be called by several workers; each job is delivered once.
func (m *Memory) Consume(ctx context.Context) (<-chan Job, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-m.jobs:
				if !ok {
					return
				}
				m.release(job.CalendarID)
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) release(calendarID int64) {
	m.mu.Lock()
	delete(m.pending, calendarID)
	metrics.SetQueueDepth(len(m.pending))
	m.mu.Unlock()
}

// Len returns the number of pending jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	return nil
}
