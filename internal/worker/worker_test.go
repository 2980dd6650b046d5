package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/syncer"
)

type countingSyncer struct {
	mu       sync.Mutex
	calls    map[int64]int
	active   int
	maxSeen  int
	delay    time.Duration
	failOn   int64
	deadline bool
}

func (c *countingSyncer) SyncCalendarByID(ctx context.Context, id int64) (*syncer.Result, error) {
	c.mu.Lock()
	c.calls[id]++
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	_, hasDeadline := ctx.Deadline()
	c.deadline = c.deadline || hasDeadline
	c.mu.Unlock()

	time.Sleep(c.delay)

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	switch id {
	case c.failOn:
		return nil, errors.New("boom")
	case 99:
		return &syncer.Result{Skipped: true}, syncer.ErrLeaseHeld
	}
	return &syncer.Result{Processed: 1, Errors: []string{}}, nil
}

func TestPoolProcessesEveryJob(t *testing.T) {
	q := queue.NewMemory(32)
	s := &countingSyncer{calls: map[int64]int{}, delay: 5 * time.Millisecond, failOn: 3}
	for id := int64(1); id <= 8; id++ {
		_, _ = q.Publish(context.Background(), queue.Job{CalendarID: id, Reason: queue.ReasonWebhook})
	}
	_, _ = q.Publish(context.Background(), queue.Job{CalendarID: 99})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(q, s, 3, time.Second)
	p.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.calls)
		s.mu.Unlock()
		if n == 9 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = q.Close()
	p.Wait()

	if len(s.calls) != 9 {
		t.Fatalf("expected 9 calendars synced, got %d", len(s.calls))
	}
	for id, n := range s.calls {
		if n != 1 {
			t.Fatalf("calendar %d synced %d times", id, n)
		}
	}
	if s.maxSeen > 3 {
		t.Fatalf("pool size exceeded: %d concurrent syncs", s.maxSeen)
	}
	if !s.deadline {
		t.Fatal("jobs should run with a timeout")
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	q := queue.NewMemory(4)
	p := New(q, &countingSyncer{calls: map[int64]int{}}, 2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after cancellation")
	}
}
