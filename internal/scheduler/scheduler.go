// Package scheduler runs the periodic jobs: provider sweeps, webhook
// renewal and OAuth state cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

// Task is one periodic job. Runs of the same task never overlap.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of after the first
	// interval.
	RunOnStart bool
	// Timeout bounds one run; zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	wg      sync.WaitGroup
	started bool
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add registers t. Tasks added after Start are ignored.
func (s *Scheduler) Add(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: no run func", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: scheduler already started", t.Name)
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start runs every task on its own ticker until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.loop(ctx, t)
		}(t)
	}
}

// Wait blocks until every task loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	log.Printf("[INFO] scheduled %s every %s", t.Name, t.Interval)
	if t.RunOnStart {
		runOnce(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, t)
		}
	}
}

func runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] scheduled task %s panicked: %v", t.Name, r)
		}
	}()
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		log.Printf("[ERROR] scheduled task %s failed after %s: %v", t.Name, time.Since(start).Round(time.Millisecond), err)
	}
}

// Sweeper syncs every account of one provider.
type Sweeper interface {
	SweepProvider(ctx context.Context, name provider.Name) (syncer.SweepSummary, error)
}

// SweepTask syncs all accounts of name every interval.
func SweepTask(s Sweeper, name provider.Name, interval time.Duration) Task {
	return Task{
		Name:     "sweep-" + string(name),
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := s.SweepProvider(ctx, name)
			return err
		},
	}
}

// Renewer replaces push channels close to expiry.
type Renewer interface {
	RenewExpiring(ctx context.Context, window time.Duration) (webhook.RenewResult, error)
}

// RenewTask renews channels expiring within window. It runs at start so a
// restart after a long outage does not let channels lapse.
func RenewTask(r Renewer, interval, window time.Duration) Task {
	return Task{
		Name:       "webhook-renewal",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			_, err := r.RenewExpiring(ctx, window)
			return err
		},
	}
}

// StatePurger deletes expired OAuth states.
type StatePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PurgeTask removes expired OAuth states. Only the PostgreSQL state store
// needs it; Redis expires keys itself.
func PurgeTask(p StatePurger, interval time.Duration) Task {
	return Task{
		Name:     "oauth-state-purge",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := p.PurgeExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("[INFO] purged %d expired oauth states", n)
			}
			return nil
		},
	}
}

// LeaseReleaser fails sync leases whose holder went away.
type LeaseReleaser interface {
	ReleaseStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error)
}

// LeaseSweepTask releases leases older than ttl. Takeover on the next sync
// still works without it; the sweep keeps idle calendars from reporting
// syncing indefinitely.
func LeaseSweepTask(r LeaseReleaser, interval, ttl time.Duration) Task {
	return Task{
		Name:     "sync-lease-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := r.ReleaseStaleLeases(ctx, time.Now().Add(-ttl))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("[WARN] released %d abandoned sync leases", n)
			}
			return nil
		},
	}
}
