// Package worker drains the sync job queue with a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/queue"
	"github.com/jw6ventures/calsync/internal/syncer"
)

// DefaultJobTimeout bounds a single calendar sync.
const DefaultJobTimeout = 5 * time.Minute

// Syncer runs one calendar sync.
type Syncer interface {
	SyncCalendarByID(ctx context.Context, calendarID int64) (*syncer.Result, error)
}

type Pool struct {
	jobs       queue.Client
	syncer     Syncer
	size       int
	jobTimeout time.Duration
	wg         sync.WaitGroup
}

func New(jobs queue.Client, s Syncer, size int, jobTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Pool{jobs: jobs, syncer: s, size: size, jobTimeout: jobTimeout}
}

// Start launches the workers. They stop when ctx is cancelled or the queue
// closes; Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(idx int) {
			defer p.wg.Done()
			jobs, err := p.jobs.Consume(ctx)
			if err != nil {
				log.Printf("[ERROR] worker %d failed to consume: %v", idx, err)
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					p.process(ctx, idx, job)
				}
			}
		}(i)
	}
	log.Printf("[INFO] started %d sync workers", p.size)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) process(ctx context.Context, idx int, job queue.Job) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.syncer.SyncCalendarByID(ctx, job.CalendarID)
	switch {
	case errors.Is(err, syncer.ErrLeaseHeld):
		log.Printf("[INFO] worker %d: calendar %d already syncing, %s job dropped", idx, job.CalendarID, job.Reason)
	case err != nil:
		log.Printf("[ERROR] worker %d: %s sync of calendar %d failed: %v", idx, job.Reason, job.CalendarID, err)
	default:
		log.Printf("[INFO] worker %d: calendar %d synced in %s (%d processed, %d created, %d updated, %d deleted, %d errors)",
			idx, job.CalendarID, time.Since(start).Round(time.Millisecond), res.Processed, res.Created, res.Updated, res.Deleted, len(res.Errors))
	}
}
