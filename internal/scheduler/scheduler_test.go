package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/syncer"
	"github.com/jw6ventures/calsync/internal/webhook"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAddValidates(t *testing.T) {
	s := New()
	if err := s.Add(Task{Name: "x", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if err := s.Add(Task{Name: "x", Interval: time.Second}); err == nil {
		t.Fatal("expected error for missing run func")
	}
}

func TestTasksRunRepeatedlyAndStop(t *testing.T) {
	var runs int32
	s := New()
	_ = s.Add(Task{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("failures are logged, not fatal")
	}})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) >= 3 })
	cancel()
	s.Wait()

	if err := s.Add(Task{Name: "late", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("adding after start should fail")
	}
}

func TestRunOnStartAndPanicRecovery(t *testing.T) {
	var runs int32
	s := New()
	_ = s.Add(Task{Name: "boot", Interval: time.Hour, RunOnStart: true, Run: func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("first run")
		}
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 1 })
	cancel()
	s.Wait()
}

func TestRunHasTimeout(t *testing.T) {
	got := make(chan bool, 1)
	runOnce(context.Background(), Task{Name: "t", Interval: time.Hour, Timeout: time.Minute, Run: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		got <- ok && time.Until(dl) <= time.Minute
		return nil
	}})
	if !<-got {
		t.Fatal("run context should carry the task timeout")
	}
}

type fakeSweeper struct{ names []provider.Name }

func (f *fakeSweeper) SweepProvider(ctx context.Context, name provider.Name) (syncer.SweepSummary, error) {
	f.names = append(f.names, name)
	return syncer.SweepSummary{}, nil
}

type fakeRenewer struct{ window time.Duration }

func (f *fakeRenewer) RenewExpiring(ctx context.Context, window time.Duration) (webhook.RenewResult, error) {
	f.window = window
	return webhook.RenewResult{}, nil
}

type fakeReleaser struct{ staleBefore time.Time }

func (f *fakeReleaser) ReleaseStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error) {
	f.staleBefore = staleBefore
	return 1, nil
}

type fakePurger struct{ calls int }

func (f *fakePurger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	f.calls++
	return 2, nil
}

func TestTaskConstructors(t *testing.T) {
	sw := &fakeSweeper{}
	task := SweepTask(sw, provider.Microsoft, time.Hour)
	if task.Name != "sweep-microsoft" || task.Interval != time.Hour {
		t.Fatalf("unexpected task %+v", task)
	}
	_ = task.Run(context.Background())
	if len(sw.names) != 1 || sw.names[0] != provider.Microsoft {
		t.Fatalf("sweep ran for %v", sw.names)
	}

	r := &fakeRenewer{}
	renew := RenewTask(r, 24*time.Hour, 48*time.Hour)
	if !renew.RunOnStart {
		t.Fatal("renewal should run at start")
	}
	_ = renew.Run(context.Background())
	if r.window != 48*time.Hour {
		t.Fatalf("renewal window = %s", r.window)
	}

	p := &fakePurger{}
	if err := PurgeTask(p, time.Minute).Run(context.Background()); err != nil || p.calls != 1 {
		t.Fatalf("purge run: %v, %d calls", err, p.calls)
	}
}

func TestLeaseSweepTaskUsesTTL(t *testing.T) {
	r := &fakeReleaser{}
	task := LeaseSweepTask(r, 5*time.Minute, 15*time.Minute)
	if task.Name != "sync-lease-sweep" || task.Interval != 5*time.Minute {
		t.Fatalf("unexpected task %+v", task)
	}
	before := time.Now()
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	after := time.Now()
	if r.staleBefore.Before(before.Add(-15*time.Minute)) || r.staleBefore.After(after.Add(-15*time.Minute)) {
		t.Fatalf("staleBefore = %v, want about 15m before %v", r.staleBefore, before)
	}
}
