package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New()
	s.retryDelay = time.Millisecond
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestIntervalJobRunsRepeatedly(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32
	err := s.AddJob(Job{ID: "tick", Schedule: Interval(10 * time.Millisecond), Fn: func(context.Context) error {
		n.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	s.Start()
	eventually(t, func() bool { return n.Load() >= 3 })
}

func TestAddJob_Validation(t *testing.T) {
	s := newScheduler(t)
	fn := func(context.Context) error { return nil }
	cases := []Job{
		{ID: "", Schedule: Interval(time.Second), Fn: fn},
		{ID: "x", Schedule: Interval(time.Second)},
		{ID: "x", Schedule: Interval(0), Fn: fn},
		{ID: "x", Schedule: Cron("not a cron"), Fn: fn},
		{ID: "x", Schedule: Schedule{Every: time.Second, Cron: "@hourly"}, Fn: fn},
	}
	for i, j := range cases {
		if err := s.AddJob(j); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
	if err := s.AddJob(Job{ID: "c", Schedule: Cron("0 3 * * *"), Fn: fn}); err != nil {
		t.Fatalf("valid cron: %v", err)
	}
	if err := s.AddJob(Job{ID: "d", Schedule: Cron("@every 5s"), Fn: fn}); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	s := newScheduler(t)
	fn := func(context.Context) error { return nil }
	j := Job{ID: "a", Schedule: Interval(time.Hour), Fn: fn}
	s.AddJob(j)
	s.AddJob(j)
	if ids := s.Jobs(); len(ids) != 1 {
		t.Fatalf("jobs = %v", ids)
	}
	if !s.RemoveJob("a") {
		t.Fatalf("first remove should report true")
	}
	if s.RemoveJob("a") {
		t.Fatalf("second remove should report false")
	}
}

func TestRunNow(t *testing.T) {
	s := newScheduler(t)
	ran := make(chan struct{}, 4)
	s.AddJob(Job{ID: "slow", Schedule: Interval(time.Hour), Fn: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	if err := s.RunNow("slow"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not run")
	}
	if err := s.RunNow("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown = %v", err)
	}
}

func TestRunNow_DoesNotOverlap(t *testing.T) {
	s := newScheduler(t)
	release := make(chan struct{})
	var n atomic.Int32
	s.AddJob(Job{ID: "busy", Schedule: Interval(time.Hour), Fn: func(context.Context) error {
		n.Add(1)
		<-release
		return nil
	}})
	s.RunNow("busy")
	eventually(t, func() bool { return n.Load() == 1 })
	s.RunNow("busy")
	s.RunNow("busy")
	close(release)
	time.Sleep(20 * time.Millisecond)
	if n.Load() != 1 {
		t.Fatalf("runs = %d, want 1", n.Load())
	}
}

func TestRetriesUpToMax(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32
	done := make(chan struct{})
	s.AddJob(Job{ID: "flaky", Schedule: Interval(time.Hour), MaxRetries: 2, Fn: func(context.Context) error {
		if n.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}})
	s.RunNow("flaky")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("calls = %d, want 3", n.Load())
	}
}

func TestPanicIsContained(t *testing.T) {
	s := newScheduler(t)
	var n atomic.Int32
	s.AddJob(Job{ID: "p", Schedule: Interval(time.Hour), Fn: func(context.Context) error {
		n.Add(1)
		panic("boom")
	}})
	s.RunNow("p")
	eventually(t, func() bool { return n.Load() == 1 })
	// the job is runnable again once the panicking run finished
	eventually(t, func() bool {
		s.RunNow("p")
		return n.Load() >= 2
	})
}

func TestCloseCancelsJobs(t *testing.T) {
	s := New()
	started := make(chan struct{})
	s.AddJob(Job{ID: "wait", Schedule: Interval(time.Hour), Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Start()
	s.RunNow("wait")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.RunNow("wait"); err != nil {
		t.Fatalf("RunNow after close should be a no-op, got %v", err)
	}
}

func TestCloseRacingRunNowStartsNothingAfterwards(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := New()
		var n atomic.Int32
		s.AddJob(Job{ID: "j", Schedule: Interval(time.Hour), Fn: func(context.Context) error {
			n.Add(1)
			return nil
		}})
		s.Start()

		stop := make(chan struct{})
		spun := make(chan struct{})
		go func() {
			defer close(spun)
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.RunNow("j")
				}
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.Close(ctx); err != nil {
			cancel()
			t.Fatalf("Close: %v", err)
		}
		cancel()
		after := n.Load()
		time.Sleep(5 * time.Millisecond)
		close(stop)
		<-spun
		if got := n.Load(); got != after {
			t.Fatalf("iteration %d: %d runs started after Close", i, got-after)
		}
	}
}
