// Package scheduler runs periodic background jobs.
//
// A single dispatch loop sleeps until the earliest due job, then hands every
// due job to its own goroutine. A job never overlaps with itself: if the
// previous run is still going when the next tick comes, the tick is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownJob is returned by RunNow for ids that are not registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidSchedule is returned by AddJob for unusable schedules.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduler job runs by job and outcome (ok|error|skipped).",
		},
		[]string{"job", "outcome"},
	)
	jobLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Scheduler job duration including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobRuns, jobLat)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is either a fixed interval or a cron expression.
type Schedule struct {
	Every time.Duration
	Cron  string
}

// Interval returns a fixed-interval schedule.
func Interval(d time.Duration) Schedule { return Schedule{Every: d} }

// Cron returns a schedule driven by a five-field cron expression or a
// descriptor such as "@hourly".
func Cron(expr string) Schedule { return Schedule{Cron: expr} }

func (s Schedule) String() string {
	if s.Cron != "" {
		return "cron(" + s.Cron + ")"
	}
	return "every(" + s.Every.String() + ")"
}

// Func is a job body.
type Func func(ctx context.Context) error

// Job describes a registered job. MaxRetries extra attempts are made, with a
// short linear back-off, when Fn fails.
type Job struct {
	ID         string
	Name       string
	Schedule   Schedule
	Fn         Func
	MaxRetries int
}

type entry struct {
	job     Job
	sched   cron.Schedule
	next    time.Time
	running bool
}

// Scheduler owns the dispatch loop.
type Scheduler struct {
	retryDelay time.Duration
	now        func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	loop    sync.WaitGroup
	runs    sync.WaitGroup
}

// New returns a stopped scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		retryDelay: 100 * time.Millisecond,
		now:        time.Now,
		jobs:       map[string]*entry{},
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func compile(s Schedule) (cron.Schedule, error) {
	switch {
	case s.Cron != "" && s.Every != 0:
		return nil, fmt.Errorf("%w: both interval and cron set", ErrInvalidSchedule)
	case s.Cron != "":
		cs, err := parser.Parse(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return cs, nil
	case s.Every > 0:
		return every(s.Every), nil
	default:
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
}

// AddJob registers job, replacing any job with the same id. Adding the same
// job twice leaves one registration.
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" || job.Fn == nil {
		return fmt.Errorf("%w: job needs an id and a func", ErrInvalidSchedule)
	}
	cs, err := compile(job.Schedule)
	if err != nil {
		return err
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	s.mu.Lock()
	e := &entry{job: job, sched: cs, next: cs.Next(s.now())}
	if old, ok := s.jobs[job.ID]; ok {
		e.running = old.running
	}
	s.jobs[job.ID] = e
	s.mu.Unlock()
	s.poke()
	log.Debug().Str("job", job.ID).Str("schedule", job.Schedule.String()).Msg("job registered")
	return nil
}

// RemoveJob unregisters id. Removing an unknown id is a no-op. A run in
// progress is not interrupted.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

// Jobs returns the registered job ids.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// RunNow starts id in the background unless it is already running. It does
// not shift the job's regular schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	s.dispatchLocked(e)
	return nil
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.loop.Add(1)
	go s.run()
}

// Close stops the loop, cancels the context handed to running jobs, and
// waits for them until ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.loop.Wait()
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.loop.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.tick()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// tick dispatches due jobs and returns how long to sleep.
func (s *Scheduler) tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	wait := time.Hour
	for _, e := range s.jobs {
		if !e.next.After(now) {
			s.dispatchLocked(e)
			e.next = e.sched.Next(now)
		}
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (s *Scheduler) dispatchLocked(e *entry) {
	if e.running {
		jobRuns.WithLabelValues(e.job.ID, "skipped").Inc()
		return
	}
	// runs.Add must not race with the Wait in Close
	if s.closed {
		return
	}
	e.running = true
	s.runs.Add(1)
	go func(job Job) {
		defer s.runs.Done()
		s.execute(job)
		s.mu.Lock()
		if cur, ok := s.jobs[job.ID]; ok {
			cur.running = false
		}
		s.mu.Unlock()
	}(e.job)
}

func (s *Scheduler) execute(job Job) {
	start := time.Now()
	lg := log.With().Str("job", job.ID).Logger()

	var err error
	for attempt := 0; attempt <= job.MaxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * s.retryDelay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		err = s.call(job)
		if err == nil {
			break
		}
		lg.Warn().Err(err).Int("attempt", attempt+1).Msg("job failed")
	}
	jobLat.WithLabelValues(job.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		jobRuns.WithLabelValues(job.ID, "error").Inc()
		lg.Error().Err(err).Msg("job gave up")
		return
	}
	jobRuns.WithLabelValues(job.ID, "ok").Inc()
}

func (s *Scheduler) call(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.Fn(s.ctx)
}
