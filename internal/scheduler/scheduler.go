// Package scheduler implements C11: periodic background jobs driven off an
// injected clock.Clock, mirroring the teacher's internal/cli/tail.go
// ticker usage (clk.Ticker(interval), deferred Stop) generalized from a
// one-shot CLI command's summary/heartbeat tickers into long-lived,
// cancellable jobs with two swappable execution backends.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Callback is a scheduled job's body. params is passed through verbatim
// from GetJob, matching spec.md §4.9's get_job(callback, ..., params, ...).
type Callback func(ctx context.Context, params map[string]any) error

// Backend runs a Job's ticks. WorkerPool (default) runs each job's callback
// on that job's own ticking goroutine, so a slow callback cannot delay other
// jobs' ticks; SingleThread hands every job's callback to one shared worker
// goroutine, one at a time, matching the original's "single-thread cooperative
// loop" alternative (spec.md §4.9, DESIGN NOTES §9).
type Backend int

const (
	WorkerPool Backend = iota
	SingleThread
)

// Job is one periodic task. Created paused; Start begins ticking.
type Job struct {
	name               string
	interval           time.Duration
	params             map[string]any
	cancelOnException  bool
	misfireGrace       time.Duration
	callback           Callback

	sched *Scheduler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start begins ticking the job against the scheduler's backend. Calling
// Start on an already-running job is a no-op (jobs are idempotently
// startable, matching goto_state's re-entrant idiom elsewhere in this
// runtime).
func (j *Job) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(j.sched.ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true
	j.mu.Unlock()

	backend := j.sched.currentBackend()
	j.sched.dispatch(func() { j.run(ctx, backend) })
}

// Cancel pauses the job; it is safe to call repeatedly and never blocks
// past the current in-flight tick.
func (j *Job) Cancel() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the job is currently ticking.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) run(ctx context.Context, backend Backend) {
	defer close(j.done)
	ticker := j.sched.clk.Ticker(j.interval)
	defer ticker.Stop()

	invoke := func(tick time.Time) (stop bool) {
		if j.misfireGrace > 0 && j.sched.clk.Now().Sub(tick) > j.misfireGrace {
			j.sched.logger.Warn("scheduler: tick missed its misfire grace, skipping",
				zap.String("job", j.name), zap.Duration("grace", j.misfireGrace))
			return false
		}
		if err := j.callback(ctx, j.params); err != nil {
			j.sched.logger.Error("scheduler: job callback failed",
				zap.String("job", j.name), zap.Error(err))
			if j.cancelOnException {
				j.Cancel()
				return true
			}
		}
		return false
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if backend == SingleThread {
				// Hand the actual callback invocation to the scheduler's
				// one dedicated worker, so no two jobs' callbacks ever run
				// concurrently — ticking stays per-job, execution is
				// single-threaded.
				done := make(chan bool, 1)
				select {
				case j.sched.singleThreadWork() <- func() { done <- invoke(tick) }:
				case <-ctx.Done():
					return
				}
				select {
				case stop := <-done:
					if stop {
						return
					}
				case <-ctx.Done():
					return
				}
			} else if invoke(tick) {
				return
			}
		}
	}
}

// Scheduler owns a backend and every Job created against it. Switching
// backends is process-wide: spec.md §4.9 describes it as stopping every
// job on the old backend and starting fresh, which SetBackend implements
// by cancelling every running job and re-Start-ing the ones that were
// running before the switch.
type Scheduler struct {
	clk    clock.Clock
	logger *zap.Logger
	ctx    context.Context

	mu         sync.Mutex
	backend    Backend
	group      *errgroup.Group
	jobs       []*Job
	singleCh   chan func()
	singleOnce sync.Once
}

// Option configures a new Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithBackend(b Backend) Option {
	return func(s *Scheduler) { s.backend = b }
}

// New creates a Scheduler bound to ctx; cancelling ctx stops every job.
func New(ctx context.Context, clk clock.Clock, opts ...Option) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	g, gctx := errgroup.WithContext(ctx)
	s := &Scheduler{clk: clk, logger: zap.NewNop(), ctx: gctx, group: g}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetJob implements spec.md §4.9's get_job: the returned Job is created
// paused. cancelOnException, when true, cancels the job after an exception
// from callback is logged (rather than letting the tick loop continue).
// misfireGrace bounds how late a tick may fire (against the scheduler's
// clock) before it is skipped instead of run — 0 disables the check.
func (s *Scheduler) GetJob(name string, callback Callback, interval time.Duration, params map[string]any, cancelOnException bool, misfireGrace time.Duration) *Job {
	j := &Job{
		name:               name,
		interval:           interval,
		params:             params,
		cancelOnException:  cancelOnException,
		misfireGrace:       misfireGrace,
		callback:           callback,
		sched:              s,
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return j
}

func (s *Scheduler) currentBackend() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// dispatch submits fn (a job's tick-wait loop) to the errgroup. Every job
// gets its own lightweight ticking goroutine regardless of backend — what
// the backend actually controls is whether the *callback* each tick fires
// runs inline (WorkerPool: concurrent across jobs) or handed to the single
// shared worker goroutine singleThreadWork starts lazily (SingleThread:
// serialized across jobs), matching spec.md §4.9's worker-pool-vs-
// single-thread-cooperative-loop choice without blocking Start's caller.
func (s *Scheduler) dispatch(fn func()) {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	group.Go(func() error {
		fn()
		return nil
	})
}

// singleThreadWork lazily starts the one dedicated goroutine that services
// every SingleThread-backend job's callback invocations, and returns the
// channel jobs submit work to.
func (s *Scheduler) singleThreadWork() chan<- func() {
	s.singleOnce.Do(func() {
		s.mu.Lock()
		s.singleCh = make(chan func())
		ctx := s.ctx
		ch := s.singleCh
		group := s.group
		s.mu.Unlock()
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case work := <-ch:
					work()
				}
			}
		})
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleCh
}

// SetBackend switches the active backend. Every currently running job is
// cancelled and, once its in-flight tick (if any) has returned, restarted
// fresh on the new backend — a process-wide operation, per spec.md §4.9.
func (s *Scheduler) SetBackend(b Backend) {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	g, gctx := errgroup.WithContext(s.ctx)
	s.backend = b
	s.group = g
	s.ctx = gctx
	s.singleCh = nil
	s.singleOnce = sync.Once{}
	s.mu.Unlock()

	var running []*Job
	for _, j := range jobs {
		if j.Running() {
			running = append(running, j)
		}
	}
	for _, j := range running {
		j.Cancel()
	}
	for _, j := range running {
		j.mu.Lock()
		done := j.done
		j.mu.Unlock()
		if done != nil {
			<-done
		}
	}
	for _, j := range running {
		j.Start()
	}
}

// Wait blocks until every WorkerPool-dispatched job tick submitted so far
// has returned. Jobs that are still running (ticker not yet cancelled)
// keep the wait open, so callers typically pair this with a context
// cancellation rather than calling it from a long-lived process.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	return g.Wait()
}
