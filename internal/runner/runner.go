// Package runner implements C7: the shared worker pool that starts
// observers, races their completion against a timeout and the ambient
// context, and force-completes an observer that overstays its welcome.
// Grounded on the teacher's watch.go trigger pipeline — an errgroup.Group
// paired with a capacity-bounded semaphore channel — generalized from
// "run at most N shell triggers at once" to "run at most N observers at once".
package runner

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/observer"
	"golang.org/x/sync/errgroup"
)

// Awaitable is the subset of observer.Base's promoted method set the runner
// needs. *command.Command and *event.Event both satisfy it by embedding
// *observer.Base.
type Awaitable interface {
	Done() bool
	AddDoneCallback(cb observer.DoneFunc)
	Cancel() error
	SetException(err error) error
	Result() (any, error)
}

// Runner is a bounded worker pool: at most Capacity observers run at once
// (spec §4.6: "a shared thread/task pool... parallel workers, not
// single-threaded cooperative").
type Runner struct {
	clk   clock.Clock
	sem   chan struct{}
	group *errgroup.Group
	ctx   context.Context
}

// New creates a Runner bound to ctx; cancelling ctx cancels every observer
// currently in flight. capacity<=0 means unbounded.
func New(ctx context.Context, capacity int, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	g, gctx := errgroup.WithContext(ctx)
	r := &Runner{clk: clk, group: g, ctx: gctx}
	if capacity > 0 {
		r.sem = make(chan struct{}, capacity)
	}
	return r
}

// Run starts obs via start and blocks the calling goroutine until obs
// completes, the timeout elapses (errs.ErrTimeout is then latched),
// or the runner's context is cancelled (the observer is then Cancel()'d).
// timeout<=0 means no deadline. If start itself fails, Run returns that
// error directly without racing anything.
func (r *Runner) Run(obs Awaitable, start func() error, timeout time.Duration) error {
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			_ = obs.Cancel()
			return r.ctx.Err()
		}
		defer func() { <-r.sem }()
	}

	if err := start(); err != nil {
		return err
	}

	// AddDoneCallback fires immediately if obs already finished inside start
	// (e.g. a guard failure), so done is always closed exactly once either way.
	done := make(chan struct{})
	obs.AddDoneCallback(func(any, error) { close(done) })

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := r.clk.Timer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-done:
	case <-timeoutC:
		_ = obs.SetException(errs.ErrTimeout)
	case <-r.ctx.Done():
		_ = obs.Cancel()
	}

	_, err := obs.Result()
	return err
}

// Go submits obs to run concurrently with other submissions to this
// Runner, returning immediately; call Wait to block until every submission
// started so far has finished.
func (r *Runner) Go(obs Awaitable, start func() error, timeout time.Duration) {
	r.group.Go(func() error {
		_ = r.Run(obs, start, timeout)
		return nil
	})
}

// Wait blocks until every observer submitted via Go has finished.
func (r *Runner) Wait() error {
	return r.group.Wait()
}
