// Package observer implements C4: the lifecycle shared by every command and
// event observer — start/timeout/cancel bookkeeping, a set-once result or
// exception, and a done-callback list. Command and event envelopes embed a
// Base rather than reimplementing this state machine.
package observer

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/errs"
)

// State is where an observer sits in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DoneFunc is invoked once, after the observer's result or exception is set.
type DoneFunc func(value any, err error)

var nextID uint64
var nextIDMu sync.Mutex

func allocID() uint64 {
	nextIDMu.Lock()
	defer nextIDMu.Unlock()
	nextID++
	return nextID
}

// Base is the embeddable observer lifecycle. Its unexported fields are
// accessed only through its methods; an embedding type must not reach into
// them directly.
type Base struct {
	ID         uint64
	Name       string
	ConnName   string
	Clock      clock.Clock
	Unraised   *UnraisedSink

	mu          sync.Mutex
	state       State
	result      any
	err         error
	resultSet   bool
	startedAt   time.Time
	lastDataAt  time.Time
	timeout     time.Time // zero value means no deadline
	doneCBs     []DoneFunc
	doneWaiters []chan struct{}
}

// New creates a Base in StateCreated. clk and sink may be nil, in which case
// clock.New() and a fresh UnraisedSink are used.
func New(name, connName string, clk clock.Clock, sink *UnraisedSink) *Base {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = NewUnraisedSink(64)
	}
	return &Base{
		ID:       allocID(),
		Name:     name,
		ConnName: connName,
		Clock:    clk,
		Unraised: sink,
		state:    StateCreated,
	}
}

// Start moves the observer to StateRunning, stamping its start time. Start
// sets no deadline itself; a timeout is enforced by the caller, e.g.
// runner.Run latching errs.ErrTimeout when its clock.Timer fires first.
func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateCreated {
		return errs.ErrAlreadyStarted
	}
	b.state = StateRunning
	b.startedAt = b.Clock.Now()
	b.lastDataAt = b.startedAt
	return nil
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TouchData stamps the last-data-received time, reported by LastDataAt.
func (b *Base) TouchData() {
	b.mu.Lock()
	b.lastDataAt = b.Clock.Now()
	b.mu.Unlock()
}

// StartedAt and LastDataAt report the stamps Start/TouchData recorded.
func (b *Base) StartedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedAt
}

func (b *Base) LastDataAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDataAt
}

// SetResult latches value as the observer's outcome and marks it done. A
// second call (whether to SetResult or SetException) returns
// errs.ErrResultAlreadySet and is otherwise a no-op.
func (b *Base) SetResult(value any) error {
	return b.setOutcome(value, nil, StateDone)
}

// SetException latches err as the observer's outcome and marks it done.
func (b *Base) SetException(err error) error {
	return b.setOutcome(nil, err, StateDone)
}

// Cancel latches errs.ErrCancelled and marks the observer StateCancelled.
// Idempotent: cancelling an already-done observer is a no-op, matching the
// "cancel a finished future" case every concrete observer treats as benign.
func (b *Base) Cancel() error {
	return b.setOutcome(nil, errs.ErrCancelled, StateCancelled)
}

func (b *Base) setOutcome(value any, err error, state State) error {
	b.mu.Lock()
	if b.resultSet {
		b.mu.Unlock()
		if err == errs.ErrCancelled {
			// Cancelling something already finished is not an error.
			return nil
		}
		return errs.ErrResultAlreadySet
	}
	b.resultSet = true
	b.result = value
	b.err = err
	b.state = state
	waiters := b.doneWaiters
	b.doneWaiters = nil
	cbs := append([]DoneFunc(nil), b.doneCBs...)
	b.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, cb := range cbs {
		b.invokeDone(cb, value, err)
	}
	return nil
}

func (b *Base) invokeDone(cb DoneFunc, value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.Unraised.Push(fmt.Errorf("observer %q done-callback panicked: %v", b.Name, r))
		}
	}()
	cb(value, err)
}

// AddDoneCallback registers cb to run once the observer finishes. If the
// observer is already done, cb runs immediately (synchronously, on the
// calling goroutine) rather than being dropped.
func (b *Base) AddDoneCallback(cb DoneFunc) {
	b.mu.Lock()
	if b.resultSet {
		value, err := b.result, b.err
		b.mu.Unlock()
		b.invokeDone(cb, value, err)
		return
	}
	b.doneCBs = append(b.doneCBs, cb)
	b.mu.Unlock()
}

// Result returns the latched value and error. Calling it before the
// observer is done returns (nil, errs.ErrStillRunning).
func (b *Base) Result() (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resultSet {
		return nil, errs.ErrStillRunning
	}
	return b.result, b.err
}

// Done reports whether a result or exception has been latched.
func (b *Base) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resultSet
}

// AwaitDone blocks the calling goroutine until the observer finishes or
// done is closed (typically a timeout/cancellation channel owned by the
// caller). It returns errs.ErrStillRunning if done closes first.
func (b *Base) AwaitDone(done <-chan struct{}) (any, error) {
	b.mu.Lock()
	if b.resultSet {
		value, err := b.result, b.err
		b.mu.Unlock()
		return value, err
	}
	w := make(chan struct{})
	b.doneWaiters = append(b.doneWaiters, w)
	b.mu.Unlock()

	select {
	case <-w:
		return b.Result()
	case <-done:
		return nil, errs.ErrStillRunning
	}
}
