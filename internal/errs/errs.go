// Package errs collects the sentinel error kinds shared across the runtime.
//
// Every kind is a distinct sentinel so callers can use errors.Is against it
// even after a component has wrapped it with additional context via
// fmt.Errorf("...: %w", ...).
package errs

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called twice on the same observer.
	ErrAlreadyStarted = errors.New("observer: already started")

	// ErrResultAlreadySet is returned by the second call to SetResult/SetException.
	ErrResultAlreadySet = errors.New("observer: result already set")

	// ErrStillRunning is returned by AwaitDone when the wait timed out without completion.
	ErrStillRunning = errors.New("observer: still running")

	// ErrTimeout is stored as an observer's exception when it exceeds its timeout.
	ErrTimeout = errors.New("observer: timeout")

	// ErrCancelled is stored as an observer's exception when it is cancelled.
	ErrCancelled = errors.New("observer: cancelled")

	// ErrCommandFailure marks a latched parser error, or an empty result when ret_required is set.
	ErrCommandFailure = errors.New("command: failure")

	// ErrCommandWrongState is returned when a command starts in a state other than the one it was created in.
	ErrCommandWrongState = errors.New("command: wrong state")

	// ErrEventWrongState is the event equivalent of ErrCommandWrongState.
	ErrEventWrongState = errors.New("event: wrong state")

	// ErrNoDetectPatternProvided is returned when an event is started with an empty pattern list.
	ErrNoDetectPatternProvided = errors.New("event: no detect pattern provided")

	// ErrDeviceFailure marks a device-level failure: unknown command, missing
	// required parameter, no route between states, or a connection that could
	// not be built or opened.
	ErrDeviceFailure = errors.New("device: failure")

	// ErrDeviceChangeStateFailure wraps a failed hop inside goto_state.
	ErrDeviceChangeStateFailure = errors.New("device: change state failure")

	// ErrWrongUsage marks API misuse: neither name nor class given, unregistered
	// device class, duplicate clone name, and similar caller mistakes.
	ErrWrongUsage = errors.New("wrong usage")

	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection: closed")

	// ErrParsingDone is the sentinel a command's line parser returns to
	// short-circuit further parsing of the current line. It is swallowed by the
	// command envelope and must never surface to a caller.
	ErrParsingDone = errors.New("command: parsing done")
)
