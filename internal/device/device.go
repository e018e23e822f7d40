// Package device implements C8 (the per-device state machine, with hop
// routing precomputed rather than searched at run time) and C10 (the
// always-on prompt detector re-armed on every state change). A Device owns
// one MultiplexingConnection, one Runner, and the catalogues of commands and
// events its states make available.
package device

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/command"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/event"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/internal/runner"
	"go.uber.org/zap"
)

// TransitionRule is one directly-executable hop: from the state it is
// registered under, to ToState, by running Command with CommandParams
// merged under any caller-supplied overrides.
type TransitionRule struct {
	ToState               string
	Command               string
	CommandParams         map[string]any
	RequiredCommandParams []string
	Timeout               time.Duration // configuration timeout for this hop; 0 means unbounded

	// AuthEvent is the supplemental authentication hook (grounded on
	// original_source's password_prompt/last_login events): while this
	// hop's command runs, AuthEvent also watches the same connection and
	// answers any matched prompt, for hops that pass through a login
	// sequence (e.g. SSH password, "Permission denied" retry banners).
	AuthEvent *AuthEventSpec
}

// AuthEventSpec answers a prompt pattern while a hop's command is running.
type AuthEventSpec struct {
	Patterns []*regexp.Regexp
	Respond  func(matched []string) string // text to send (without newline) for a match
}

// CommandFactory builds a command.Spec from the hop's merged parameters.
type CommandFactory func(params map[string]any) (command.Spec, error)

// EventFactory builds the arguments event.New needs from caller parameters.
type EventFactory func(params map[string]any) (mode event.Mode, patterns []*regexp.Regexp, targetOccurrences int, onOccurrence event.OccurrenceFunc, err error)

// Config is everything a concrete device class supplies once, at
// construction: its transition graph, its per-state command/event
// catalogues, and its per-state prompts.
type Config struct {
	InitialState string
	// Transitions[from][to] is the direct hop executed when current==from
	// and the routing algorithm picks `to` as the next stop toward some
	// destination (possibly == destination itself).
	Transitions map[string]map[string]TransitionRule
	// HopTable[from][dest] is the precomputed first hop on the shortest path
	// from from to dest (spec §4.7: routing is pure lookup, never a graph
	// search at run time). Left nil here and filled in once by New via
	// BuildHopTable; a caller that already has one (e.g. a clone sharing its
	// source device's class) may set it directly to skip recomputing it.
	HopTable map[string]map[string]string
	Commands map[string]map[string]CommandFactory
	Events   map[string]map[string]EventFactory
	Prompts  map[string]*regexp.Regexp

	// Detector tuning (spec §4.10).
	MultiCheckPrompts bool // check every prompt against every line, not just until first match
	ReverseOrder      bool // try prompts in descending rather than ascending order of state name
}

// Device is one state-tracked endpoint: a connection plus the routing table
// and catalogues needed to drive it between states and to create commands
// and events valid in its current state.
type Device struct {
	Name string
	Conn *connection.MultiplexingConnection

	clk    clock.Clock
	sink   *observer.UnraisedSink
	runner *runner.Runner
	logger *zap.Logger

	cfg Config

	smMu    sync.Mutex // serializes goto_state / goto_state_bg transitions
	stateMu sync.RWMutex
	current string

	promptsMu sync.RWMutex // guards cfg.Prompts once ProbePrompt starts mutating it live

	detector *PromptDetector
}

// Option configures a new Device.
type Option func(*Device)

func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithRunner(r *runner.Runner) Option {
	return func(d *Device) { d.runner = r }
}

// New creates a Device in cfg.InitialState and arms its prompt detector.
// The connection must already be constructed (but need not be open); Open
// drives the underlying transport separately.
func New(name string, conn *connection.MultiplexingConnection, cfg Config, clk clock.Clock, sink *observer.UnraisedSink, opts ...Option) *Device {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = observer.NewUnraisedSink(128)
	}
	d := &Device{
		Name:    name,
		Conn:    conn,
		clk:     clk,
		sink:    sink,
		logger:  zap.NewNop(),
		cfg:     cfg,
		current: cfg.InitialState,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = runner.New(context.Background(), 0, clk)
	}
	if d.cfg.HopTable == nil {
		d.cfg.HopTable = BuildHopTable(d.cfg.Transitions)
	}
	d.detector = newPromptDetector(d)
	return d
}

// CurrentState returns the device's current state.
func (d *Device) CurrentState() string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.current
}

// setState is the only place current is assigned. A no-op transition to the
// already-current state never fires re-arming work (spec §4.10).
func (d *Device) setState(state string) {
	d.stateMu.Lock()
	if d.current == state {
		d.stateMu.Unlock()
		return
	}
	prev := d.current
	d.current = state
	d.stateMu.Unlock()
	d.logger.Debug("device state changed",
		zap.String("device", d.Name), zap.String("from", prev), zap.String("to", state))
}

// Arm starts the prompt detector. Call once, after the device's connection
// is open.
func (d *Device) Arm() error {
	return d.detector.arm()
}

// SnapshotPrompts returns a copy of the per-state prompt map, safe to range
// over without holding a lock (spec §5: "reads by the detector take a
// snapshot").
func (d *Device) SnapshotPrompts() map[string]*regexp.Regexp {
	d.promptsMu.RLock()
	defer d.promptsMu.RUnlock()
	out := make(map[string]*regexp.Regexp, len(d.cfg.Prompts))
	for k, v := range d.cfg.Prompts {
		out[k] = v
	}
	return out
}

// SetPrompt atomically replaces the prompt regex for state, re-arming the
// detector's pattern set on its next line (it reads a fresh snapshot every
// time, so no explicit re-arm call is needed).
func (d *Device) SetPrompt(state string, re *regexp.Regexp) {
	d.promptsMu.Lock()
	if d.cfg.Prompts == nil {
		d.cfg.Prompts = make(map[string]*regexp.Regexp)
	}
	d.cfg.Prompts[state] = re
	d.promptsMu.Unlock()
}

// LastWrongOccurrence returns the most recent line that matched more than
// one prompt while MultiCheckPrompts is enabled, or "" if none has.
// Intended for test suites asserting prompt tables are unambiguous
// (spec §4.10, §8).
func (d *Device) LastWrongOccurrence() string {
	return d.detector.lastWrongOccurrence()
}

// GotoState drives the device from its current state to dest, hopping
// through intermediate states per the precomputed routing table, blocking
// until dest is reached, a hop fails, or timeout elapses. commandParams
// applies only to the *first* hop (the caller's own transition); later hops
// use their configured defaults, matching the idiom that a caller only
// parameterizes its own immediate request.
func (d *Device) GotoState(ctx context.Context, dest string, commandParams map[string]any, timeout time.Duration) error {
	d.smMu.Lock()
	defer d.smMu.Unlock()

	start := d.clk.Now()
	first := true
	for d.CurrentState() != dest {
		if timeout > 0 && d.clk.Now().Sub(start) >= timeout {
			return fmt.Errorf("%w: %s: timed out routing to %q", errs.ErrDeviceChangeStateFailure, d.Name, dest)
		}
		cur := d.CurrentState()
		next, ok := d.nextHop(cur, dest)
		if !ok {
			return fmt.Errorf("%w: %s: no route from %q to %q", errs.ErrDeviceFailure, d.Name, cur, dest)
		}

		var remaining time.Duration
		if timeout > 0 {
			remaining = timeout - d.clk.Now().Sub(start)
		}
		params := map[string]any(nil)
		if first {
			params = commandParams
			first = false
		}
		if err := d.runHop(ctx, cur, next, params, remaining); err != nil {
			return fmt.Errorf("%w: %s: hop %s->%s: %v", errs.ErrDeviceChangeStateFailure, d.Name, cur, next, err)
		}
	}
	return nil
}

// GotoStateBg starts a GotoState hop sequence in the background, returning a
// handle whose Result() (via AwaitGotoState, or the handle's own
// AwaitDone/Result) is (dest, nil) on success or (nil, err) on failure. The
// per-device SM mutex still serializes it against any other in-flight
// transition, the same as a synchronous GotoState (spec §4.7: "the per-device
// SM lock serializes transitions so that two concurrent goto requests
// cannot interleave").
func (d *Device) GotoStateBg(ctx context.Context, dest string, commandParams map[string]any, timeout time.Duration) *observer.Base {
	h := observer.New("goto-state:"+dest, d.Conn.Name, d.clk, d.sink)
	_ = h.Start()
	go func() {
		if err := d.GotoState(ctx, dest, commandParams, timeout); err != nil {
			_ = h.SetException(err)
			return
		}
		_ = h.SetResult(dest)
	}()
	return h
}

// AwaitGotoState blocks until a GotoStateBg handle completes or done closes,
// returning its error (nil on success).
func (d *Device) AwaitGotoState(h *observer.Base, done <-chan struct{}) error {
	_, err := h.AwaitDone(done)
	return err
}

// nextHop looks up the direct hop from cur toward dest: a direct rule to
// dest if one exists, otherwise the precomputed routing table's first step
// toward it. Pure lookup, no graph search (spec §4.7).
func (d *Device) nextHop(cur, dest string) (string, bool) {
	if cur == dest {
		return dest, true
	}
	if rules, ok := d.cfg.Transitions[cur]; ok {
		if _, ok := rules[dest]; ok {
			return dest, true
		}
	}
	hop, ok := d.cfg.HopTable[cur][dest]
	return hop, ok
}

// BuildHopTable precomputes, for every state a breadth-first search from it
// can reach, the first hop on the shortest path there — once, at device
// construction, not per GotoState call (spec §4.7: "the algorithm is pure
// lookup... authors of a device class precompute the hop table once").
func BuildHopTable(transitions map[string]map[string]TransitionRule) map[string]map[string]string {
	table := make(map[string]map[string]string, len(transitions))
	for from := range transitions {
		table[from] = bfsFirstHops(transitions, from)
	}
	return table
}

// bfsFirstHops runs one breadth-first search from src and returns, for every
// state reachable from it, the first step on the shortest path there.
func bfsFirstHops(transitions map[string]map[string]TransitionRule, src string) map[string]string {
	type frame struct {
		state string
		first string
	}
	hops := make(map[string]string)
	visited := map[string]bool{src: true}
	var queue []frame
	for to := range transitions[src] {
		queue = append(queue, frame{state: to, first: to})
		visited[to] = true
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		hops[f.state] = f.first
		for to := range transitions[f.state] {
			if !visited[to] {
				visited[to] = true
				queue = append(queue, frame{state: to, first: f.first})
			}
		}
	}
	return hops
}

func (d *Device) runHop(ctx context.Context, from, to string, callerParams map[string]any, timeout time.Duration) error {
	rule, ok := d.cfg.Transitions[from][to]
	if !ok {
		return fmt.Errorf("%w: no transition rule %s->%s", errs.ErrDeviceFailure, from, to)
	}
	merged := mergeParams(rule.CommandParams, callerParams)
	for _, req := range rule.RequiredCommandParams {
		if _, ok := merged[req]; !ok {
			return fmt.Errorf("%w: hop %s->%s missing required param %q", errs.ErrDeviceFailure, from, to, req)
		}
	}
	factory, ok := d.cfg.Commands[from][rule.Command]
	if !ok {
		return fmt.Errorf("%w: unknown command %q in state %q", errs.ErrDeviceFailure, rule.Command, from)
	}
	spec, err := factory(merged)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDeviceFailure, err)
	}

	hopTimeout := smallerPositive(timeout, rule.Timeout)

	cmd := command.New(spec, d.Conn.Connection, d.clk, d.sink)

	var authEv *event.Event
	if rule.AuthEvent != nil {
		authEv = d.startAuthEvent(rule.AuthEvent)
	}
	err = d.runner.Run(cmd, func() error { return cmd.Start(nil) }, hopTimeout)
	if authEv != nil {
		_ = authEv.Cancel()
	}
	if err != nil {
		return err
	}

	d.setState(to)
	return nil
}

func (d *Device) startAuthEvent(spec *AuthEventSpec) *event.Event {
	ev := event.New("auth-event", d.Conn.Connection, event.ModeAny, spec.Patterns, -1,
		func(o event.Occurrence) {
			reply := spec.Respond(append([]string{o.MatchedText}, o.PositionalGroups...))
			if reply != "" {
				_ = d.Conn.Send(reply + "\n")
			}
		}, d.clk, d.sink)
	_ = ev.Start(nil)
	return ev
}

// GetCmd constructs the named command for the device's current state. The
// returned command carries no state check of its own: Start fails with
// errs.ErrCommandWrongState only when the caller passes it GuardCmd for the
// state the command was created in.
func (d *Device) GetCmd(name string, params map[string]any) (*command.Command, error) {
	state := d.CurrentState()
	factory, ok := d.cfg.Commands[state][name]
	if !ok {
		return nil, fmt.Errorf("%w: command %q not available in state %q", errs.ErrDeviceFailure, name, state)
	}
	spec, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDeviceFailure, err)
	}
	cmd := command.New(spec, d.Conn.Connection, d.clk, d.sink)
	return cmd, nil
}

// GuardCmd returns a command.StartGuard that fails a command started
// against this device with errs.ErrCommandWrongState once the device has
// left creationState.
func (d *Device) GuardCmd(creationState string) command.StartGuard {
	return func() error {
		if d.CurrentState() != creationState {
			return errs.ErrCommandWrongState
		}
		return nil
	}
}

// GetEvent constructs the named event for the device's current state. Like
// GetCmd it attaches no state check; passing GuardEvent to Start makes Start
// fail with errs.ErrEventWrongState once the device has left that state.
func (d *Device) GetEvent(name string, params map[string]any) (*event.Event, error) {
	state := d.CurrentState()
	factory, ok := d.cfg.Events[state][name]
	if !ok {
		return nil, fmt.Errorf("%w: event %q not available in state %q", errs.ErrDeviceFailure, name, state)
	}
	mode, patterns, target, onOcc, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDeviceFailure, err)
	}
	return event.New(name, d.Conn.Connection, mode, patterns, target, onOcc, d.clk, d.sink), nil
}

// GuardEvent mirrors GuardCmd for events.
func (d *Device) GuardEvent(creationState string) event.StartGuard {
	return func() error {
		if d.CurrentState() != creationState {
			return errs.ErrEventWrongState
		}
		return nil
	}
}

// Close cancels the prompt detector and closes the underlying connection.
func (d *Device) Close() error {
	d.detector.disarm()
	return d.Conn.Close()
}

// EstablishConnection opens the device's transport, arms the prompt
// detector, and — if dest is non-empty and differs from the device's
// current state — drives the SM to it, per spec §3's "establish_connection
// opens I/O and drives SM to its declared initial state". timeout bounds
// only that routing step; opening the transport itself is not subject to
// it.
func (d *Device) EstablishConnection(ctx context.Context, dest string, timeout time.Duration) error {
	if err := d.Conn.Open(ctx); err != nil {
		return fmt.Errorf("%w: %s: opening connection: %v", errs.ErrDeviceFailure, d.Name, err)
	}
	if err := d.Arm(); err != nil {
		return fmt.Errorf("%w: %s: arming prompt detector: %v", errs.ErrDeviceFailure, d.Name, err)
	}
	if dest == "" || dest == d.CurrentState() {
		return nil
	}
	return d.GotoState(ctx, dest, nil, timeout)
}

// CloneConfig returns the Config this device was built with, for
// constructing a clone with identical transitions/commands/events/prompts
// over a fresh connection (spec §4.8, §8's clone-parity property).
func (d *Device) CloneConfig() Config {
	return d.cfg
}

func smallerPositive(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
