// Package devicefactory implements C9: constructs devices from named
// configuration, caches and clones them, and keeps public device names
// unique across the process. Grounded on spec.md §4.8; the config loader
// below is grounded directly on the teacher's internal/config/config.go.
package devicefactory

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/device"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/observer"
	"go.uber.org/zap"
)

// StateConfig is a device's merged transition/command/event/prompt table.
// Named distinctly from device.Config per spec.md §4.7.1's
// DefaultConfigWithProxy/DefaultConfigWithoutProxy contract, even though it
// is the same type: a factory concern, not a device-package one.
type StateConfig = device.Config

// ClassFuncs is what a concrete device type registers: two pure functions
// producing its default configuration with and without a proxy hop. The
// factory merges them with MergeConfig instead of relying on inheritance
// (DESIGN NOTES §9 "deep inheritance with cooperative overriding").
type ClassFuncs struct {
	WithProxy    func() StateConfig
	WithoutProxy func() StateConfig
}

// ConnectionDesc names how to build the Transport a new device's connection
// should use. It mirrors spec.md §6's CONNECTION_DESC block.
type ConnectionDesc struct {
	IOType   string // "fifo" | "tmuxpane"
	Variant  string
	Host     string
	Login    string
	Password string
	Target   string // tmux session name for tmuxpane (its pane 0.0 is used)
}

// TransportBuilder resolves a ConnectionDesc into a live Transport. Kept as
// an injectable func (rather than a hardcoded switch) so tests can supply
// their own transports; BuildTransport is the default builder.
type TransportBuilder func(desc ConnectionDesc) (connection.Transport, error)

// GetDeviceOpts mirrors spec.md §4.8's get_device(...) keyword contract.
type GetDeviceOpts struct {
	Name                string // look up (or remember under) this public name
	DeviceClass         string // dotted class name, resolved via RegisterDeviceClass
	ConnectionDesc      ConnectionDesc
	ConnectionHops      map[string]map[string]device.TransitionRule // overrides/extends the class default
	InitialState        string
	UseProxy            bool
	EstablishConnection bool
}

type registryEntry struct {
	dev        *device.Device
	opts       GetDeviceOpts
	sourceName string // non-empty for clones
}

// Factory is the process-wide registry of public_name -> device described
// in spec.md §3. A zero-value Factory is usable; tests construct their own
// instance instead of sharing package-level state.
type Factory struct {
	mu       sync.Mutex
	byName   map[string]*registryEntry
	classes  map[string]ClassFuncs
	builder  TransportBuilder
	clk      clock.Clock
	sink     *observer.UnraisedSink
	logger   *zap.Logger
	onRemove []func(name string)
}

// New creates a Factory. builder resolves ConnectionDesc values to live
// transports; clk and sink are threaded into every device this factory
// constructs.
func New(builder TransportBuilder, clk clock.Clock, sink *observer.UnraisedSink, logger *zap.Logger) *Factory {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = observer.NewUnraisedSink(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		byName:  make(map[string]*registryEntry),
		classes: make(map[string]ClassFuncs),
		builder: builder,
		clk:     clk,
		sink:    sink,
		logger:  logger,
	}
}

// RegisterDeviceClass pre-registers a dotted class name. Spec.md §9 forbids
// reflective class loading in the rewrite; every class must be registered
// by an explicit call at program start (RegisterBuiltinClasses in this
// package does this for the two classes this module ships).
func (f *Factory) RegisterDeviceClass(name string, funcs ClassFuncs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[name] = funcs
}

// OnRemove registers a handler invoked (in registration order) whenever a
// device is torn down via Remove.
func (f *Factory) OnRemove(handler func(name string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRemove = append(f.onRemove, handler)
}

// GetDevice implements spec.md §4.8's get_device. At least one of Name or
// DeviceClass must be set; giving both is accepted, not rejected. If Name is
// already registered, the cached device is returned (optionally established
// if it is not yet connected) and DeviceClass is ignored; otherwise
// DeviceClass builds a new device registered under Name, or under the class
// name when Name is empty.
func (f *Factory) GetDevice(ctx context.Context, opts GetDeviceOpts) (*device.Device, error) {
	if opts.Name == "" && opts.DeviceClass == "" {
		return nil, fmt.Errorf("%w: get_device requires name or device_class", errs.ErrWrongUsage)
	}

	f.mu.Lock()
	if opts.Name != "" {
		if entry, ok := f.byName[opts.Name]; ok {
			f.mu.Unlock()
			if opts.EstablishConnection {
				// Open is idempotent, so a cache hit that is already
				// established is a no-op here.
				return entry.dev, entry.dev.EstablishConnection(ctx, "", 0)
			}
			return entry.dev, nil
		}
	}
	f.mu.Unlock()

	if opts.DeviceClass == "" {
		return nil, fmt.Errorf("%w: device %q not found and no device_class given", errs.ErrWrongUsage, opts.Name)
	}

	f.mu.Lock()
	funcs, ok := f.classes[opts.DeviceClass]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unregistered device class %q", errs.ErrWrongUsage, opts.DeviceClass)
	}

	cfg, err := f.resolveConfig(funcs, opts)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = opts.DeviceClass
	}

	f.mu.Lock()
	if _, taken := f.byName[name]; taken {
		name = disambiguate(name, f.byName)
	}
	f.mu.Unlock()

	dev, err := f.buildDevice(name, opts, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.byName[name] = &registryEntry{dev: dev, opts: opts}
	f.mu.Unlock()

	if opts.EstablishConnection {
		if err := dev.EstablishConnection(ctx, opts.InitialState, 0); err != nil {
			return dev, err
		}
	}
	return dev, nil
}

// GetClonedDevice creates an independent device with a fresh connection but
// identical configuration to source. Clones of clones are allowed; the
// clone remembers source's public name for diagnostics and reload checks.
func (f *Factory) GetClonedDevice(ctx context.Context, source, newName string) (*device.Device, error) {
	f.mu.Lock()
	src, ok := f.byName[source]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: clone source %q not found", errs.ErrWrongUsage, source)
	}
	if _, taken := f.byName[newName]; taken {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: clone target name %q already registered", errs.ErrWrongUsage, newName)
	}
	opts := src.opts
	f.mu.Unlock()

	opts.Name = newName
	f.mu.Lock()
	funcs, ok := f.classes[src.opts.DeviceClass]
	f.mu.Unlock()
	var cfg StateConfig
	var err error
	if ok {
		cfg, err = f.resolveConfig(funcs, opts)
	} else {
		// The source device wasn't built from a registered class (e.g. a
		// test built it directly); fall back to its live config so clone
		// parity (spec.md §8) still holds.
		cfg = src.dev.CloneConfig()
	}
	if err != nil {
		return nil, err
	}

	dev, err := f.buildDevice(newName, opts, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.byName[newName] = &registryEntry{dev: dev, opts: opts, sourceName: source}
	f.mu.Unlock()

	if opts.EstablishConnection {
		if err := dev.EstablishConnection(ctx, opts.InitialState, 0); err != nil {
			return dev, err
		}
	}
	return dev, nil
}

// Remove implements spec.md §4.8's remove(name): deletes the registry
// entry, cancels every observer subscribed to the device's connection
// (Device.Close fans a close notification to every subscriber), closes the
// connection, and notifies registered handlers. The name may be reused.
func (f *Factory) Remove(name string) error {
	f.mu.Lock()
	entry, ok := f.byName[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: device %q not registered", errs.ErrWrongUsage, name)
	}
	delete(f.byName, name)
	handlers := append([]func(string){}, f.onRemove...)
	f.mu.Unlock()

	err := entry.dev.Close()
	for _, h := range handlers {
		h(name)
	}
	return err
}

// Lookup returns the device registered under name, if any.
func (f *Factory) Lookup(name string) (*device.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.byName[name]
	if !ok {
		return nil, false
	}
	return entry.dev, true
}

// Names returns every currently registered public name, for listing (e.g.
// the CLI's `devicectl list`).
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.byName))
	for n := range f.byName {
		names = append(names, n)
	}
	return names
}

func (f *Factory) resolveConfig(funcs ClassFuncs, opts GetDeviceOpts) (StateConfig, error) {
	var base StateConfig
	if funcs.WithoutProxy != nil {
		base = funcs.WithoutProxy()
	}
	if opts.UseProxy {
		if funcs.WithProxy == nil {
			return StateConfig{}, fmt.Errorf("%w: device class %q has no proxy configuration", errs.ErrWrongUsage, opts.DeviceClass)
		}
		base = MergeConfig(base, funcs.WithProxy())
	}
	if opts.ConnectionHops != nil {
		overlay := StateConfig{Transitions: opts.ConnectionHops}
		base = MergeConfig(base, overlay)
	}
	return base, nil
}

func (f *Factory) buildDevice(name string, opts GetDeviceOpts, cfg StateConfig) (*device.Device, error) {
	if f.builder == nil {
		return nil, fmt.Errorf("%w: no transport builder configured", errs.ErrWrongUsage)
	}
	transport, err := f.builder(opts.ConnectionDesc)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving connection_desc: %v", errs.ErrDeviceFailure, err)
	}
	conn := connection.NewMultiplexing(name, transport, connection.WithLogger(f.logger))
	return device.New(name, conn, cfg, f.clk, f.sink, device.WithLogger(f.logger)), nil
}

// disambiguate appends a numeric "~N" suffix to name until it is unused.
// GetDevice calls it only for a device created without a public Name whose
// class name is already registered; a name freed by Remove is reused as is,
// without a suffix.
func disambiguate(name string, existing map[string]*registryEntry) string {
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s~%d", name, i)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}

// MergeConfig recursively merges override into base, per spec.md §9's
// "small recursive dictionary-merge helper" replacing cooperative
// overriding. Map-typed fields are merged key-by-key (override wins on
// collision, recursing one level into per-state transition/command/event
// maps); scalar fields take override's value when it is non-zero.
func MergeConfig(base, override StateConfig) StateConfig {
	out := base
	if override.InitialState != "" {
		out.InitialState = override.InitialState
	}
	if override.ReverseOrder {
		out.ReverseOrder = true
	}
	if override.MultiCheckPrompts {
		out.MultiCheckPrompts = true
	}
	out.Transitions = mergeTransitions(base.Transitions, override.Transitions)
	out.Commands = mergeCommands(base.Commands, override.Commands)
	out.Events = mergeEvents(base.Events, override.Events)
	out.Prompts = mergePrompts(base.Prompts, override.Prompts)
	return out
}

func mergeTransitions(base, override map[string]map[string]device.TransitionRule) map[string]map[string]device.TransitionRule {
	out := make(map[string]map[string]device.TransitionRule, len(base))
	for from, tos := range base {
		inner := make(map[string]device.TransitionRule, len(tos))
		for to, rule := range tos {
			inner[to] = rule
		}
		out[from] = inner
	}
	for from, tos := range override {
		inner, ok := out[from]
		if !ok {
			inner = make(map[string]device.TransitionRule, len(tos))
			out[from] = inner
		}
		for to, rule := range tos {
			inner[to] = rule
		}
	}
	return out
}

func mergeCommands(base, override map[string]map[string]device.CommandFactory) map[string]map[string]device.CommandFactory {
	out := make(map[string]map[string]device.CommandFactory, len(base))
	for state, cmds := range base {
		inner := make(map[string]device.CommandFactory, len(cmds))
		for name, fn := range cmds {
			inner[name] = fn
		}
		out[state] = inner
	}
	for state, cmds := range override {
		inner, ok := out[state]
		if !ok {
			inner = make(map[string]device.CommandFactory, len(cmds))
			out[state] = inner
		}
		for name, fn := range cmds {
			inner[name] = fn
		}
	}
	return out
}

func mergeEvents(base, override map[string]map[string]device.EventFactory) map[string]map[string]device.EventFactory {
	out := make(map[string]map[string]device.EventFactory, len(base))
	for state, evs := range base {
		inner := make(map[string]device.EventFactory, len(evs))
		for name, fn := range evs {
			inner[name] = fn
		}
		out[state] = inner
	}
	for state, evs := range override {
		inner, ok := out[state]
		if !ok {
			inner = make(map[string]device.EventFactory, len(evs))
			out[state] = inner
		}
		for name, fn := range evs {
			inner[name] = fn
		}
	}
	return out
}

func mergePrompts(base, override map[string]*regexp.Regexp) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
