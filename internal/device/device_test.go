package device

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/command"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/internal/runner"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice models three states: "connected" -[su]-> "unix_local"
// -[ssh]-> "unix_remote". Each hop's command just sends a fixed line and
// waits for the destination state's prompt to appear back on the wire.
func newTestDevice(t *testing.T) (*Device, *fifo.Transport) {
	t.Helper()
	tr := fifo.New()
	conn := connection.NewMultiplexing("dev-conn", tr)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	cfg := Config{
		InitialState: "connected",
		Transitions: map[string]map[string]TransitionRule{
			"connected": {
				"unix_local": {ToState: "unix_local", Command: "su"},
			},
			"unix_local": {
				"unix_remote": {ToState: "unix_remote", Command: "ssh"},
			},
		},
		Prompts: map[string]*regexp.Regexp{
			"connected":   regexp.MustCompile(`^host:~\$\s*$`),
			"unix_local":  regexp.MustCompile(`^local#\s*$`),
			"unix_remote": regexp.MustCompile(`^remote#\s*$`),
		},
	}
	// Commands is map[state][name]CommandFactory; build it directly since
	// the zero-value literal above can't express function values cleanly.
	cfg.Commands = map[string]map[string]CommandFactory{
		"connected": {
			"su": func(params map[string]any) (command.Spec, error) {
				return command.Spec{
					Name:          "su",
					Build:         func() string { return "su" },
					PromptPattern: cfg.Prompts["unix_local"],
				}, nil
			},
		},
		"unix_local": {
			"ssh": func(params map[string]any) (command.Spec, error) {
				return command.Spec{
					Name:          "ssh",
					Build:         func() string { return "ssh" },
					PromptPattern: cfg.Prompts["unix_remote"],
				}, nil
			},
		},
	}

	mock := clock.NewMock()
	r := runner.New(context.Background(), 0, mock)
	d := New("dev1", conn, cfg, mock, observer.NewUnraisedSink(32), WithRunner(r))
	require.NoError(t, d.Arm())
	t.Cleanup(func() { _ = d.Close() })
	return d, tr
}

func TestDeviceDirectHop(t *testing.T) {
	d, tr := newTestDevice(t)
	assert.Equal(t, "connected", d.CurrentState())

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = tr.Inject("su\n")
		_ = tr.Inject("local#\n")
	}()

	err := d.GotoState(context.Background(), "unix_local", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "unix_local", d.CurrentState())
}

func TestDeviceMultiHopRouting(t *testing.T) {
	d, tr := newTestDevice(t)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = tr.Inject("su\n")
		_ = tr.Inject("local#\n")
		time.Sleep(5 * time.Millisecond)
		_ = tr.Inject("ssh\n")
		_ = tr.Inject("remote#\n")
	}()

	err := d.GotoState(context.Background(), "unix_remote", nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "unix_remote", d.CurrentState())
}

func TestDeviceGotoStateNoRouteFails(t *testing.T) {
	d, _ := newTestDevice(t)
	err := d.GotoState(context.Background(), "nowhere", nil, time.Second)
	assert.ErrorIs(t, err, errs.ErrDeviceFailure)
}

func TestDevicePromptDetectorSetsStateOnPlainOutput(t *testing.T) {
	d, tr := newTestDevice(t)
	require.NoError(t, tr.Inject("local#\n"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "unix_local", d.CurrentState())
}

func TestDeviceAmbiguousPromptRecordsLastWrongOccurrence(t *testing.T) {
	tr := fifo.New()
	conn := connection.NewMultiplexing("dev-conn2", tr)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	// Two states' prompts overlap (both match "local#") — a misconfiguration
	// MultiCheckPrompts is meant to surface.
	cfg := Config{
		InitialState: "a",
		Commands:     map[string]map[string]CommandFactory{},
		Transitions:  map[string]map[string]TransitionRule{},
		Prompts: map[string]*regexp.Regexp{
			"a": regexp.MustCompile(`#\s*$`),
			"b": regexp.MustCompile(`local#\s*$`),
		},
		MultiCheckPrompts: true,
	}
	d := New("dev2", conn, cfg, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, d.Arm())
	t.Cleanup(func() { _ = d.Close() })

	assert.Equal(t, "", d.LastWrongOccurrence())
	require.NoError(t, tr.Inject("local#\n"))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "local#", d.LastWrongOccurrence())
}

func TestDeviceGetCmdWrongStateGuard(t *testing.T) {
	d, _ := newTestDevice(t)
	cmd, err := d.GetCmd("su", nil)
	require.NoError(t, err)

	// The device hops away before the caller starts the command it created
	// in "connected".
	guard := d.GuardCmd("connected")
	go func() { d.setState("unix_local") }()
	time.Sleep(5 * time.Millisecond)

	startErr := cmd.Start(guard)
	assert.ErrorIs(t, startErr, errs.ErrCommandWrongState)
}

func TestDeviceGotoStateBg(t *testing.T) {
	d, tr := newTestDevice(t)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = tr.Inject("su\n")
		_ = tr.Inject("local#\n")
	}()

	h := d.GotoStateBg(context.Background(), "unix_local", nil, time.Second)
	done := make(chan struct{})
	err := d.AwaitGotoState(h, done)
	require.NoError(t, err)
	assert.Equal(t, "unix_local", d.CurrentState())
}

func TestDeviceProbePrompt(t *testing.T) {
	tr := fifo.New()
	conn := connection.NewMultiplexing("dev-conn3", tr)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	cfg := Config{
		InitialState: "unix_remote",
		Commands:     map[string]map[string]CommandFactory{},
		Transitions:  map[string]map[string]TransitionRule{},
		Prompts:      map[string]*regexp.Regexp{},
	}
	d := New("dev3", conn, cfg, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, d.Arm())
	t.Cleanup(func() { _ = d.Close() })

	go func() {
		time.Sleep(5 * time.Millisecond)
		// The probe literal echoes back preceded by the device's actual,
		// previously-unknown prompt text.
		_ = tr.Inject("user@host:~$ MOLER_PROBE_TAG\n")
	}()

	err := d.ProbePrompt("unix_remote", "MOLER_PROBE_TAG", time.Second)
	require.NoError(t, err)

	prompts := d.SnapshotPrompts()
	require.Contains(t, prompts, "unix_remote")
	assert.True(t, prompts["unix_remote"].MatchString("user@host:~$ "))
}
