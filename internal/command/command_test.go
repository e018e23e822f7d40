package command

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) (*connection.Connection, *fifo.Transport) {
	t.Helper()
	tr := fifo.New()
	conn := connection.New("test-conn", tr)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn, tr
}

var promptRE = regexp.MustCompile(`^\$\s*$`)

func TestCommandSimpleSuccess(t *testing.T) {
	conn, tr := newTestConn(t)

	spec := Spec{
		Name:          "pwd",
		Build:         func() string { return "pwd" },
		PromptPattern: promptRE,
		Parser: func(line string, ret map[string]any) error {
			// The parser also sees the terminating prompt line; skip it.
			if promptRE.MatchString(line) {
				return nil
			}
			ret["path"] = line
			return nil
		},
	}
	cmd := New(spec, conn, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, cmd.Start(nil))

	// The device echoes the command, prints its output, then the prompt.
	require.NoError(t, tr.Inject("pwd\n"))
	require.NoError(t, tr.Inject("/home/user\n"))
	require.NoError(t, tr.Inject("$ \n"))

	time.Sleep(10 * time.Millisecond) // let the fifo's read loop deliver

	value, err := cmd.Result()
	require.NoError(t, err)
	ret := value.(map[string]any)
	assert.Equal(t, "/home/user", ret["path"])
}

func TestCommandRetRequiredUnmetIsFailure(t *testing.T) {
	conn, tr := newTestConn(t)

	spec := Spec{
		Name:          "whoami",
		Build:         func() string { return "whoami" },
		PromptPattern: promptRE,
		RetRequired:   true,
	}
	cmd := New(spec, conn, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, cmd.Start(nil))

	require.NoError(t, tr.Inject("whoami\n"))
	require.NoError(t, tr.Inject("$ \n"))
	time.Sleep(10 * time.Millisecond)

	_, err := cmd.Result()
	assert.ErrorIs(t, err, errs.ErrCommandFailure)
}

func TestCommandParserErrorLatchesFailure(t *testing.T) {
	conn, tr := newTestConn(t)

	spec := Spec{
		Name:          "fail-cmd",
		Build:         func() string { return "fail-cmd" },
		PromptPattern: promptRE,
		Parser: func(line string, ret map[string]any) error {
			if line == "error: boom" {
				return assert.AnError
			}
			return nil
		},
	}
	cmd := New(spec, conn, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, cmd.Start(nil))

	require.NoError(t, tr.Inject("fail-cmd\n"))
	require.NoError(t, tr.Inject("error: boom\n"))
	require.NoError(t, tr.Inject("$ \n"))
	time.Sleep(10 * time.Millisecond)

	_, err := cmd.Result()
	assert.ErrorIs(t, err, errs.ErrCommandFailure)
}

func TestCommandStartGuardRejectsWrongState(t *testing.T) {
	conn, _ := newTestConn(t)

	spec := Spec{
		Name:          "ls",
		Build:         func() string { return "ls" },
		PromptPattern: promptRE,
	}
	cmd := New(spec, conn, clock.NewMock(), observer.NewUnraisedSink(8))

	guardErr := errs.ErrCommandWrongState
	err := cmd.Start(func() error { return guardErr })
	assert.ErrorIs(t, err, guardErr)

	_, resultErr := cmd.Result()
	assert.ErrorIs(t, resultErr, guardErr)
}

func TestCommandSendsWrittenCommandAndNewline(t *testing.T) {
	conn, tr := newTestConn(t)

	spec := Spec{
		Name:          "echo hi",
		Build:         func() string { return "echo hi" },
		PromptPattern: promptRE,
	}
	cmd := New(spec, conn, clock.NewMock(), observer.NewUnraisedSink(8))
	require.NoError(t, cmd.Start(nil))

	select {
	case out := <-tr.Outbound():
		assert.Equal(t, "echo hi\n", string(out))
	case <-time.After(time.Second):
		t.Fatal("command never wrote to the transport")
	}
}
