package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/devicefactory"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGlobals(t *testing.T, format string) (*Globals, *bytes.Buffer, *fifo.Transport) {
	t.Helper()
	var tr *fifo.Transport
	builder := func(desc devicefactory.ConnectionDesc) (connection.Transport, error) {
		tr = fifo.New()
		return tr, nil
	}
	f := devicefactory.New(builder, clock.NewMock(), observer.NewUnraisedSink(32), nil)
	devicefactory.RegisterBuiltinClasses(f)

	_, err := f.GetDevice(context.Background(), devicefactory.GetDeviceOpts{
		Name: "dev1", DeviceClass: devicefactory.ClassUnixLocal, InitialState: "UNIX_LOCAL",
		EstablishConnection: true,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	return &Globals{Format: format, Stdout: &out, Stderr: &out, Factory: f}, &out, tr
}

func TestListCmdNDJSON(t *testing.T) {
	g, out, _ := newTestGlobals(t, "ndjson")
	cmd := &ListCmd{}
	require.NoError(t, cmd.Run(g))

	var row struct {
		Type  string `json:"type"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &row))
	assert.Equal(t, "device", row.Type)
	assert.Equal(t, "dev1", row.Name)
	assert.Equal(t, "UNIX_LOCAL", row.State)
}

func TestListCmdText(t *testing.T) {
	g, out, _ := newTestGlobals(t, "text")
	cmd := &ListCmd{}
	require.NoError(t, cmd.Run(g))
	assert.Contains(t, out.String(), "dev1")
}

func TestGotoCmdReachesDestination(t *testing.T) {
	g, out, _ := newTestGlobals(t, "ndjson")
	cmd := &GotoCmd{Device: "dev1", State: "UNIX_LOCAL", Timeout: time.Second}
	require.NoError(t, cmd.Run(g))
	assert.Contains(t, out.String(), "goto_done")
}

func TestGotoCmdUnknownDeviceFails(t *testing.T) {
	g, _, _ := newTestGlobals(t, "ndjson")
	cmd := &GotoCmd{Device: "ghost", State: "UNIX_LOCAL", Timeout: time.Second}
	assert.Error(t, cmd.Run(g))
}

func TestCmdCmdRunsWhoami(t *testing.T) {
	g, out, tr := newTestGlobals(t, "ndjson")
	require.NotNil(t, tr)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.Inject("whoami\n")
		_ = tr.Inject("root\n")
		_ = tr.Inject("moler_bash# \n")
	}()

	cmd := &CmdCmd{Device: "dev1", Command: "whoami", Timeout: time.Second}
	require.NoError(t, cmd.Run(g))
	assert.Contains(t, out.String(), "command_result")
	assert.Contains(t, out.String(), "root")
}

func TestParseParamsRoundTrip(t *testing.T) {
	params, err := parseParams([]string{"a=1", "b=two"})
	require.NoError(t, err)
	assert.Equal(t, "1", params["a"])
	assert.Equal(t, "two", params["b"])

	_, err = parseParams([]string{"malformed"})
	assert.Error(t, err)
}
