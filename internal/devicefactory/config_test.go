package devicefactory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logger:
  path: /tmp/devicerun.log
  debug_level: debug
devices:
  local1:
    device_class: devicerun.device.UnixLocal
    connection_desc:
      io_type: fifo
    initial_state: UNIX_LOCAL
`

func TestLoadConfigFromEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devicerun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	t.Setenv("DEVICERUN_TEST_CONFIG", path)
	fc, _, err := LoadConfig("DEVICERUN_TEST_CONFIG")
	require.NoError(t, err)
	require.Contains(t, fc.Devices, "local1")
	assert.Equal(t, ClassUnixLocal, fc.Devices["local1"].DeviceClass)
	assert.Equal(t, "UNIX_LOCAL", fc.Devices["local1"].InitialState)
}

func TestLoadConfigMissingEnvVarAndNoFileYieldsEmpty(t *testing.T) {
	t.Setenv("DEVICERUN_TEST_CONFIG_UNSET", "")
	fc, _, err := LoadConfig("DEVICERUN_TEST_CONFIG_UNSET")
	require.NoError(t, err)
	assert.Empty(t, fc.Devices)
}

func TestDeviceDefGetDeviceOptsBuildsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devicerun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	t.Setenv("DEVICERUN_TEST_CONFIG", path)
	fc, _, err := LoadConfig("DEVICERUN_TEST_CONFIG")
	require.NoError(t, err)

	builder := func(desc ConnectionDesc) (connection.Transport, error) { return fifo.New(), nil }
	f := New(builder, clock.NewMock(), observer.NewUnraisedSink(8), nil)
	RegisterBuiltinClasses(f)

	def := fc.Devices["local1"]
	dev, err := f.GetDevice(context.Background(), def.GetDeviceOpts("local1"))
	require.NoError(t, err)
	assert.Equal(t, "UNIX_LOCAL", dev.CurrentState())
}

func TestCheckReloadCompatibleRejectsClassChange(t *testing.T) {
	builder := func(desc ConnectionDesc) (connection.Transport, error) { return fifo.New(), nil }
	f := New(builder, clock.NewMock(), observer.NewUnraisedSink(8), nil)
	RegisterBuiltinClasses(f)

	_, err := f.GetDevice(context.Background(), GetDeviceOpts{
		Name: "local1", DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL",
	})
	require.NoError(t, err)

	compatible := &FileConfig{Devices: map[string]DeviceDef{
		"local1": {DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL"},
		"fresh":  {DeviceClass: ClassUnixRemote},
	}}
	assert.NoError(t, f.CheckReloadCompatible(compatible))

	incompatible := &FileConfig{Devices: map[string]DeviceDef{
		"local1": {DeviceClass: ClassUnixRemote},
	}}
	assert.Error(t, f.CheckReloadCompatible(incompatible))
}
