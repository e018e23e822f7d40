package devicefactory

import (
	"context"
	"regexp"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/observer"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) (*Factory, map[string]*fifo.Transport) {
	t.Helper()
	transports := make(map[string]*fifo.Transport)
	builder := func(desc ConnectionDesc) (connection.Transport, error) {
		tr := fifo.New()
		transports[desc.Target] = tr
		return tr, nil
	}
	f := New(builder, clock.NewMock(), observer.NewUnraisedSink(32), nil)
	RegisterBuiltinClasses(f)
	return f, transports
}

func TestFactoryGetDeviceRequiresNameOrClass(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.GetDevice(context.Background(), GetDeviceOpts{})
	assert.ErrorIs(t, err, errs.ErrWrongUsage)
}

func TestFactoryGetDeviceCreatesAndCaches(t *testing.T) {
	f, _ := newTestFactory(t)
	opts := GetDeviceOpts{Name: "d1", DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL"}

	d1, err := f.GetDevice(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "UNIX_LOCAL", d1.CurrentState())

	d2, err := f.GetDevice(context.Background(), GetDeviceOpts{Name: "d1"})
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestFactoryGetDeviceUnknownNameNoClassFails(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.GetDevice(context.Background(), GetDeviceOpts{Name: "ghost"})
	assert.ErrorIs(t, err, errs.ErrWrongUsage)
}

func TestFactoryGetDeviceUnregisteredClassFails(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.GetDevice(context.Background(), GetDeviceOpts{DeviceClass: "nope"})
	assert.ErrorIs(t, err, errs.ErrWrongUsage)
}

func TestFactoryClonedDeviceParity(t *testing.T) {
	f, _ := newTestFactory(t)
	src, err := f.GetDevice(context.Background(), GetDeviceOpts{
		Name: "src", DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL",
	})
	require.NoError(t, err)

	clone, err := f.GetClonedDevice(context.Background(), "src", "clone")
	require.NoError(t, err)
	assert.NotSame(t, src, clone)
	assert.Equal(t, src.CloneConfig().Prompts["UNIX_LOCAL"].String(),
		clone.CloneConfig().Prompts["UNIX_LOCAL"].String())

	_, err = f.GetClonedDevice(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, errs.ErrWrongUsage)

	_, err = f.GetClonedDevice(context.Background(), "src", "clone")
	assert.ErrorIs(t, err, errs.ErrWrongUsage)
}

func TestFactoryRemoveNotifiesAndFreesName(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.GetDevice(context.Background(), GetDeviceOpts{
		Name: "d1", DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL",
	})
	require.NoError(t, err)

	var removed string
	f.OnRemove(func(name string) { removed = name })

	require.NoError(t, f.Remove("d1"))
	assert.Equal(t, "d1", removed)
	_, ok := f.Lookup("d1")
	assert.False(t, ok)

	// The name is free for reuse.
	_, err = f.GetDevice(context.Background(), GetDeviceOpts{
		Name: "d1", DeviceClass: ClassUnixLocal, InitialState: "UNIX_LOCAL",
	})
	require.NoError(t, err)
}

func TestFactoryDisambiguatesUnnamedDevicesOfSameClass(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.GetDevice(context.Background(), GetDeviceOpts{DeviceClass: ClassUnixLocal})
	require.NoError(t, err)
	_, err = f.GetDevice(context.Background(), GetDeviceOpts{DeviceClass: ClassUnixLocal})
	require.NoError(t, err)

	names := f.Names()
	assert.Len(t, names, 2)
}

func TestMergeConfigOverridesWinOnCollision(t *testing.T) {
	base := unixLocalConfig()
	override := StateConfig{
		Prompts: map[string]*regexp.Regexp{"UNIX_LOCAL": regexp.MustCompile(`^other#\s*$`)},
	}
	merged := MergeConfig(base, override)
	assert.Equal(t, `^other#\s*$`, merged.Prompts["UNIX_LOCAL"].String())
	assert.Contains(t, merged.Commands["UNIX_LOCAL"], "ps")
}
