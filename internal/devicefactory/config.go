package devicefactory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devicerun/devicerun/internal/device"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LoggerConfig mirrors spec.md §6's LOGGER block. Log *setup* is out of
// scope (SPEC_FULL §"Non-goals"); this struct only carries the values
// through for a caller to apply to its own zap configuration.
type LoggerConfig struct {
	Path       string `mapstructure:"path"`
	RawLog     bool   `mapstructure:"raw_log"`
	DateFormat string `mapstructure:"date_format"`
	DebugLevel string `mapstructure:"debug_level"`
}

// ConnectionDescDef is ConnectionDesc's YAML shape (spec.md §6).
type ConnectionDescDef struct {
	IOType   string `mapstructure:"io_type"`
	Variant  string `mapstructure:"variant"`
	Host     string `mapstructure:"host"`
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
	Target   string `mapstructure:"target"`
}

// HopDef is one CONNECTION_HOPS[from][to] entry.
type HopDef struct {
	ExecuteCommand        string         `mapstructure:"execute_command"`
	CommandParams         map[string]any `mapstructure:"command_params"`
	RequiredCommandParams []string       `mapstructure:"required_command_params"`
}

// DeviceDef is one DEVICES[<name>] entry.
type DeviceDef struct {
	DeviceClass      string                    `mapstructure:"device_class"`
	ConnectionDesc   ConnectionDescDef         `mapstructure:"connection_desc"`
	ConnectionHops   map[string]map[string]HopDef `mapstructure:"connection_hops"`
	InitialState     string                    `mapstructure:"initial_state"`
	AdditionalParams map[string]any            `mapstructure:"additional_params"`
}

// FileConfig is the top-level YAML/dict document spec.md §6 describes.
type FileConfig struct {
	Logger  LoggerConfig         `mapstructure:"logger"`
	Devices map[string]DeviceDef `mapstructure:"devices"`
}

// GetDeviceOpts converts a loaded DeviceDef into the options GetDevice
// expects, resolving this device's public name.
func (d DeviceDef) GetDeviceOpts(name string) GetDeviceOpts {
	return GetDeviceOpts{
		Name:        name,
		DeviceClass: d.DeviceClass,
		ConnectionDesc: ConnectionDesc{
			IOType:   d.ConnectionDesc.IOType,
			Variant:  d.ConnectionDesc.Variant,
			Host:     d.ConnectionDesc.Host,
			Login:    d.ConnectionDesc.Login,
			Password: d.ConnectionDesc.Password,
			Target:   d.ConnectionDesc.Target,
		},
		ConnectionHops:      hopsToTransitions(d.ConnectionHops),
		InitialState:        d.InitialState,
		EstablishConnection: true,
	}
}

func hopsToTransitions(hops map[string]map[string]HopDef) map[string]map[string]device.TransitionRule {
	if hops == nil {
		return nil
	}
	out := make(map[string]map[string]device.TransitionRule, len(hops))
	for from, tos := range hops {
		inner := make(map[string]device.TransitionRule, len(tos))
		for to, hop := range tos {
			inner[to] = device.TransitionRule{
				ToState:               to,
				Command:               hop.ExecuteCommand,
				CommandParams:         hop.CommandParams,
				RequiredCommandParams: hop.RequiredCommandParams,
			}
		}
		out[from] = inner
	}
	return out
}

// configFileNames are tried, in order, in every search directory.
var configFileNames = []string{"devicerun.yaml", "devicerun.yml", ".devicerun.yaml", ".devicerun.yml"}

// findConfigFile searches cwd -> $HOME -> $XDG_CONFIG_HOME/devicerun ->
// /etc/devicerun, matching the teacher's findConfigFile precedence chain
// (internal/config/config.go), renamed to this module's own file names.
func findConfigFile() string {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfgDir, "devicerun"))
	}
	dirs = append(dirs, "/etc/devicerun")

	for _, dir := range dirs {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// LoadConfig builds a viper.Viper bound to the MOLER_CONFIG-style
// environment variable envVar (spec.md §6: "a single optional variable
// names the configuration file"), falling back to findConfigFile's search
// precedence. It returns the parsed document and the *viper.Viper itself so
// WatchReload can attach a live reload handler to it. An unset/missing
// config file is not an error: it yields an empty FileConfig, since every
// DEVICES entry is optional (spec.md §4.8 devices may be registered purely
// through GetDevice calls).
func LoadConfig(envVar string) (*FileConfig, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MOLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if envVar != "" {
		path = os.Getenv(envVar)
	}
	if path == "" {
		path = findConfigFile()
	}

	fc := &FileConfig{Devices: map[string]DeviceDef{}}
	if path == "" {
		return fc, v, nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("devicefactory: reading config %s: %w", path, err)
	}
	if err := v.Unmarshal(fc); err != nil {
		return nil, nil, fmt.Errorf("devicefactory: parsing config %s: %w", path, err)
	}
	return fc, v, nil
}

// CheckReloadCompatible implements spec.md §4.8's reload-compatibility
// rule: the new document must agree with the live registry on every device
// this factory has already constructed (same device_class and, when both
// specify one, the same initial_state); devices named only in the new
// document are always accepted. Open Question resolved here: "compatible"
// is intentionally narrow — the two fields that would silently change a
// live device's identity if loosened later.
func (f *Factory) CheckReloadCompatible(fc *FileConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, entry := range f.byName {
		def, ok := fc.Devices[name]
		if !ok {
			continue
		}
		if def.DeviceClass != "" && def.DeviceClass != entry.opts.DeviceClass {
			return fmt.Errorf("devicefactory: reload incompatible: device %q device_class changed from %q to %q",
				name, entry.opts.DeviceClass, def.DeviceClass)
		}
		if def.InitialState != "" && entry.opts.InitialState != "" && def.InitialState != entry.opts.InitialState {
			return fmt.Errorf("devicefactory: reload incompatible: device %q initial_state changed from %q to %q",
				name, entry.opts.InitialState, def.InitialState)
		}
	}
	return nil
}

// WatchReload arms viper's fsnotify-backed file watcher (spec.md §4.8:
// "reload... watches the active config file for changes") and passes each
// validated, compatible reload to onReload. An incompatible or unparseable
// reload is logged and discarded without calling onReload; already-created
// devices are left untouched.
func (f *Factory) WatchReload(v *viper.Viper, onReload func(*FileConfig)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var fc FileConfig
		if err := v.Unmarshal(&fc); err != nil {
			f.logger.Warn("devicefactory: reload: parse failed", zap.Error(err))
			return
		}
		if err := f.CheckReloadCompatible(&fc); err != nil {
			f.logger.Warn("devicefactory: reload rejected", zap.Error(err))
			return
		}
		if onReload != nil {
			onReload(&fc)
		}
	})
	v.WatchConfig()
}
