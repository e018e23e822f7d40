// Command devicectl is devicerun's CLI/TUI front-end: list configured
// devices, drive state transitions, run commands, and watch devices live.
// Grounded on the teacher's cmd/xcw/main.go (kong.Parse against a CLI
// struct, globals built from loaded config before ctx.Run).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/devicerun/devicerun/internal/cli"
	"github.com/devicerun/devicerun/internal/devicefactory"
	"github.com/devicerun/devicerun/internal/scheduler"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("devicectl"),
		kong.Description("devicerun: drive device state machines, run commands, watch device output"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	fc, _, err := devicefactory.LoadConfig(c.ConfigEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
		fc = &devicefactory.FileConfig{Devices: map[string]devicefactory.DeviceDef{}}
	}

	factory := devicefactory.New(devicefactory.BuildTransport, nil, nil, nil)
	devicefactory.RegisterBuiltinClasses(factory)

	background := context.Background()
	for name, def := range fc.Devices {
		if _, err := factory.GetDevice(background, def.GetDeviceOpts(name)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to construct device %q: %v\n", name, err)
		}
	}

	sched := scheduler.New(background, nil)

	globals := cli.NewGlobals(&c, factory, sched)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
