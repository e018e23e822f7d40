// Package cli implements the devicectl command surface: a kong command
// struct plus one Globals carrying the shared devicefactory.Factory and
// scheduler.Scheduler, grounded on the teacher's internal/cli/root.go
// Globals-threaded-through-every-Run shape.
package cli

import (
	"io"
	"os"

	"github.com/devicerun/devicerun/internal/devicefactory"
	"github.com/devicerun/devicerun/internal/scheduler"
)

// CLI is devicectl's root command structure.
type CLI struct {
	Format    string `short:"f" default:"ndjson" enum:"ndjson,text" help:"Output format"`
	ConfigEnv string `default:"DEVICERUN_CONFIG" help:"Environment variable naming the config file"`

	List  ListCmd  `cmd:"" help:"List configured devices and their current state"`
	Goto  GotoCmd  `cmd:"" help:"Drive a device's state machine to a destination state"`
	Cmd   CmdCmd   `cmd:"" help:"Run a command against a device and print its result"`
	Watch WatchCmd `cmd:"" help:"Open the live TUI device console"`
}

// Globals holds shared state threaded through every command's Run.
type Globals struct {
	Format    string
	Stdout    io.Writer
	Stderr    io.Writer
	Factory   *devicefactory.Factory
	Scheduler *scheduler.Scheduler
}

// NewGlobals builds Globals from parsed CLI flags plus the already-wired
// factory/scheduler (constructed in cmd/devicectl/main.go from the loaded
// config, mirroring the teacher's NewGlobalsWithConfig split between flag
// parsing and config-driven wiring).
func NewGlobals(cli *CLI, factory *devicefactory.Factory, sched *scheduler.Scheduler) *Globals {
	return &Globals{
		Format:    cli.Format,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Factory:   factory,
		Scheduler: sched,
	}
}
