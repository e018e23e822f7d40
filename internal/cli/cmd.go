package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devicerun/devicerun/internal/output"
)

// CmdCmd runs one command against a device via get_cmd/start and prints its
// parsed result, grounded on the teacher's query.go request/response
// command shape, retargeted from a log query to a device command.Command.
type CmdCmd struct {
	Device  string        `arg:"" help:"Device name"`
	Command string        `arg:"" help:"Command name"`
	Params  []string      `arg:"" optional:"" help:"key=value command parameters"`
	Timeout time.Duration `default:"10s" help:"How long to wait for the command to complete"`
}

func (c *CmdCmd) Run(g *Globals) error {
	dev, ok := g.Factory.Lookup(c.Device)
	if !ok {
		return outputErrorCommon(g, "UNKNOWN_DEVICE", "no such device: "+c.Device)
	}

	params, err := parseParams(c.Params)
	if err != nil {
		return outputErrorCommon(g, "BAD_PARAMS", err.Error())
	}

	creationState := dev.CurrentState()
	cmd, err := dev.GetCmd(c.Command, params)
	if err != nil {
		return outputErrorCommon(g, "COMMAND_UNAVAILABLE", err.Error())
	}
	if err := cmd.Start(dev.GuardCmd(creationState)); err != nil {
		return outputErrorCommon(g, "COMMAND_START_FAILED", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	ret, err := cmd.AwaitDone(ctx.Done())

	if g.Format == "ndjson" {
		w := output.NewNDJSONWriter(g.Stdout)
		var retMap map[string]any
		if m, ok := ret.(map[string]any); ok {
			retMap = m
		}
		if werr := w.WriteCommandResult(c.Device, c.Command, retMap, err); werr != nil {
			return werr
		}
	} else {
		if err != nil {
			return outputErrorCommon(g, "COMMAND_FAILED", err.Error())
		}
		if m, ok := ret.(map[string]any); ok {
			raw, jerr := json.MarshalIndent(m, "", "  ")
			if jerr == nil {
				fmt.Fprintln(g.Stdout, string(raw))
			}
		}
	}
	if err != nil {
		return outputErrorCommon(g, "COMMAND_FAILED", err.Error())
	}
	return nil
}

// parseParams turns "key=value" CLI arguments into a command params map.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("malformed param %q, want key=value", arg)
		}
		out[k] = v
	}
	return out, nil
}
