package cli

import (
	"context"
	"time"

	"github.com/devicerun/devicerun/internal/output"
)

// GotoCmd runs goto_state in the foreground, printing one progress line per
// hop as the device's current state changes, then a final outcome line —
// grounded on the teacher's tail.go poll-and-print loop, retargeted from
// log lines to state-machine hops.
type GotoCmd struct {
	Device  string        `arg:"" help:"Device name"`
	State   string        `arg:"" help:"Destination state"`
	Timeout time.Duration `default:"30s" help:"Overall timeout for the hop sequence"`
}

func (c *GotoCmd) Run(g *Globals) error {
	dev, ok := g.Factory.Lookup(c.Device)
	if !ok {
		return outputErrorCommon(g, "UNKNOWN_DEVICE", "no such device: "+c.Device)
	}

	var w progressWriter
	if g.Format == "ndjson" {
		w = output.NewNDJSONWriter(g.Stdout)
	} else {
		w = output.NewTextWriter(g.Stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dev.GotoState(ctx, c.State, nil, c.Timeout) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	last := dev.CurrentState()

	for {
		select {
		case err := <-done:
			_ = w.WriteGotoDone(c.Device, dev.CurrentState(), err)
			if err != nil {
				return outputErrorCommon(g, "GOTO_FAILED", err.Error())
			}
			return nil
		case <-ticker.C:
			if cur := dev.CurrentState(); cur != last {
				_ = w.WriteGotoProgress(c.Device, cur, c.State)
				last = cur
			}
		}
	}
}

// progressWriter is the subset of output.NDJSONWriter/output.TextWriter
// GotoCmd drives — both satisfy it.
type progressWriter interface {
	WriteGotoProgress(device, hop, dest string) error
	WriteGotoDone(device, state string, err error) error
}
