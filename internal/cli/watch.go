package cli

import (
	"sort"
	"time"

	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
)

// WatchCmd opens the live device console: a bubbletea program listing every
// configured device and, for the selected one, its recent output lines —
// grounded on the teacher's UICmd (internal/cli/ui.go pattern of handing a
// tui.Model to tea.NewProgram).
type WatchCmd struct {
	BufferLines int `default:"200" help:"Lines of scrollback kept per device"`
}

func (c *WatchCmd) Run(g *Globals) error {
	if g.Factory == nil {
		return outputErrorCommon(g, "NO_FACTORY", "no devices configured")
	}

	buffers := tui.NewBuffers(c.BufferLines)

	type sub struct {
		conn *connection.Connection
		s    *connection.Subscription
	}
	var subs []sub
	for _, name := range g.Factory.Names() {
		dev, ok := g.Factory.Lookup(name)
		if !ok {
			continue
		}
		deviceName := name
		s := dev.Conn.Subscribe(func(data string, _ time.Time) {
			buffers.Push(deviceName, data)
		}, nil)
		subs = append(subs, sub{conn: dev.Conn.Connection, s: s})
	}
	defer func() {
		for _, s := range subs {
			s.conn.Unsubscribe(s.s)
		}
	}()

	snapshot := func() []tui.DeviceSnapshot {
		names := g.Factory.Names()
		sort.Strings(names)
		out := make([]tui.DeviceSnapshot, 0, len(names))
		for _, name := range names {
			dev, ok := g.Factory.Lookup(name)
			if !ok {
				continue
			}
			out = append(out, tui.DeviceSnapshot{Name: name, State: dev.CurrentState()})
		}
		return out
	}

	model := tui.New(snapshot, buffers.Snapshot)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
