// Package tui implements the devicectl watch console: a bubbletea
// Elm-architecture Model listing live devices (bubbles/list, grounded on
// the teacher's internal/cli/pick.go) and, for the selected device, its
// current state and last few buffered output lines (internal/tui/model.go's
// viewport-plus-header layout, retargeted from log tailing to a device
// console).
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/devicerun/devicerun/internal/output"
)

// DeviceSnapshot is one device's state as of the last poll.
type DeviceSnapshot struct {
	Name  string
	State string
}

// deviceItem implements list.Item.
type deviceItem struct {
	name, state string
}

func (i deviceItem) Title() string       { return i.name }
func (i deviceItem) Description() string { return i.state }
func (i deviceItem) FilterValue() string { return i.name }

// TickMsg drives periodic device-state refresh.
type TickMsg time.Time

// SnapshotFunc polls every device's current name/state, supplied by the
// caller (cli.WatchCmd) so this package stays independent of devicefactory.
type SnapshotFunc func() []DeviceSnapshot

// LinesFunc returns the buffered lines for one device, backed by a lineRing
// the caller feeds from the device's connection subscription.
type LinesFunc func(device string) []string

// Model is the watch console's Elm-architecture state.
type Model struct {
	list      list.Model
	snapshot  SnapshotFunc
	lines     LinesFunc
	width     int
	height    int
	ready     bool
	selected  string
	lastLines []string
}

// New builds a watch Model. snapshot and lines are polled on every tick.
func New(snapshot SnapshotFunc, lines LinesFunc) Model {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "devices"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	return Model{list: l, snapshot: snapshot, lines: lines}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.refreshCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		listHeight := m.height - 8
		if listHeight < 3 {
			listHeight = 3
		}
		m.list.SetWidth(m.width)
		m.list.SetHeight(listHeight)
		m.ready = true
	case TickMsg:
		cmds = append(cmds, tickCmd(), m.refreshCmd())
	case []DeviceSnapshot:
		items := make([]list.Item, len(msg))
		for i, s := range msg {
			items[i] = deviceItem{name: s.Name, state: s.State}
		}
		m.list.SetItems(items)
		if sel, ok := m.list.SelectedItem().(deviceItem); ok {
			m.selected = sel.name
		} else if len(msg) > 0 {
			m.selected = msg[0].Name
		}
		if m.selected != "" && m.lines != nil {
			m.lastLines = m.lines(m.selected)
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "initializing..."
	}
	header := output.Styles.Title.Render("devicectl watch")
	body := m.list.View()

	detail := output.Styles.Header.Render("recent output: " + m.selected)
	if len(m.lastLines) > 0 {
		detail += "\n" + strings.Join(m.lastLines, "\n")
	}

	footer := output.Styles.Help.Render("q:quit  /:filter  up/down:select")
	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s", header, body, detail, footer)
}

func (m Model) refreshCmd() tea.Cmd {
	snapshot := m.snapshot
	return func() tea.Msg {
		if snapshot == nil {
			return []DeviceSnapshot{}
		}
		return snapshot()
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
