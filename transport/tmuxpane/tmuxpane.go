// Package tmuxpane drives an interactive device session through a tmux
// pane's shell, satisfying connection.Transport. It is adapted from the
// teacher's internal/tmux package, which only ever wrote banner/log output
// *into* a pane for a human to watch; here the same gotmux wrapper instead
// treats an existing pane's shell as the device session itself — Send
// becomes `send-keys`, and inbound bytes are polled by diffing successive
// `capture-pane` snapshots against the last-seen length.
package tmuxpane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GianlucaP106/gotmux/gotmux"
)

// Config names the tmux session/pane to attach to.
type Config struct {
	SessionName    string
	StartDirectory string
	PollInterval   time.Duration // default 200ms
}

// Transport polls a tmux pane's captured output for new bytes and sends
// keystrokes via send-keys.
type Transport struct {
	cfg     Config
	tmux    *gotmux.Tmux
	session *gotmux.Session

	paneTarget string
	lastLen    int

	stop chan struct{}
}

// New creates an unopened tmux-pane transport.
func New(cfg Config) (*Transport, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("tmuxpane: init tmux: %w", err)
	}
	return &Transport{cfg: cfg, tmux: t, stop: make(chan struct{})}, nil
}

// Open finds or creates the configured session and starts polling its
// first pane for new output.
func (t *Transport) Open(ctx context.Context, receive func(chunk []byte, recvTime time.Time)) error {
	sessions, err := t.tmux.ListSessions()
	if err != nil {
		return fmt.Errorf("tmuxpane: list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Name == t.cfg.SessionName {
			t.session = s
			break
		}
	}
	if t.session == nil {
		s, err := t.tmux.NewSession(&gotmux.SessionOptions{
			Name:           t.cfg.SessionName,
			StartDirectory: t.cfg.StartDirectory,
		})
		if err != nil {
			return fmt.Errorf("tmuxpane: create session: %w", err)
		}
		t.session = s
	}
	t.paneTarget = fmt.Sprintf("%s:0.0", t.cfg.SessionName)

	go t.pollLoop(ctx, receive)
	return nil
}

func (t *Transport) pollLoop(ctx context.Context, receive func(chunk []byte, recvTime time.Time)) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			out, err := t.tmux.Command("capture-pane", "-t", t.paneTarget, "-p", "-S", "-")
			if err != nil {
				continue
			}
			text := fmt.Sprint(out)
			if len(text) <= t.lastLen {
				continue
			}
			fresh := text[t.lastLen:]
			t.lastLen = len(text)
			receive([]byte(fresh), time.Now())
		}
	}
}

// Close stops polling. The tmux session itself persists, matching the
// teacher's Manager.Cleanup contract ("session persists").
func (t *Transport) Close() error {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	return nil
}

// Send writes p to the pane via send-keys, escaping embedded single quotes.
func (t *Transport) Send(p []byte) (int, error) {
	escaped := strings.ReplaceAll(string(p), "'", `'"'"'`)
	escaped = strings.TrimSuffix(escaped, "\n")
	if _, err := t.tmux.Command("send-keys", "-t", t.paneTarget, "-l", escaped); err != nil {
		return 0, fmt.Errorf("tmuxpane: send-keys: %w", err)
	}
	if _, err := t.tmux.Command("send-keys", "-t", t.paneTarget, "Enter"); err != nil {
		return 0, fmt.Errorf("tmuxpane: send Enter: %w", err)
	}
	return len(p), nil
}
