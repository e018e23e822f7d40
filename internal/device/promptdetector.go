package device

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/event"
	"github.com/devicerun/devicerun/internal/lineassembler"
)

// PromptDetector is C10: an always-on watcher over a device's connection
// that calls setState whenever a line matches a configured prompt. It is
// deliberately not built on event.Event — the multi-check diagnostic mode
// (every prompt checked against every line, not just until the first match)
// and reverse-order matching are detector-specific policy, not a general
// event-matching mode.
type PromptDetector struct {
	d   *Device
	asm *lineassembler.Assembler
	sub *connection.Subscription

	lastWrong atomic.Value // string
}

func newPromptDetector(d *Device) *PromptDetector {
	return &PromptDetector{d: d}
}

func (p *PromptDetector) arm() error {
	p.asm = lineassembler.New(p.onLine, false)
	p.sub = p.d.Conn.Subscribe(p.asm.Feed, func() {})
	return nil
}

func (p *PromptDetector) disarm() {
	if p.sub != nil {
		p.d.Conn.Unsubscribe(p.sub)
	}
}

func (p *PromptDetector) lastWrongOccurrence() string {
	v, _ := p.lastWrong.Load().(string)
	return v
}

func (p *PromptDetector) onLine(line string, isFullLine bool, _ time.Time) {
	if !isFullLine {
		return
	}
	prompts := p.d.SnapshotPrompts()
	states := orderedStates(prompts, p.d.cfg.ReverseOrder)

	matches := 0
	var target string
	for _, st := range states {
		re := prompts[st]
		if re == nil || !re.MatchString(line) {
			continue
		}
		matches++
		if target == "" {
			target = st
		}
		if !p.d.cfg.MultiCheckPrompts {
			break
		}
	}
	if matches > 1 {
		p.lastWrong.Store(line)
	}
	if target != "" {
		p.d.setState(target)
	}
}

// orderedStates gives a deterministic iteration order over a prompt map, so
// "break after first match" is reproducible rather than dependent on Go's
// randomized map iteration: ascending by state name, or descending when
// reverse is set.
func orderedStates(prompts map[string]*regexp.Regexp, reverse bool) []string {
	states := make([]string, 0, len(prompts))
	for st := range prompts {
		states = append(states, st)
	}
	sort.Strings(states)
	if reverse {
		for i, j := 0, len(states)-1; i < j; i, j = i+1, j-1 {
			states[i], states[j] = states[j], states[i]
		}
	}
	return states
}

// ProbePrompt sends literal (plus a newline) and waits for a line containing
// it verbatim, then derives state's prompt regex from the text preceding
// literal on that line — the arbitrary-prompt discovery spec §4.10
// describes for a just-opened remote shell. The derived pattern is escaped
// (regexp.QuoteMeta) and anchored to the start of the line.
func (d *Device) ProbePrompt(state, literal string, timeout time.Duration) error {
	probePattern := regexp.MustCompile(regexp.QuoteMeta(literal))

	var captured string
	done := make(chan struct{})
	ev := event.New("prompt-probe:"+state, d.Conn.Connection, event.ModeAny,
		[]*regexp.Regexp{probePattern}, 1,
		func(o event.Occurrence) {
			captured = o.Line
			close(done)
		}, d.clk, d.sink)
	if err := ev.Start(nil); err != nil {
		return fmt.Errorf("%w: probe event: %v", errs.ErrDeviceFailure, err)
	}
	if err := d.Conn.Send(literal + "\n"); err != nil {
		_ = ev.Cancel()
		return fmt.Errorf("%w: probe send: %v", errs.ErrDeviceFailure, err)
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := d.clk.Timer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-done:
	case <-timeoutC:
		_ = ev.Cancel()
		return errs.ErrTimeout
	}

	idx := strings.Index(captured, literal)
	if idx < 0 {
		return fmt.Errorf("%w: probe literal not found in captured line %q", errs.ErrDeviceFailure, captured)
	}
	prefix := captured[:idx]
	d.SetPrompt(state, regexp.MustCompile("^"+regexp.QuoteMeta(prefix)))
	return nil
}
