// Package event implements C6: an observer that watches connection output
// for one or more regex patterns without writing anything itself, firing an
// occurrence callback on every match (any mode) or once a set/sequence of
// patterns completes a cycle (all/sequence modes).
package event

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/lineassembler"
	"github.com/devicerun/devicerun/internal/observer"
)

// Mode selects how multiple patterns combine into one occurrence cycle.
type Mode int

const (
	// ModeAny fires once per individual pattern match.
	ModeAny Mode = iota
	// ModeAll fires once every pattern has matched at least once since the
	// last cycle, regardless of order, then resets.
	ModeAll
	// ModeSequence fires once every pattern has matched in declared order,
	// then resets.
	ModeSequence
)

// Occurrence is one completed match cycle.
type Occurrence struct {
	Line             string
	MatchedText      string
	NamedGroups      map[string]string
	PositionalGroups []string
	Timestamp        time.Time
}

// OccurrenceFunc is called for every occurrence, on the connection's
// dispatch goroutine; it must not block.
type OccurrenceFunc func(o Occurrence)

// StartGuard mirrors command.StartGuard: evaluated before subscribing,
// aborting the event with EventWrongState if the caller's state check fails.
type StartGuard func() error

// Event watches a connection for Patterns under Mode, completing after
// TargetOccurrences cycles (-1 for unbounded — the caller must Cancel()).
type Event struct {
	*observer.Base
	conn *connection.Connection

	mu                sync.Mutex
	mode              Mode
	patterns          []*regexp.Regexp
	targetOccurrences int
	occurrences       []Occurrence
	onOccurrence      OccurrenceFunc

	// cycleMatches holds the per-pattern record matched so far in the
	// in-progress all-mode cycle, keyed by pattern index.
	cycleMatches map[int]Occurrence
	// seqRecords holds the per-pattern records matched so far in the
	// in-progress sequence-mode cycle, in match order.
	seqRecords []Occurrence
	seqNext    int
	// cycleRecords flattens every completed all/sequence cycle's per-pattern
	// records, delivered as Result() once targetOccurrences cycles complete
	// (spec §8 scenario 4: a completed cycle's occurrence list carries one
	// record per pattern, not one synthetic summary record).
	cycleRecords []Occurrence

	asm *lineassembler.Assembler
	sub *connection.Subscription
}

// New creates an Event bound to conn, not yet started. patterns must be
// non-empty; Start returns errs.ErrNoDetectPatternProvided otherwise.
func New(name string, conn *connection.Connection, mode Mode, patterns []*regexp.Regexp, targetOccurrences int, onOccurrence OccurrenceFunc, clk clock.Clock, sink *observer.UnraisedSink) *Event {
	return &Event{
		Base:              observer.New(name, conn.Name, clk, sink),
		conn:              conn,
		mode:              mode,
		patterns:          patterns,
		targetOccurrences: targetOccurrences,
		onOccurrence:      onOccurrence,
		cycleMatches:      make(map[int]Occurrence),
	}
}

// Start validates the pattern list, runs guard, and begins watching lines.
func (e *Event) Start(guard StartGuard) error {
	e.mu.Lock()
	empty := len(e.patterns) == 0
	e.mu.Unlock()
	if empty {
		if err := e.Base.Start(); err == nil {
			_ = e.Base.SetException(errs.ErrNoDetectPatternProvided)
		}
		return errs.ErrNoDetectPatternProvided
	}

	if guard != nil {
		if err := guard(); err != nil {
			if startErr := e.Base.Start(); startErr == nil {
				_ = e.Base.SetException(err)
			}
			return err
		}
	}
	if err := e.Base.Start(); err != nil {
		return err
	}

	e.asm = lineassembler.New(e.OnNewLine, false)
	e.sub = e.conn.Subscribe(e.asm.Feed, e.onClosed)
	// Any terminal transition — result, exception, cancel, or timeout set by
	// the runner — detaches this event from the connection exactly once.
	e.Base.AddDoneCallback(func(any, error) { e.unsubscribe() })
	return nil
}

func (e *Event) onClosed() {
	_ = e.Base.SetException(errs.ErrConnectionClosed)
}

func (e *Event) unsubscribe() {
	if e.sub != nil {
		e.conn.Unsubscribe(e.sub)
	}
}

// ChangePatterns atomically swaps the pattern set and resets any in-progress
// all/sequence cycle (spec §4.5: "swaps the regex set atomically with
// respect to line processing").
func (e *Event) ChangePatterns(patterns []*regexp.Regexp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = patterns
	e.cycleMatches = make(map[int]Occurrence)
	e.seqRecords = nil
	e.seqNext = 0
}

// Occurrences returns every occurrence recorded so far.
func (e *Event) Occurrences() []Occurrence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Occurrence(nil), e.occurrences...)
}

// OnNewLine applies the mode's matching rule to one line (spec §4.5).
func (e *Event) OnNewLine(line string, isFullLine bool, recvTime time.Time) {
	if !isFullLine || e.Base.Done() {
		return
	}
	e.Base.TouchData()

	e.mu.Lock()
	var matches []Occurrence // ModeAny: each is its own completed unit
	var cycle []Occurrence   // ModeAll/ModeSequence: one completed cycle, one record per pattern, in pattern order
	switch e.mode {
	case ModeAny:
		for _, p := range e.patterns {
			if m := p.FindStringSubmatch(line); m != nil {
				matches = append(matches, buildOccurrence(p, m, line, recvTime))
			}
		}
	case ModeAll:
		for i, p := range e.patterns {
			if _, seen := e.cycleMatches[i]; seen {
				continue
			}
			if m := p.FindStringSubmatch(line); m != nil {
				e.cycleMatches[i] = buildOccurrence(p, m, line, recvTime)
			}
		}
		if len(e.cycleMatches) == len(e.patterns) {
			cycle = make([]Occurrence, len(e.patterns))
			for i := range e.patterns {
				cycle[i] = e.cycleMatches[i]
			}
			e.cycleMatches = make(map[int]Occurrence)
		}
	case ModeSequence:
		if e.seqNext < len(e.patterns) {
			if m := e.patterns[e.seqNext].FindStringSubmatch(line); m != nil {
				e.seqRecords = append(e.seqRecords, buildOccurrence(e.patterns[e.seqNext], m, line, recvTime))
				e.seqNext++
				if e.seqNext == len(e.patterns) {
					cycle = e.seqRecords
					e.seqRecords = nil
					e.seqNext = 0
				}
			}
		}
	}
	e.mu.Unlock()

	for _, occ := range matches {
		e.recordMatch(occ)
	}
	if cycle != nil {
		e.recordCycle(cycle)
	}
}

// recordMatch handles ModeAny, where every individual pattern match is its
// own completed unit.
func (e *Event) recordMatch(occ Occurrence) {
	e.mu.Lock()
	e.occurrences = append(e.occurrences, occ)
	count := len(e.occurrences)
	target := e.targetOccurrences
	e.mu.Unlock()

	e.invokeOccurrence(occ)

	if target != -1 && count >= target {
		_ = e.Base.SetResult(e.Occurrences())
	}
}

// recordCycle handles ModeAll/ModeSequence. Occurrences() keeps tracking one
// summary entry per completed cycle, but the cycle's own per-pattern records
// accumulate separately in cycleRecords and are delivered verbatim as
// Result() once targetOccurrences cycles complete (spec §8 scenario 4).
func (e *Event) recordCycle(cycle []Occurrence) {
	summary := cycle[len(cycle)-1]

	e.mu.Lock()
	e.occurrences = append(e.occurrences, summary)
	e.cycleRecords = append(e.cycleRecords, cycle...)
	count := len(e.occurrences)
	target := e.targetOccurrences
	result := append([]Occurrence(nil), e.cycleRecords...)
	e.mu.Unlock()

	for _, occ := range cycle {
		e.invokeOccurrence(occ)
	}

	if target != -1 && count >= target {
		_ = e.Base.SetResult(result)
	}
}

func (e *Event) invokeOccurrence(occ Occurrence) {
	if e.onOccurrence == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Base.Unraised.Push(fmt.Errorf("event %q occurrence callback panicked: %v", e.Base.Name, r))
		}
	}()
	e.onOccurrence(occ)
}

func buildOccurrence(p *regexp.Regexp, m []string, line string, recvTime time.Time) Occurrence {
	occ := Occurrence{
		Line:        line,
		MatchedText: m[0],
		Timestamp:   recvTime,
	}
	names := p.SubexpNames()
	if len(m) > 1 {
		occ.PositionalGroups = m[1:]
	}
	named := make(map[string]string)
	for i, n := range names {
		if n != "" && i < len(m) {
			named[n] = m[i]
		}
	}
	if len(named) > 0 {
		occ.NamedGroups = named
	}
	return occ
}
