// Package command implements C5: a command observer that writes a built
// command string to a connection, classifies every incoming line as echo,
// parseable output, or the terminating prompt, and resolves with a
// parser-built result map.
package command

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/internal/errs"
	"github.com/devicerun/devicerun/internal/lineassembler"
	"github.com/devicerun/devicerun/internal/observer"
)

// Parser inspects one line of command output and may mutate ret. Returning
// errs.ErrParsingDone short-circuits further parsing of *this* line only —
// it is swallowed by the envelope, not treated as failure. Any other
// non-nil error is latched as the command's eventual failure, but parsing
// continues to completion (the prompt line itself may still carry data a
// parser wants).
type Parser func(line string, ret map[string]any) error

// StartGuard is evaluated immediately before the command string is written.
// Returning an error aborts the start and the command finishes with that
// error (device.Device.GuardCmd builds one to enforce CommandWrongState — spec
// §4.8: "if the current state changes between creation and start").
type StartGuard func() error

// Spec describes one concrete command: how to build its wire text, how to
// recognize its terminating prompt, and how to parse its output.
type Spec struct {
	Name           string
	Build          func() string // renders the full command line, without the newline
	TargetNewline  string        // defaults to "\n"
	PromptPattern  *regexp.Regexp
	RetRequired    bool
	Parser         Parser
}

// Command is one in-flight run of a Spec against a connection.
type Command struct {
	*observer.Base
	spec Spec
	conn *connection.Connection

	sentCommand  string
	echoConsumed bool
	currentRet   map[string]any
	latchedErr   error

	asm *lineassembler.Assembler
	sub *connection.Subscription
}

// New creates a Command bound to conn, not yet started.
func New(spec Spec, conn *connection.Connection, clk clock.Clock, sink *observer.UnraisedSink) *Command {
	if spec.TargetNewline == "" {
		spec.TargetNewline = "\n"
	}
	return &Command{
		Base:       observer.New(spec.Name, conn.Name, clk, sink),
		spec:       spec,
		conn:       conn,
		currentRet: make(map[string]any),
	}
}

// Start runs guard (if non-nil), writes the built command string plus its
// target newline, and begins listening for the prompt. It returns once the
// write has happened, not once the command completes — wait on the embedded
// Base (Result/AwaitDone) for that.
func (c *Command) Start(guard StartGuard) error {
	if guard != nil {
		if err := guard(); err != nil {
			if startErr := c.Base.Start(); startErr == nil {
				_ = c.Base.SetException(err)
			}
			return err
		}
	}
	if err := c.Base.Start(); err != nil {
		return err
	}

	c.sentCommand = c.spec.Build()
	c.asm = lineassembler.New(c.OnNewLine, false)
	c.sub = c.conn.Subscribe(c.asm.Feed, c.onClosed)

	if err := c.conn.Send(c.sentCommand + c.spec.TargetNewline); err != nil {
		_ = c.Base.SetException(fmt.Errorf("command %s: send: %w", c.spec.Name, err))
		c.unsubscribe()
		return err
	}
	return nil
}

func (c *Command) onClosed() {
	_ = c.Base.SetException(errs.ErrConnectionClosed)
	c.unsubscribe()
}

func (c *Command) unsubscribe() {
	if c.sub != nil {
		c.conn.Unsubscribe(c.sub)
	}
}

// OnNewLine applies the spec's matching pipeline to one line (spec §4.4).
func (c *Command) OnNewLine(line string, isFullLine bool, recvTime time.Time) {
	if !isFullLine {
		return
	}
	if c.Base.Done() {
		return
	}
	c.Base.TouchData()

	// A line is the echo only the first time it contains the sent command;
	// every other line — before or after the echo — goes to the parser
	// (spec §4.4 step 2: "otherwise call the parser").
	isEcho := !c.echoConsumed && strings.Contains(line, c.sentCommand)
	if isEcho {
		c.echoConsumed = true
	} else if c.spec.Parser != nil {
		if err := c.spec.Parser(line, c.currentRet); err != nil {
			if err != errs.ErrParsingDone {
				c.latchedErr = err
			}
		}
	}

	if c.echoConsumed && c.spec.PromptPattern != nil && c.spec.PromptPattern.MatchString(line) {
		c.complete()
	}
}

func (c *Command) complete() {
	defer c.unsubscribe()

	if c.latchedErr != nil {
		_ = c.Base.SetException(fmt.Errorf("%w: %v", errs.ErrCommandFailure, c.latchedErr))
		return
	}
	if c.spec.RetRequired && len(c.currentRet) == 0 {
		_ = c.Base.SetException(errs.ErrCommandFailure)
		return
	}
	_ = c.Base.SetResult(c.currentRet)
}
