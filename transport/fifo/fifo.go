// Package fifo implements the in-memory byte-pipe transport the spec names
// as the one concrete transport tests are expected to use directly (spec §6:
// "in-memory FIFO (for tests)"). It satisfies connection.Transport without
// touching any real OS resource, grounded on the read-loop-plus-stop-channel
// shape of oceanplexian-gogios's internal/extcmd named-pipe processor,
// adapted from a named OS pipe to an in-process io.Pipe.
package fifo

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"
)

// Transport is a bidirectional in-memory pipe: writes made via Inject are
// delivered to the connection's receive callback; Send makes bytes
// available on Outbound for a test to read back (e.g. to assert on the
// command string a device wrote).
type Transport struct {
	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	inboundR *io.PipeReader
	inboundW *io.PipeWriter
	outbound chan []byte
}

// New creates an unopened FIFO transport.
func New() *Transport {
	r, w := io.Pipe()
	return &Transport{
		closeCh:  make(chan struct{}),
		inboundR: r,
		inboundW: w,
		outbound: make(chan []byte, 256),
	}
}

// Open starts a line-buffered read loop over the inbound pipe, calling
// receive for every newline-terminated line, with the '\n' kept (matching
// how every concrete transport in the corpus that reads text frames a read
// loop). Bytes after the last newline are delivered only if the loop reads
// EOF before Close also closes the reading end.
func (t *Transport) Open(ctx context.Context, receive func(chunk []byte, recvTime time.Time)) error {
	go func() {
		scanner := bufio.NewScanner(t.inboundR)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			line = append(line, '\n')
			receive(line, time.Now())
		}
	}()
	return nil
}

// Close closes both directions of the pipe. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	t.mu.Unlock()

	_ = t.inboundW.Close()
	_ = t.inboundR.Close()
	return nil
}

// Send makes p available on Outbound() for the test driving the other end
// to observe, e.g. to assert the exact command string a device sent.
func (t *Transport) Send(p []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), p...)
	select {
	case t.outbound <- cp:
	case <-t.closeCh:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Outbound returns the channel of bytes written via Send, for a test
// harness to drain and assert on.
func (t *Transport) Outbound() <-chan []byte {
	return t.outbound
}

// Inject feeds s into the inbound side, as if the simulated device had
// printed it. It is the test-harness equivalent of a real device's output.
func (t *Transport) Inject(s string) error {
	_, err := io.WriteString(t.inboundW, s)
	return err
}
