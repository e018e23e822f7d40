// Package connection implements the runtime's I/O connection (C1) and its
// multiplexing fan-out to many observers (C2). A Connection owns exactly one
// Transport; many observer generations subscribe and unsubscribe from it
// over its lifetime, which is why devices hold a Connection rather than a
// raw Transport (a device's connection can be reopened without the device's
// observers ever needing to know).
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/devicerun/devicerun/internal/errs"
	"go.uber.org/zap"
)

// DataFunc receives decoded text and the time it arrived.
type DataFunc func(data string, recvTime time.Time)

// ClosedFunc is invoked exactly once when the connection closes, for every
// subscriber that was attached at (or subscribed after) close time.
type ClosedFunc func()

type subscription struct {
	id       uint64
	dataCB   DataFunc
	closedCB ClosedFunc
	once     sync.Once
}

// Subscription is an opaque handle returned by Subscribe; pass it to
// Unsubscribe to detach.
type Subscription struct {
	sub *subscription
}

// Connection is a named, bidirectional byte pipe with encode/decode hooks
// and a fan-out subscriber list. It is safe for concurrent use: Subscribe,
// Unsubscribe, and the transport's inbound pump may run on different
// goroutines simultaneously.
type Connection struct {
	Name    string
	Encoder func(s string) []byte
	Decoder *IncrementalDecoder

	transport Transport
	logger    *zap.Logger

	mu          sync.RWMutex
	subscribers []*subscription
	nextSubID   uint64
	opened      bool
	closed      bool

	sendMu sync.Mutex
}

// Option configures a new Connection.
type Option func(*Connection)

// WithLogger attaches a logger; the zero value is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEncoder overrides the default (UTF-8, passthrough) string-to-bytes encoder.
func WithEncoder(enc func(string) []byte) Option {
	return func(c *Connection) { c.Encoder = enc }
}

// New creates a Connection bound to transport, named name.
func New(name string, transport Transport, opts ...Option) *Connection {
	c := &Connection{
		Name:      name,
		Encoder:   func(s string) []byte { return []byte(s) },
		Decoder:   NewIncrementalDecoder(),
		transport: transport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts the transport's inbound pump. Safe to call once; reopening a
// MultiplexingConnection goes through Reopen instead.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.closed = false
	c.mu.Unlock()

	return c.transport.Open(ctx, c.DataReceived)
}

// Close idempotently tears the connection down and notifies every
// subscriber exactly once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := append([]*subscription(nil), c.subscribers...)
	c.mu.Unlock()

	err := c.transport.Close()
	c.notifyClosed(subs)
	return err
}

func (c *Connection) notifyClosed(subs []*subscription) {
	for _, s := range subs {
		sub := s
		sub.once.Do(func() {
			if sub.closedCB != nil {
				sub.closedCB()
			}
		})
	}
}

// Send encodes s and writes it to the transport. Fails with
// errs.ErrConnectionClosed once Close has run.
func (c *Connection) Send(s string) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errs.ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.transport.Send(c.Encoder(s))
	return err
}

// Subscribe attaches a (data, closed) callback pair and returns a handle for
// Unsubscribe. If the connection is already closed, closedCB fires
// immediately (once) rather than never.
func (c *Connection) Subscribe(dataCB DataFunc, closedCB ClosedFunc) *Subscription {
	c.mu.Lock()
	sub := &subscription{id: c.nextSubID, dataCB: dataCB, closedCB: closedCB}
	c.nextSubID++
	if c.closed {
		c.mu.Unlock()
		sub.once.Do(func() {
			if closedCB != nil {
				closedCB()
			}
		})
		return &Subscription{sub: sub}
	}
	// Copy-on-write: fan-out iterates a private snapshot, never the live
	// slice, so it never races a concurrent Subscribe/Unsubscribe.
	next := make([]*subscription, len(c.subscribers)+1)
	copy(next, c.subscribers)
	next[len(c.subscribers)] = sub
	c.subscribers = next
	c.mu.Unlock()
	return &Subscription{sub: sub}
}

// Unsubscribe detaches a subscription. Idempotent; unknown/already-removed
// handles are a no-op.
func (c *Connection) Unsubscribe(h *Subscription) {
	if h == nil || h.sub == nil {
		return
	}
	c.mu.Lock()
	next := make([]*subscription, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		if s.id != h.sub.id {
			next = append(next, s)
		}
	}
	c.subscribers = next
	c.mu.Unlock()
}

// DataReceived decodes a raw chunk and fans it out to a snapshot of
// subscribers. A subscriber whose callback panics is recovered and logged;
// the rest still see the line (spec §4.1: "must not block delivery to the others").
func (c *Connection) DataReceived(chunk []byte, recvTime time.Time) {
	text := c.Decoder.Decode(chunk)
	if text == "" {
		return
	}

	c.mu.RLock()
	subs := c.subscribers
	c.mu.RUnlock()

	for _, s := range subs {
		c.dispatch(s, text, recvTime)
	}
}

func (c *Connection) dispatch(s *subscription, text string, recvTime time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber callback panicked",
				zap.String("connection", c.Name),
				zap.Any("recover", r),
			)
		}
	}()
	if s.dataCB != nil {
		s.dataCB(text, recvTime)
	}
}

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
