package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MultiplexingConnection is the long-lived connection a device owns: its
// Transport may be swapped out and reopened (e.g. a dropped SSH session
// reconnecting) while observers keep subscribing to the same stable
// identity. Connection itself is the single-generation primitive;
// MultiplexingConnection adds the "outlives its transport" behavior.
type MultiplexingConnection struct {
	*Connection

	mu        sync.Mutex
	transport Transport
}

// NewMultiplexing wraps transport under a MultiplexingConnection named name.
func NewMultiplexing(name string, transport Transport, opts ...Option) *MultiplexingConnection {
	return &MultiplexingConnection{
		Connection: New(name, transport, opts...),
		transport:  transport,
	}
}

// NotifyConnectionMade logs that the transport (re)established a stream.
// It carries no payload of its own; subscribers learn of new data the usual
// way, via DataReceived.
func (m *MultiplexingConnection) NotifyConnectionMade() {
	m.logger.Info("connection established", zap.String("connection", m.Name))
}

// NotifyConnectionLost fans a close notification to every current
// subscriber without tearing down the Connection's bookkeeping, so Reopen
// can bring in a fresh transport and let new observers subscribe again.
func (m *MultiplexingConnection) NotifyConnectionLost() {
	m.Connection.mu.Lock()
	subs := append([]*subscription(nil), m.Connection.subscribers...)
	m.Connection.mu.Unlock()
	m.Connection.notifyClosed(subs)
	m.logger.Warn("connection lost", zap.String("connection", m.Name))
}

// Reopen swaps in a fresh transport and reopens the stream, clearing the
// closed flag so Send works again and future Subscribe calls attach
// normally. Existing subscribers are left in place; callers that got a
// close notification via NotifyConnectionLost are expected to resubscribe
// if they still want to observe the new generation.
func (m *MultiplexingConnection) Reopen(ctx context.Context, transport Transport) error {
	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()

	m.Connection.mu.Lock()
	m.Connection.transport = transport
	m.Connection.opened = false
	m.Connection.closed = false
	m.Connection.mu.Unlock()

	return m.Connection.Open(ctx)
}
