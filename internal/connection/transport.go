package connection

import (
	"context"
	"time"
)

// Transport is the narrow boundary the runtime expects from concrete I/O.
// Terminal-over-PTY, SSH shell, telnet, raw TCP/UDP, and the in-memory FIFO
// used in tests all satisfy it; none of them are part of the core (spec §6).
type Transport interface {
	// Open establishes the underlying byte stream and starts delivering
	// inbound chunks to receive. It must be safe to call exactly once.
	Open(ctx context.Context, receive func(chunk []byte, recvTime time.Time)) error

	// Close tears the stream down. It must be idempotent.
	Close() error

	// Send writes already-encoded bytes to the stream.
	Send(p []byte) (int, error)
}
