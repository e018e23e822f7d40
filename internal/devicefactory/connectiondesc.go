package devicefactory

import (
	"fmt"
	"time"

	"github.com/devicerun/devicerun/internal/connection"
	"github.com/devicerun/devicerun/transport/fifo"
	"github.com/devicerun/devicerun/transport/tmuxpane"
)

// BuildTransport is the default TransportBuilder, resolving spec.md §6's
// CONNECTION_DESC.io_type to one of this module's two demo transports
// (§4.12). Real deployments inject their own TransportBuilder for PTY/SSH/
// telnet/TCP transports, which stay outside this module's core per spec.md
// §6's "any implementation satisfying the contract is accepted".
func BuildTransport(desc ConnectionDesc) (connection.Transport, error) {
	switch desc.IOType {
	case "", "fifo":
		return fifo.New(), nil
	case "tmuxpane":
		if desc.Target == "" {
			return nil, fmt.Errorf("connection_desc: tmuxpane requires target session name")
		}
		return tmuxpane.New(tmuxpane.Config{
			SessionName:  desc.Target,
			PollInterval: 150 * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("connection_desc: unknown io_type %q", desc.IOType)
	}
}
