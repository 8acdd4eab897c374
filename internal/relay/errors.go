package relay

import "errors"

var (
	// ErrProtocol marks a malformed reply from the downstream relay.
	ErrProtocol = errors.New("protocol error")
	// ErrHandshake marks a CONNECT the downstream relay refused.
	ErrHandshake = errors.New("handshake error")
	// ErrAddress marks a first client packet without a usable destination.
	ErrAddress = errors.New("address error")
	// ErrTransport marks a dial, read or write failure on either connection.
	ErrTransport = errors.New("transport error")
)

// ErrorKind returns a short label for err, for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrAddress):
		return "address"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
