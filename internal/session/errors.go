package session

import "errors"

var (
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrShutdownTimeout      = errors.New("shutdown timeout")
	ErrTransport            = errors.New("transport error")
	ErrProtocolDecode       = errors.New("protocol decode error")
	ErrStaleConnection      = errors.New("stale connection")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// reason returns a short label for err, used in logs and metric labels.
func reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrStaleConnection):
		return "stale"
	case errors.Is(err, ErrProtocolDecode):
		return "decode"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
