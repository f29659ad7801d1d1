package session

import (
	"context"
	"net"
	"time"

	"zeus/internal/transport"
)

// Dialer opens connections in two separately bounded steps.
type Dialer interface {
	Connect(ctx context.Context, endpoint string) (net.Conn, error)
	// Handshake upgrades raw and owns it from then on: raw is closed when
	// the handshake fails.
	Handshake(ctx context.Context, endpoint string, raw net.Conn) (Conn, error)
}

// Conn is an established streaming connection.
type Conn interface {
	// Serve blocks reading frames until the connection ends.
	Serve(onFrame func(transport.Frame)) error
	WriteText(data []byte) error
	Ping(payload []byte) error
	// Close attempts an orderly close bounded by timeout and always
	// releases the connection.
	Close(timeout time.Duration) error
}

type transportDialer struct {
	d *transport.Dialer
}

// NewTransportDialer returns a Dialer backed by the websocket transport.
func NewTransportDialer(opts transport.Options) (Dialer, error) {
	d, err := transport.NewDialer(opts)
	if err != nil {
		return nil, err
	}
	return transportDialer{d: d}, nil
}

func (t transportDialer) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return t.d.Connect(ctx, endpoint)
}

func (t transportDialer) Handshake(ctx context.Context, endpoint string, raw net.Conn) (Conn, error) {
	conn, err := t.d.Handshake(ctx, endpoint, raw)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
