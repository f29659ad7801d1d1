// Package transport opens and closes websocket connections in explicit,
// individually bounded steps: TCP connect, TLS handshake plus websocket
// upgrade, and a graceful close that falls back to a forced one.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zeus/logger"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrInvalidSourceIP = errors.New("invalid source ip")
	ErrRemoteClosed    = errors.New("connection closed by remote")
	ErrCloseTimeout    = errors.New("close handshake timed out")
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 16 << 20
)

// FrameType distinguishes data frames from control frames surfaced to the
// caller.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FramePing
	FramePong
)

// Frame is one inbound websocket message stamped with its local receive time.
type Frame struct {
	Type       FrameType
	Data       []byte
	ReceivedAt time.Time
}

type Options struct {
	// SourceIP binds outgoing connections to a local address when set.
	SourceIP string
	// TLSConfig is cloned for every handshake; nil uses system roots.
	TLSConfig    *tls.Config
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Dialer creates connections. The caller bounds each step with its context.
type Dialer struct {
	opts  Options
	local *net.TCPAddr
	log   *logger.Entry
}

func NewDialer(opts Options) (*Dialer, error) {
	d := &Dialer{
		opts: opts,
		log:  logger.GetLogger().WithComponent("transport"),
	}
	if ip := strings.TrimSpace(opts.SourceIP); ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSourceIP, opts.SourceIP)
		}
		d.local = &net.TCPAddr{IP: parsed}
	}
	if d.opts.WriteTimeout <= 0 {
		d.opts.WriteTimeout = defaultWriteTimeout
	}
	if d.opts.ReadLimit <= 0 {
		d.opts.ReadLimit = defaultReadLimit
	}
	return d, nil
}

// endpointAddr validates a ws/wss endpoint and returns host:port.
func endpointAddr(endpoint string) (*url.URL, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	var port string
	switch u.Scheme {
	case "wss":
		port = "443"
	case "ws":
		port = "80"
	default:
		return nil, "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	return u, net.JoinHostPort(u.Hostname(), port), nil
}

// Connect opens the TCP connection to the endpoint host.
func (d *Dialer) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	_, addr, err := endpointAddr(endpoint)
	if err != nil {
		return nil, err
	}
	nd := &net.Dialer{KeepAlive: 30 * time.Second}
	if d.local != nil {
		nd.LocalAddr = d.local
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	d.log.WithFields(logger.Fields{
		"peer":  conn.RemoteAddr().String(),
		"local": conn.LocalAddr().String(),
	}).Debug("tcp connection established")
	return conn, nil
}

// Handshake runs TLS (for wss endpoints) and the websocket upgrade on an
// already connected socket. raw is closed when the handshake fails.
func (d *Dialer) Handshake(ctx context.Context, endpoint string, raw net.Conn) (*Conn, error) {
	u, _, err := endpointAddr(endpoint)
	if err != nil {
		raw.Close()
		return nil, err
	}

	wsd := websocket.Dialer{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
	}

	if u.Scheme == "wss" {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if d.opts.TLSConfig != nil {
			cfg = d.opts.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		wsd.NetDialTLSContext = func(context.Context, string, string) (net.Conn, error) {
			return tlsConn, nil
		}
	} else {
		wsd.NetDialContext = func(context.Context, string, string) (net.Conn, error) {
			return raw, nil
		}
	}

	ws, resp, err := wsd.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	ws.SetReadLimit(d.opts.ReadLimit)

	return newConn(ws, d.opts.WriteTimeout), nil
}

// Conn is an established websocket connection. Reads happen only inside
// Serve; writes may come from any goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	serving  bool
	readDone chan struct{}
	closed   bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		readDone:     make(chan struct{}),
	}
}

// Serve reads frames until the connection fails or is closed and passes
// every frame, pings and pongs included, to onFrame. Pings are answered
// before onFrame sees them. Serve may only be called once.
func (c *Conn) Serve(onFrame func(Frame)) error {
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		return errors.New("serve already running")
	}
	c.serving = true
	c.mu.Unlock()
	defer close(c.readDone)

	c.ws.SetPongHandler(func(data string) error {
		onFrame(Frame{Type: FramePong, Data: []byte(data), ReceivedAt: time.Now()})
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		err := c.writeControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		onFrame(Frame{Type: FramePing, Data: []byte(data), ReceivedAt: time.Now()})
		return nil
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			}
			return err
		}
		ft := FrameText
		if typ == websocket.BinaryMessage {
			ft = FrameBinary
		}
		onFrame(Frame{Type: ft, Data: data, ReceivedAt: receivedAt})
	}
}

// WriteText sends a text message bounded by the write timeout.
func (c *Conn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping(payload []byte) error {
	return c.writeControl(websocket.PingMessage, payload, time.Now().Add(c.writeTimeout))
}

func (c *Conn) writeControl(typ int, payload []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(typ, payload, deadline)
}

// Close sends a close frame and waits up to timeout for the peer to answer
// before closing the socket. The socket is always closed; ErrCloseTimeout
// reports that the orderly close did not finish in time.
func (c *Conn) Close(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	serving := c.serving
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := c.writeControl(websocket.CloseMessage, msg, deadline)

	var result error
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		result = fmt.Errorf("send close frame: %w", werr)
	} else if serving {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-c.readDone:
		case <-timer.C:
			result = ErrCloseTimeout
		}
		timer.Stop()
	}

	if err := c.ws.Close(); err != nil && result == nil && !errors.Is(err, net.ErrClosed) {
		result = err
	}
	return result
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
