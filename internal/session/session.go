// Package session keeps one streaming connection to an exchange alive. A
// session connects, subscribes its instruments, watches liveness and
// reconnects after failures until its retry budget runs out or it is stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"zeus/internal/exchange"
	"zeus/internal/instrument"
	"zeus/internal/metrics"
	"zeus/internal/model"
	"zeus/internal/transport"
	"zeus/logger"
)

// Recorder receives decoded events. Record must not block on I/O.
type Recorder interface {
	Record(ev model.MarketEvent) bool
}

type Session struct {
	id       string
	cfg      Config
	endpoint string
	adapter  exchange.Adapter
	dialer   Dialer
	recorder Recorder
	metrics  *metrics.Collectors
	monitor  Monitor
	wanted   map[instrument.Ref]struct{}
	log      *logger.Entry

	state      atomic.Int32
	retries    atomic.Int32
	lastRecvAt atomic.Int64
	lastPingAt atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func New(cfg Config, adapter exchange.Adapter, dialer Dialer, rec Recorder, m *metrics.Collectors) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil || dialer == nil || rec == nil {
		return nil, fmt.Errorf("session %q: adapter, dialer and recorder are required", cfg.Name)
	}

	wanted := make(map[instrument.Ref]struct{}, len(cfg.Instruments))
	for _, ins := range cfg.Instruments {
		wanted[ins] = struct{}{}
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		endpoint: adapter.Endpoint(cfg.Instruments),
		adapter:  adapter,
		dialer:   dialer,
		recorder: rec,
		metrics:  m,
		monitor:  Monitor{PingInterval: cfg.CheckPingInterval, RecvInterval: cfg.CheckRecvInterval},
		wanted:   wanted,
		done:     make(chan struct{}),
		log: logger.GetLogger().WithComponent("session").WithFields(logger.Fields{
			"session":    cfg.Name,
			"session_id": id,
			"exchange":   cfg.Exchange,
		}),
	}
	s.metrics.SetSessionState(cfg.Name, cfg.Exchange, int(StateDisconnected))
	return s, nil
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Name() string     { return s.cfg.Name }
func (s *Session) Exchange() string { return s.cfg.Exchange }
func (s *Session) Config() Config   { return s.cfg }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Health returns the current liveness snapshot.
func (s *Session) Health() Snapshot {
	snap := Snapshot{ConsecutiveReconnectCount: int(s.retries.Load())}
	if ns := s.lastRecvAt.Load(); ns > 0 {
		snap.LastRecvAt = time.Unix(0, ns)
	}
	if ns := s.lastPingAt.Load(); ns > 0 {
		snap.LastPingSentAt = time.Unix(0, ns)
	}
	return snap
}

// Start launches the control loop. Calls after the first are no-ops.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels the session, releases its connection and waits for the
// control loop to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.started = true
		close(s.done)
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed once the session reached a final state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is non-nil once the session terminated with its retry budget spent.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.metrics.SetSessionState(s.cfg.Name, s.cfg.Exchange, int(st))
	s.log.WithFields(logger.Fields{
		"from": prev.String(),
		"to":   st.String(),
	}).Debug("state change")
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.log.WithFields(logger.Fields{
		"endpoint":    s.endpoint,
		"instruments": len(s.cfg.Instruments),
		"source_ip":   s.cfg.SourceIP,
	}).Info("session started")

	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			s.log.Info("session stopped")
			return
		}

		count := int(s.retries.Add(1))
		if count >= max(s.cfg.MaximumReconnectTries, 1) {
			s.terminate(err, count)
			return
		}
		s.setState(StateReconnecting)
		s.metrics.IncReconnect(s.cfg.Name, s.cfg.Exchange, reason(err))
		metrics.EmitSessionEvent(metrics.MetricSessionReconnects, s.cfg.Exchange, s.cfg.Name)
		s.log.WithError(err).WithFields(logger.Fields{
			"attempt":  count,
			"max":      s.cfg.MaximumReconnectTries,
			"cooldown": s.cfg.ReconnectCooldown.String(),
		}).Warn("connection lost, reconnecting after cooldown")

		timer := time.NewTimer(s.cfg.ReconnectCooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			s.log.Info("session stopped during cooldown")
			return
		case <-timer.C:
		}
	}
}

func (s *Session) terminate(cause error, attempts int) {
	err := fmt.Errorf("%w: session %s (exchange %s) gave up after %d failed attempts: %v",
		ErrRetryBudgetExhausted, s.cfg.Name, s.cfg.Exchange, attempts, cause)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.setState(StateTerminated)
	metrics.EmitSessionEvent(metrics.MetricSessionTerminated, s.cfg.Exchange, s.cfg.Name)
	s.log.WithError(err).WithFields(logger.Fields{
		"attempts": attempts,
		"max":      s.cfg.MaximumReconnectTries,
	}).Error("session terminated")
}

// classify maps a failed connect or handshake step to a session error.
func classify(parent, step context.Context, timeoutErr error, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(step.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", timeoutErr, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// connectAndServe runs one connection from dial to teardown. It returns nil
// only when ctx was cancelled.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CreateConnectionTimeout)
	raw, err := s.dialer.Connect(cctx, s.endpoint)
	if err != nil {
		err = classify(ctx, cctx, ErrConnectTimeout, err)
		cancel()
		s.setState(StateDisconnected)
		return err
	}
	cancel()

	s.setState(StateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, s.cfg.SSLHandshakeTimeout)
	conn, err := s.dialer.Handshake(hctx, s.endpoint, raw)
	if err != nil {
		err = classify(ctx, hctx, ErrHandshakeTimeout, err)
		cancel()
		return err
	}
	cancel()

	return s.serve(ctx, conn)
}

// link is the per-connection state shared between the control loop and the
// reader goroutine.
type link struct {
	conn Conn
	errs chan error
	once sync.Once
	ping atomic.Pointer[string]

	// reader goroutine only
	decodeErrs int
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	now := time.Now()
	s.lastRecvAt.Store(now.UnixNano())
	s.lastPingAt.Store(now.UnixNano())
	s.setState(StateConnected)
	entry := s.log
	if p, ok := conn.(interface{ RemoteAddr() string }); ok {
		entry = entry.WithField("peer", p.RemoteAddr())
	}
	entry.Info("connected")

	l := &link{
		conn: conn,
		errs: make(chan error, 2),
	}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		l.errs <- conn.Serve(func(f transport.Frame) { s.handleFrame(l, f) })
	}()

	err := s.subscribe(ctx, l)
	if err == nil {
		err = s.watch(ctx, l)
	}

	s.release(conn, ctx.Err() != nil)
	<-readerDone
	return err
}

func (s *Session) subscribe(ctx context.Context, l *link) error {
	frames, err := s.adapter.EncodeSubscribe(s.cfg.Instruments)
	if err != nil {
		return fmt.Errorf("%w: encode subscribe: %v", ErrProtocolDecode, err)
	}

	limiter := rate.NewLimiter(s.adapter.MessageRate(), 1)
	for _, frame := range frames {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: subscribe pacing: %v", ErrTransport, err)
		}
		if err := l.conn.WriteText(frame); err != nil {
			return fmt.Errorf("%w: send subscribe: %v", ErrTransport, err)
		}
	}
	s.log.WithField("frames", len(frames)).Debug("subscriptions sent")
	return nil
}

// watch runs the health checks until the connection fails or ctx ends.
func (s *Session) watch(ctx context.Context, l *link) error {
	ticker := time.NewTicker(s.monitor.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-l.errs:
			if errors.Is(err, ErrProtocolDecode) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)

		case now := <-ticker.C:
			switch s.monitor.Evaluate(s.Health(), now) {
			case VerdictStale:
				return fmt.Errorf("%w: nothing received for %s", ErrStaleConnection, now.Sub(s.Health().LastRecvAt).Round(time.Millisecond))
			case VerdictPing:
				payload := PingPayload(now)
				p := string(payload)
				l.ping.Store(&p)
				if err := s.ping(l.conn, payload); err != nil {
					return fmt.Errorf("%w: ping: %v", ErrTransport, err)
				}
				s.lastPingAt.Store(now.UnixNano())
			}
		}
	}
}

// release closes conn. A graceful close is bounded by the shutdown timeout;
// the connection is released either way.
func (s *Session) release(conn Conn, stopping bool) {
	err := conn.Close(s.cfg.SSLShutdownTimeout)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrCloseTimeout):
		s.log.WithError(fmt.Errorf("%w: %v", ErrShutdownTimeout, err)).Warn("orderly close did not finish, connection forced closed")
	case stopping:
		s.log.WithError(err).Warn("close failed")
	default:
		s.log.WithError(err).Debug("close after failure")
	}
}

// ping sends the exchange's application ping when it defines one, otherwise
// a websocket control ping.
func (s *Session) ping(conn Conn, payload []byte) error {
	if p, ok := s.adapter.(exchange.Pinger); ok {
		return conn.WriteText(p.EncodePing(payload))
	}
	return conn.Ping(payload)
}

func (s *Session) handleFrame(l *link, f transport.Frame) {
	s.lastRecvAt.Store(f.ReceivedAt.UnixNano())
	// The reset lands before the reader exits, so a failure reported right
	// after the first frame still sees it.
	l.once.Do(func() {
		if prev := s.retries.Swap(0); prev > 0 {
			s.log.WithField("previous", prev).Info("data flowing again, retry budget reset")
		}
	})

	switch f.Type {
	case transport.FramePong:
		s.metrics.IncFrame(s.cfg.Exchange, "pong")
		if want := l.ping.Load(); want != nil && *want != string(f.Data) {
			s.log.WithFields(logger.Fields{
				"expected": *want,
				"got":      string(f.Data),
			}).Debug("pong does not match outstanding ping")
		}
		return
	case transport.FramePing:
		s.metrics.IncFrame(s.cfg.Exchange, "ping")
		return
	}

	decoded, err := s.adapter.Decode(f.Data)
	if err != nil {
		l.decodeErrs++
		s.metrics.IncFrame(s.cfg.Exchange, "error")
		s.metrics.IncDecodeError(s.cfg.Exchange)
		entry := s.log.WithError(err).WithField("consecutive", l.decodeErrs)
		if errors.Is(err, exchange.ErrRejected) {
			entry.Warn("exchange rejected a request")
		} else {
			entry.Warn("skipping undecodable frame")
		}
		if s.cfg.MaxDecodeErrors > 0 && l.decodeErrs > s.cfg.MaxDecodeErrors {
			select {
			case l.errs <- fmt.Errorf("%w: %d consecutive frames failed to decode: %v", ErrProtocolDecode, l.decodeErrs, err):
			default:
			}
		}
		return
	}
	l.decodeErrs = 0
	s.metrics.IncFrame(s.cfg.Exchange, decoded.Kind.String())

	if decoded.Kind != exchange.KindEvent {
		return
	}

	ev := decoded.Event
	if _, ok := s.wanted[ev.Instrument]; !ok {
		metrics.EmitDropMetric(nil, metrics.DropMetricForeignInstrument, 1, ev.Instrument.Exchange, ev.Instrument.Symbol, "not_subscribed")
		return
	}
	ev.ReceivedAt = f.ReceivedAt
	ev.Payload = f.Data
	if !s.recorder.Record(ev) {
		s.log.WithField("instrument", ev.Instrument.Name()).Debug("recorder rejected event")
	}
}
