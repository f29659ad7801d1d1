package trader

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"zeus/config"
	"zeus/internal/exchange"
	"zeus/internal/instrument"
	"zeus/internal/model"
	"zeus/internal/recorder"
	"zeus/internal/session"
	"zeus/internal/transport"
)

type echoAdapter struct{ name string }

func (a echoAdapter) Name() string                     { return a.name }
func (a echoAdapter) Endpoint([]instrument.Ref) string { return "ws://" + a.name + ".test/ws" }
func (a echoAdapter) MessageRate() rate.Limit          { return rate.Inf }

func (a echoAdapter) EncodeSubscribe(refs []instrument.Ref) ([][]byte, error) {
	out := make([][]byte, 0, len(refs))
	for _, r := range refs {
		out = append(out, []byte(r.Symbol))
	}
	return out, nil
}

func (a echoAdapter) Decode(frame []byte) (exchange.Decoded, error) {
	return exchange.Decoded{Kind: exchange.KindEvent, Event: model.MarketEvent{
		Instrument: instrument.New(a.name, string(frame)),
		Stream:     model.StreamTrade,
	}}, nil
}

func lookupEcho(name string) (exchange.Adapter, error) {
	switch name {
	case "alpha", "beta":
		return echoAdapter{name: name}, nil
	}
	return nil, exchange.ErrUnknownExchange
}

// echoConn answers every subscription with a data frame for that symbol.
type echoConn struct {
	frames chan transport.Frame
	closed chan struct{}
	once   sync.Once
}

func (c *echoConn) Serve(onFrame func(transport.Frame)) error {
	for {
		select {
		case f := <-c.frames:
			onFrame(f)
		case <-c.closed:
			return errors.New("closed")
		}
	}
}

func (c *echoConn) WriteText(data []byte) error {
	c.frames <- transport.Frame{Type: transport.FrameText, Data: append([]byte(nil), data...), ReceivedAt: time.Now()}
	return nil
}

func (c *echoConn) Ping([]byte) error { return nil }

func (c *echoConn) Close(time.Duration) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type testDialer struct {
	fail     bool
	attempts *atomic.Int32
}

func (d testDialer) Connect(context.Context, string) (net.Conn, error) {
	d.attempts.Add(1)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func (d testDialer) Handshake(_ context.Context, _ string, raw net.Conn) (session.Conn, error) {
	raw.Close()
	return &echoConn{frames: make(chan transport.Frame, 16), closed: make(chan struct{})}, nil
}

type collectSink struct {
	mu     sync.Mutex
	events []model.MarketEvent
}

func (s *collectSink) Write(_ context.Context, b recorder.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, b.Events...)
	return nil
}

func (s *collectSink) symbols() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, ev := range s.events {
		out[ev.Instrument.Name()]++
	}
	return out
}

func testTraderConfig(t *testing.T) *config.Config {
	return &config.Config{Trader: config.TraderConfig{
		Prometheus: config.PrometheusConfig{
			OutputPath: t.TempDir(),
			Recorder: config.RecorderConfig{
				RecvInterval:      50,
				Overflow:          config.OverflowDropOldest,
				SinkFailurePolicy: config.SinkFailureDrop,
			},
		},
		MaximumReconnectTries:   0,
		CreateConnectionTimeout: 1,
		SSLHandshakeTimeout:     1,
		SSLShutdownTimeout:      0.1,
		CheckPingInterval:       1,
		CheckRecvInterval:       5,
		ReconnectCooldown:       0.01,
		SessionGrouping:         config.GroupingExchange,
		RestartPolicy:           config.RestartPolicyExit,
		ShutdownTimeout:         2,
		Instrument: []config.InstrumentConfig{
			{Exchange: "alpha", Symbol: "BTCUSDT"},
			{Exchange: "alpha", Symbol: "ETHUSDT"},
			{Exchange: "beta", Symbol: "BTCUSDT"},
		},
	}}
}

func dialerFactory(fail func(cfg session.Config) bool, attempts *atomic.Int32) func(session.Config) (session.Dialer, error) {
	return func(cfg session.Config) (session.Dialer, error) {
		return testDialer{fail: fail(cfg), attempts: attempts}, nil
	}
}

func never(session.Config) bool { return false }

func TestUnknownTrader(t *testing.T) {
	_, err := New("backtest", testTraderConfig(t), Options{})
	require.ErrorIs(t, err, ErrUnknownTrader)
	require.Contains(t, err.Error(), "prometheus")
}

func TestUnsupportedExchangeIsRejected(t *testing.T) {
	cfg := testTraderConfig(t)
	_, err := New("prometheus", cfg, Options{})
	require.ErrorIs(t, err, exchange.ErrUnknownExchange, "alpha is not a built in exchange")

	_, err = New("Prometheus", cfg, Options{Adapter: lookupEcho})
	require.NoError(t, err)
}

func TestSessionGrouping(t *testing.T) {
	cfg := testTraderConfig(t)
	tr, err := NewPrometheus(cfg, Options{Adapter: lookupEcho})
	require.NoError(t, err)
	require.Len(t, tr.(*Prometheus).Groups(), 2)

	cfg.Trader.SessionGrouping = config.GroupingInstrument
	tr, err = NewPrometheus(cfg, Options{Adapter: lookupEcho})
	require.NoError(t, err)
	require.Len(t, tr.(*Prometheus).Groups(), 3)
}

func TestRunRecordsUntilCancelled(t *testing.T) {
	var attempts atomic.Int32
	sink := &collectSink{}
	tr, err := New("prometheus", testTraderConfig(t), Options{
		Adapter: lookupEcho,
		Dialer:  dialerFactory(never, &attempts),
		Sink:    sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.symbols()) == 3 }, 2*time.Second, 10*time.Millisecond)

	status := tr.(*Prometheus).status()
	require.Len(t, status, 2)
	require.Equal(t, "alpha", status[0].Name)
	for _, st := range status {
		require.Equal(t, session.StateConnected.String(), st.State)
		require.False(t, st.Terminated)
		require.False(t, st.LastRecvAt.IsZero())
	}
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err, "signal driven shutdown is clean")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	got := sink.symbols()
	require.Equal(t, 1, got["alpha.BTCUSDT"])
	require.Equal(t, 1, got["alpha.ETHUSDT"])
	require.Equal(t, 1, got["beta.BTCUSDT"])
	require.Equal(t, int32(2), attempts.Load(), "one session per exchange")
}

func TestExitPolicyEscalatesExhaustedBudget(t *testing.T) {
	var attempts atomic.Int32
	failBeta := func(cfg session.Config) bool { return cfg.Exchange == "beta" }
	tr, err := New("prometheus", testTraderConfig(t), Options{
		Adapter: lookupEcho,
		Dialer:  dialerFactory(failBeta, &attempts),
		Sink:    &collectSink{},
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- tr.Run(context.Background()) }()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, session.ErrRetryBudgetExhausted)
		require.Contains(t, err.Error(), "exchange beta")
	case <-time.After(3 * time.Second):
		t.Fatal("exit policy did not stop the trader")
	}
}

func TestRestartPolicyStartsFreshSession(t *testing.T) {
	var attempts atomic.Int32
	cfg := testTraderConfig(t)
	cfg.Trader.RestartPolicy = config.RestartPolicyRestart
	cfg.Trader.Instrument = cfg.Trader.Instrument[:1]

	always := func(session.Config) bool { return true }
	tr, err := New("prometheus", cfg, Options{
		Adapter: lookupEcho,
		Dialer:  dialerFactory(always, &attempts),
		Sink:    &collectSink{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsOnBadMetricsAddress(t *testing.T) {
	cfg := testTraderConfig(t)
	cfg.Trader.Prometheus.ListenAddress = "not-an-address"
	tr, err := New("prometheus", cfg, Options{Adapter: lookupEcho, Sink: &collectSink{}})
	require.NoError(t, err)
	require.Error(t, tr.Run(context.Background()))
}
