package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"zeus/config"
	"zeus/internal/instrument"
	"zeus/internal/metrics"
	"zeus/internal/recorder"
	"zeus/internal/session"
	"zeus/logger"
)

const statusInterval = time.Minute

// Prometheus is the recording trader: it streams every configured instrument
// and writes what it receives to the configured sinks.
type Prometheus struct {
	cfg      *config.Config
	opts     Options
	registry *instrument.Registry
	groups   []instrument.Group
	log      *logger.Entry

	collectors *metrics.Collectors
	recorder   *recorder.Recorder

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func NewPrometheus(cfg *config.Config, opts Options) (Trader, error) {
	opts = opts.withDefaults()

	reg, err := instrument.NewRegistry(cfg.Trader.Instrument)
	if err != nil {
		return nil, err
	}
	for _, name := range reg.Exchanges() {
		if _, err := opts.Adapter(name); err != nil {
			return nil, fmt.Errorf("trader.instrument: %w", err)
		}
	}

	groups := reg.Groups(cfg.Trader.SessionGrouping, cfg.Trader.Shards)
	if len(groups) == 0 {
		return nil, errors.New("no session groups derived from configuration")
	}

	return &Prometheus{
		cfg:      cfg,
		opts:     opts,
		registry: reg,
		groups:   groups,
		log:      logger.GetLogger().WithComponent("trader").WithField("trader", "prometheus"),
	}, nil
}

// Groups reports how instruments were split into sessions.
func (p *Prometheus) Groups() []instrument.Group {
	return p.groups
}

func (p *Prometheus) newSession(g instrument.Group) (*session.Session, error) {
	cfg := session.ConfigFromTrader(p.cfg.Trader, g)
	adapter, err := p.opts.Adapter(g.Exchange)
	if err != nil {
		return nil, err
	}
	dialer, err := p.opts.Dialer(cfg)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", g.Name, err)
	}
	return session.New(cfg, adapter, dialer, p.recorder, p.collectors)
}

func (p *Prometheus) buildSink(ctx context.Context) (recorder.Sink, error) {
	if p.opts.Sink != nil {
		return p.opts.Sink, nil
	}
	prom := p.cfg.Trader.Prometheus
	fileSink, err := recorder.NewFileSink(prom.OutputPath)
	if err != nil {
		return nil, err
	}
	if !prom.S3.Enabled {
		return fileSink, nil
	}
	s3Sink, err := recorder.NewS3Sink(ctx, prom.S3)
	if err != nil {
		return nil, err
	}
	return recorder.MultiSink{fileSink, s3Sink}, nil
}

// Run starts the recorder and every session, then supervises them until ctx
// is cancelled or a session exhausts its retry budget under the exit policy.
func (p *Prometheus) Run(ctx context.Context) error {
	tc := p.cfg.Trader
	p.log.WithFields(logger.Fields{
		"instruments":     p.registry.Len(),
		"sessions":        len(p.groups),
		"grouping":        tc.SessionGrouping,
		"restart_policy":  tc.RestartPolicy,
		"output_path":     tc.Prometheus.OutputPath,
		"recv_interval":   tc.Prometheus.Recorder.RecvInterval.Duration().String(),
		"max_reconnects":  tc.MaximumReconnectTries,
		"s3_enabled":      tc.Prometheus.S3.Enabled,
		"metrics_address": tc.Prometheus.ListenAddress,
	}).Info("starting trader")

	p.collectors = metrics.NewCollectors()

	var server *metrics.Server
	if addr := tc.Prometheus.ListenAddress; addr != "" {
		var err error
		server, err = metrics.NewServer(addr, p.collectors, p.status)
		if err != nil {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		server.Start()
	}

	sink, err := p.buildSink(ctx)
	if err != nil {
		p.shutdownServer(server)
		return err
	}
	rec, err := recorder.New(recorder.OptionsFromConfig(tc.Prometheus.Recorder), sink, p.collectors)
	if err != nil {
		p.shutdownServer(server)
		return err
	}
	p.recorder = rec
	if err := rec.Start(context.WithoutCancel(ctx)); err != nil {
		p.shutdownServer(server)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	terminated := make(chan *session.Session)
	restarts := make(chan instrument.Group)
	groups := make(map[string]instrument.Group, len(p.groups))
	p.mu.Lock()
	p.sessions = make(map[string]*session.Session, len(p.groups))
	p.mu.Unlock()

	launch := func(g instrument.Group) error {
		s, err := p.newSession(g)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.sessions[g.Name] = s
		p.mu.Unlock()
		groups[g.Name] = g
		s.Start(runCtx)
		go func() {
			<-s.Done()
			if s.Err() == nil {
				return
			}
			select {
			case terminated <- s:
			case <-runCtx.Done():
			}
		}()
		return nil
	}

	for _, g := range p.groups {
		if err := launch(g); err != nil {
			cancel()
			p.shutdown(server)
			return err
		}
	}
	p.log.WithField("sessions", len(p.groups)).Info("all sessions started")

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	var fatal error
loop:
	for {
		select {
		case <-runCtx.Done():
			p.log.Info("shutdown requested")
			break loop

		case s := <-terminated:
			if p.current(s.Name()) != s {
				continue
			}
			p.log.WithError(s.Err()).WithFields(logger.Fields{
				"session":  s.Name(),
				"exchange": s.Exchange(),
				"retries":  tc.MaximumReconnectTries,
			}).Error("session exhausted its retry budget")

			if tc.RestartPolicy == config.RestartPolicyRestart {
				g := groups[s.Name()]
				time.AfterFunc(tc.ReconnectCooldown.Duration(), func() {
					select {
					case restarts <- g:
					case <-runCtx.Done():
					}
				})
				continue
			}
			fatal = s.Err()
			break loop

		case g := <-restarts:
			if err := launch(g); err != nil {
				fatal = err
				break loop
			}
			p.log.WithField("session", g.Name).Warn("session restarted with a fresh retry budget")

		case <-status.C:
			p.reportStatus()
		}
	}

	cancel()
	p.shutdown(server)
	return fatal
}

// shutdown stops sessions (bounded by shutdown_timeout), then the recorder
// with its final flush, then the metrics endpoint.
func (p *Prometheus) shutdown(server *metrics.Server) {
	timeout := p.cfg.Trader.ShutdownTimeout.Duration()

	var wg sync.WaitGroup
	for _, s := range p.snapshot() {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	select {
	case <-done:
		p.log.Info("all sessions stopped")
	case <-timer.C:
		p.log.WithField("timeout", timeout.String()).Warn("sessions did not stop within shutdown timeout")
	}
	timer.Stop()

	if p.recorder != nil {
		p.recorder.Stop()
	}
	p.shutdownServer(server)
	p.log.Info("trader stopped")
}

func (p *Prometheus) shutdownServer(server *metrics.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		p.log.WithError(err).Warn("metrics endpoint shutdown failed")
	}
}

func (p *Prometheus) current(name string) *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[name]
}

func (p *Prometheus) snapshot() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// status feeds the /sessions and /healthz routes.
func (p *Prometheus) status() []metrics.SessionStatus {
	sessions := p.snapshot()
	out := make([]metrics.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		h := s.Health()
		out = append(out, metrics.SessionStatus{
			ID:         s.ID(),
			Name:       s.Name(),
			Exchange:   s.Exchange(),
			State:      s.State().String(),
			Reconnects: h.ConsecutiveReconnectCount,
			LastRecvAt: h.LastRecvAt,
			Terminated: s.State() == session.StateTerminated,
		})
	}
	return out
}

func (p *Prometheus) reportStatus() {
	byState := make(map[string]int)
	for _, s := range p.snapshot() {
		byState[s.State().String()]++
	}
	fields := logger.Fields{}
	for state, n := range byState {
		fields[state] = n
	}
	metrics.EmitMetric(nil, "trader", metrics.MetricSessionsConnected, byState[session.StateConnected.String()], "gauge", logger.Fields{"unit": "count"})
	p.log.WithFields(fields).Info("session status")
}
