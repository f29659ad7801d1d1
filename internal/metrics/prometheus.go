// Registers on a private registry:
//
//	#zeus_session_state
//	#zeus_session_reconnects_total
//	#zeus_session_frames_total
//	#zeus_session_decode_errors_total
//	#zeus_recorder_events_total
//	#zeus_recorder_dropped_total
//	#zeus_recorder_flushes_total
//	#zeus_recorder_batch_events
//	#zeus_recorder_sink_write_seconds
//	#go_* and process_* system metrics
//
// Server exposes them on /metrics next to the session status routes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every Prometheus series the trader updates. All methods
// are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	registry *prometheus.Registry

	sessionState   *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	frames         *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	recorderEvents prometheus.Counter
	recorderDrops  *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	batchEvents    prometheus.Histogram
	sinkWrite      prometheus.Histogram
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zeus_session_state",
			Help: "Current session state as its ordinal (0 disconnected .. 5 terminated)",
		}, []string{"session", "exchange"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeus_session_reconnects_total",
			Help: "Reconnect attempts started after a connection failure",
		}, []string{"session", "exchange", "reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeus_session_frames_total",
			Help: "Inbound frames by decode outcome",
		}, []string{"exchange", "kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeus_session_decode_errors_total",
			Help: "Frames the exchange adapter could not decode",
		}, []string{"exchange"}),
		recorderEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zeus_recorder_events_total",
			Help: "Events accepted into the recorder buffer",
		}),
		recorderDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeus_recorder_dropped_total",
			Help: "Events lost to buffer overflow or sink failure",
		}, []string{"reason"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zeus_recorder_flushes_total",
			Help: "Recorder flushes by result",
		}, []string{"result"}),
		batchEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zeus_recorder_batch_events",
			Help:    "Events per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		sinkWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zeus_recorder_sink_write_seconds",
			Help:    "Time spent writing one batch to the sink",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.sessionState,
		c.reconnects,
		c.frames,
		c.decodeErrors,
		c.recorderEvents,
		c.recorderDrops,
		c.flushes,
		c.batchEvents,
		c.sinkWrite,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) SetSessionState(session, exchange string, state int) {
	if c == nil {
		return
	}
	c.sessionState.WithLabelValues(session, exchange).Set(float64(state))
}

func (c *Collectors) IncReconnect(session, exchange, reason string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(session, exchange, reason).Inc()
}

func (c *Collectors) IncFrame(exchange, kind string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(exchange, kind).Inc()
}

func (c *Collectors) IncDecodeError(exchange string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(exchange).Inc()
}

func (c *Collectors) IncRecorded() {
	if c == nil {
		return
	}
	c.recorderEvents.Inc()
}

func (c *Collectors) AddDropped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recorderDrops.WithLabelValues(reason).Add(float64(n))
}

// ObserveFlush records one flush attempt of size events.
func (c *Collectors) ObserveFlush(events int, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.flushes.WithLabelValues(result).Inc()
	c.batchEvents.Observe(float64(events))
	c.sinkWrite.Observe(took.Seconds())
}
