package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"zeus/logger"
)

// Metric names shared by the components that emit them and the dashboard
// template.
const (
	MetricSessionReconnects = "session_reconnects"
	MetricSessionTerminated = "session_terminated"
	MetricSessionsConnected = "sessions_connected"
)

// Metric is one structured metric event. Every event is logged at debug and
// handed to the registered handlers; CloudWatch publishing is one of them.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero is never issued.
type MetricHandlerID uint64

type registration struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlers is replaced wholesale on every change so dispatch never locks.
var (
	handlersMu sync.Mutex
	handlers   atomic.Pointer[[]registration]
	lastID     MetricHandlerID
)

func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	lastID++
	next := append(currentHandlers(), registration{id: lastID, fn: handler})
	handlers.Store(&next)
	return lastID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	cur := currentHandlers()
	next := make([]registration, 0, len(cur))
	for _, r := range cur {
		if r.id != id {
			next = append(next, r)
		}
	}
	handlers.Store(&next)
}

// currentHandlers returns a copy safe to append to.
func currentHandlers() []registration {
	p := handlers.Load()
	if p == nil {
		return nil
	}
	return append([]registration(nil), (*p)...)
}

// EmitMetric logs the metric and dispatches it to the registered handlers.
// Unnamed metrics are ignored and an empty type means counter. fields is
// copied, never modified.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	entry := log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	})
	entry.Debug("metric")

	if p := handlers.Load(); p != nil {
		for _, r := range *p {
			r.fn(m)
		}
	}
}

// EmitSessionEvent counts one lifecycle event (reconnect, termination) of a
// session.
func EmitSessionEvent(name, exchange, session string) {
	EmitMetric(nil, "session", name, 1, "counter", logger.Fields{
		"exchange": exchange,
		"session":  session,
		"unit":     "count",
	})
}

// toFloat64 converts the value types emitted across zeus to a CloudWatch
// datum value.
func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return v.Seconds(), true
	default:
		return 0, false
	}
}
