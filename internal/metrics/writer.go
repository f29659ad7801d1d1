package metrics

import "zeus/logger"

// RecorderStats is a snapshot of recorder counters.
type RecorderStats struct {
	EventsRecorded int64
	EventsDropped  int64
	BatchesWritten int64
	BatchesFailed  int64
	EventsWritten  int64
	BufferLen      int
	BufferCap      int
}

// ReportRecorder emits recorder metrics using the provided logger and
// component name, then logs a summary line.
func ReportRecorder(log *logger.Log, component string, stats RecorderStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.BatchesWritten+stats.BatchesFailed > 0 {
		errorRate = float64(stats.BatchesFailed) / float64(stats.BatchesWritten+stats.BatchesFailed)
	}

	bufferUtil := float64(0)
	if stats.BufferCap > 0 {
		bufferUtil = float64(stats.BufferLen) / float64(stats.BufferCap) * 100
	}

	EmitMetric(log, component, "events_recorded", stats.EventsRecorded, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "events_dropped", stats.EventsDropped, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "batches_failed", stats.BatchesFailed, "counter", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{})
	EmitMetric(log, component, "buffer_utilization", bufferUtil, "gauge", logger.Fields{"unit": "percent"})

	entry := l.WithFields(logger.Fields{
		"events_recorded": stats.EventsRecorded,
		"events_dropped":  stats.EventsDropped,
		"events_written":  stats.EventsWritten,
		"batches_written": stats.BatchesWritten,
		"batches_failed":  stats.BatchesFailed,
		"error_rate":      errorRate,
		"buffer_len":      stats.BufferLen,
		"buffer_cap":      stats.BufferCap,
	})

	if stats.BatchesFailed > 0 || stats.EventsDropped > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
