package metrics

import "zeus/logger"

// DropMetric identifies the metric name emitted when recorded data is lost.
type DropMetric string

const (
	// DropMetricBufferOverflow counts events evicted or rejected by a full
	// recorder buffer.
	DropMetricBufferOverflow DropMetric = "recorder_events_dropped"
	// DropMetricSinkFailure counts events in batches the sink could not write.
	DropMetricSinkFailure DropMetric = "recorder_batch_events_dropped"
	// DropMetricForeignInstrument counts frames for instruments the session
	// was not asked to record.
	DropMetricForeignInstrument DropMetric = "session_foreign_frames_dropped"
)

// EmitDropMetric emits count dropped events. Exchange, symbol and reason are
// added to the metric fields when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, count int, exchange, symbol, reason string) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if reason != "" {
		fields["reason"] = reason
	}

	EmitMetric(log, "drops", string(metric), count, "counter", fields)
}
