package metrics

import (
	"testing"
	"time"

	"zeus/logger"
)

func TestReportRecorderEmitsMetrics(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 16)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	ReportRecorder(logger.GetLogger(), "recorder", RecorderStats{
		EventsRecorded: 10,
		BatchesWritten: 3,
		BatchesFailed:  1,
		BufferLen:      5,
		BufferCap:      10,
	})

	got := map[string]interface{}{}
	deadline := time.After(100 * time.Millisecond)
	for len(got) < 6 {
		select {
		case m := <-events:
			got[m.Name] = m.Value
		case <-deadline:
			t.Fatalf("only received %d metrics: %v", len(got), got)
		}
	}
	if got["error_rate"] != 0.25 {
		t.Fatalf("error_rate = %v", got["error_rate"])
	}
	if got["buffer_utilization"] != float64(50) {
		t.Fatalf("buffer_utilization = %v", got["buffer_utilization"])
	}
}
