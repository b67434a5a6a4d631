package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordEnqueued("beacon/json", 3)
	RecordSent("mock")
	SetRFDepth(1, 2)
	RecordInbound("fanout")
	SetSpool(4, 1024)
	RecordEvicted("ttl", 1)
	RecordForward(true, 12*time.Millisecond)
	RecordBridgeConn("ws", "busy")
	SetNeighbors(2)
	RecordHTTPRequest("GET", "/health", 200)

	if got := testutil.ToFloat64(spoolItems); got != 4 {
		t.Fatalf("spool items %v", got)
	}
	if got := testutil.ToFloat64(rfDepth.WithLabelValues("outbox")); got != 2 {
		t.Fatalf("outbox depth %v", got)
	}
}
