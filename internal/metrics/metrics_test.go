package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if activationsTotal == nil || protocolViolationsTotal == nil ||
		queueTasks == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveActivation("list", "done", 2*time.Second)
	if val := testutil.ToFloat64(activationsTotal.WithLabelValues("list", "done")); val != 1 {
		t.Errorf("expected 1 list activation, got %f", val)
	}

	ObserveViolation("unknown_tag")
	ObserveViolation("unknown_tag")
	if val := testutil.ToFloat64(protocolViolationsTotal.WithLabelValues("unknown_tag")); val != 2 {
		t.Errorf("expected 2 violations, got %f", val)
	}

	ObserveDownload("GET", "aborted", 1024)
	if val := testutil.ToFloat64(downloadBytesTotal); val != 1024 {
		t.Errorf("expected 1024 bytes, got %f", val)
	}

	ObserveDroppedDetail("newegg.7")
	if val := testutil.ToFloat64(droppedDetailsTotal.WithLabelValues("newegg.7")); val != 1 {
		t.Errorf("expected 1 dropped detail, got %f", val)
	}

	ObservePriceDrop(true)
	ObservePriceDrop(false)
	if val := testutil.ToFloat64(priceAlertsTotal.WithLabelValues("alerted")); val != 1 {
		t.Errorf("expected 1 alert, got %f", val)
	}

	SetQueueSizes(3, 1)
	if val := testutil.ToFloat64(queueTasks.WithLabelValues("queued")); val != 3 {
		t.Errorf("expected 3 queued tasks, got %f", val)
	}

	IncPersistFailures()
	if val := testutil.ToFloat64(persistFailuresTotal); val != 1 {
		t.Errorf("expected 1 persist failure, got %f", val)
	}

	ObserveThrottleWait(300 * time.Millisecond)
	if val := testutil.CollectAndCount(throttleWaitSeconds); val != 1 {
		t.Errorf("expected throttle histogram to be collected, got %d", val)
	}
}
