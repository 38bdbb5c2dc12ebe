package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncEnqueued("create")
		IncApplied("create")
		IncFailed("transport")
		ObservePass("ok", 10*time.Millisecond)
	})
}

func TestQueueDepthAndEvictions(t *testing.T) {
	SetQueueDepth(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(queueDepth))

	before := testutil.ToFloat64(operationsEvicted)
	IncEvicted()
	assert.Equal(t, before+1, testutil.ToFloat64(operationsEvicted))
}
