package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector.unitsAssigned, "unitsAssigned counter should be initialized")
	assert.NotNil(t, collector.unitsRequeued, "unitsRequeued counter should be initialized")
	assert.NotNil(t, collector.unitLatency, "unitLatency histogram should be initialized")
	assert.NotNil(t, collector.elements, "elements gauge should be initialized")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	collector := NewCollector(nil)
	collector.RecordAssigned()
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.unitsAssigned))
}

func TestCounters(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 3; i++ {
		collector.RecordAssigned()
	}
	collector.RecordCompleted(0.25)
	collector.RecordCompleted(1.5)
	collector.RecordRequeued("timeout")
	collector.RecordRequeued("timeout")
	collector.RecordRequeued("transport")
	collector.RecordExhausted()
	collector.RecordFailover()
	collector.RecordDiscarded()

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.unitsAssigned))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.unitsCompleted))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.unitsRequeued.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.unitsRequeued.WithLabelValues("transport")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.unitsExhausted))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.failovers))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.discarded))
}

func TestGauges(t *testing.T) {
	collector, _ := newTestCollector(t)

	testCases := []struct {
		name     string
		pending  int
		assigned int
		busy     int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 4, 4},
		{"draining", 0, 2, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateQueueStats(tc.pending, tc.assigned)
			collector.SetBusySessions(tc.busy)

			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(collector.unitsPending))
			assert.Equal(t, float64(tc.assigned), testutil.ToFloat64(collector.unitsInFlight))
			assert.Equal(t, float64(tc.busy), testutil.ToFloat64(collector.sessionsBusy))
		})
	}

	collector.SetElements("reachable", 3)
	collector.SetElements("unreachable", 1)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.elements.WithLabelValues("reachable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.elements.WithLabelValues("unreachable")))
}

func TestNilCollector(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordAssigned()
		collector.RecordCompleted(1.0)
		collector.RecordRequeued("timeout")
		collector.RecordExhausted()
		collector.RecordFailover()
		collector.RecordDiscarded()
		collector.SetBusySessions(2)
		collector.UpdateQueueStats(10, 5)
		collector.SetElements("reachable", 1)
	}, "nil collector should ignore every call")
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// Second collector on the same registry panics on duplicate registration
	assert.Panics(t, func() {
		NewCollector(reg)
	}, "Creating a second collector should panic due to duplicate registration")

	// A separate registry is independent
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandler(t *testing.T) {
	collector, _ := newTestCollector(t)
	collector.RecordFailover()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "fractalpool_failovers_total 1"), body)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordAssigned()
			collector.RecordCompleted(0.1)
			collector.UpdateQueueStats(10, 5)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, float64(100), testutil.ToFloat64(collector.unitsAssigned))
}
