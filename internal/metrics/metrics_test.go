package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCountersExported(t *testing.T) {
	m := New()
	m.FramesRead.Add(3)
	m.ObserveCrossing("person")
	m.ObserveCrossing("person")
	m.ObserveDeviation("critical")

	body := scrape(t, m)
	assert.Contains(t, body, "zonemon_frames_read_total 3")
	assert.Contains(t, body, `zonemon_zone_crossings_total{class="person"} 2`)
	assert.Contains(t, body, `zonemon_region_deviations_total{severity="critical"} 1`)
}

func TestLatencyUpdates(t *testing.T) {
	m := New()
	m.UpdateInferenceLatency(42 * time.Millisecond)
	m.UpdateFrameLatency(time.Time{})

	assert.Equal(t, uint64(42), m.InferenceLatencyMs.Load())
	assert.Equal(t, uint64(0), m.FrameLatencyMs.Load())
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.FramesProcessed.Add(1)
	assert.Contains(t, scrape(t, b), "zonemon_frames_processed_total 0")
}
