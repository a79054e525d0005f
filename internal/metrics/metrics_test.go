package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value reads the current value of a single counter or gauge
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestMetrics_SetState(t *testing.T) {
	m := New()
	all := []string{"idle", "sleeping", "waking"}

	m.SetState("sleeping", all)
	assert.Equal(t, 1.0, value(t, m.State.WithLabelValues("sleeping")))
	assert.Equal(t, 0.0, value(t, m.State.WithLabelValues("idle")))

	m.SetState("idle", all)
	assert.Equal(t, 0.0, value(t, m.State.WithLabelValues("sleeping")))
	assert.Equal(t, 1.0, value(t, m.State.WithLabelValues("idle")))
}

func TestMetrics_SetNextFire(t *testing.T) {
	m := New()
	at := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)

	m.SetNextFire("sleep", at)
	assert.Equal(t, float64(at.Unix()), value(t, m.NextFire.WithLabelValues("sleep")))

	m.SetNextFire("sleep", time.Time{})
	assert.Equal(t, 0.0, value(t, m.NextFire.WithLabelValues("sleep")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SleepDropped.Inc()
	m.Ramps.WithLabelValues("sleep", "completed").Inc()

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sleepwake_sleep_dropped_total 1")
	assert.Contains(t, string(body), `sleepwake_ramps_total{activity="sleep",status="completed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SleepDropped.Inc()
	assert.Equal(t, 1.0, value(t, a.SleepDropped))
	assert.Equal(t, 0.0, value(t, b.SleepDropped))
}
