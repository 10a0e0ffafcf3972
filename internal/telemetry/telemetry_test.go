package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAccumulatesCounters(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()
	c.Count("trellis_attempts_total", 1, map[string]string{"outcome": "success"})
	c.Count("trellis_attempts_total", 2, nil)
	c.Time("trellis_attempt_duration", 1500*time.Millisecond, nil)

	assert.Equal(t, 3.0, c.Total("trellis_attempts_total"))
	pending := c.Pending()
	assert.Len(t, pending, 3)
	assert.Equal(t, 1500.0, pending[2].Value)
	assert.Equal(t, "ms", pending[2].Unit)

	c.Flush()
	assert.Empty(t, c.Pending())
	assert.Equal(t, 3.0, c.Total("trellis_attempts_total"))
}

func TestDisabledAndNilCollectorsDiscard(t *testing.T) {
	c := NewCollector(false, time.Second)
	c.Count("x", 1, nil)
	c.Set("y", 2, nil)
	assert.Empty(t, c.Pending())
	c.Shutdown()

	var none *Collector
	none.Count("x", 1, nil)
	none.Time("t", time.Second, nil)
	assert.Zero(t, none.Total("x"))
	none.Shutdown()
}

func TestRuntimeSamplerRecordsGauges(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()
	s := StartRuntimeSampler(c, time.Hour)
	s.Stop()

	_, gauges := c.Snapshot()
	assert.Greater(t, gauges["trellis_goroutines"], 0.0)
	assert.Greater(t, gauges["trellis_heap_bytes"], 0.0)

	StartRuntimeSampler(nil, time.Second).Stop()
}

func TestStatusServer(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()
	c.Count("trellis_attempts_total", 2, nil)
	c.Set("trellis_tasks_running", 1, nil)

	srv, err := NewStatusServer("127.0.0.1:0", c)
	require.NoError(t, err)
	srv.RegisterHealthCheck("store", func() HealthCheck {
		return HealthCheck{Status: HealthStatusDegraded, Message: "slow"}
	})
	srv.Start()
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "# TYPE trellis_attempts_total counter\ntrellis_attempts_total 2\n")
	assert.Contains(t, string(body), "trellis_tasks_running 1\n")

	resp, err = http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, HealthStatusDegraded, health.Status)
	require.Len(t, health.Checks, 3)
	assert.Equal(t, "goroutines", health.Checks[0].Name)
	assert.Equal(t, "store", health.Checks[2].Name)
}
