package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Event("put")
	m.Dropped("decode")
	m.Feed("manual", 1)
	m.Upstream("sent")
	m.Turbidity(400, false)
	m.Timers(2)
	m.StoreReady(true)
	m.ActuatorActive(true)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Feed("timer", 4)
	m.Feed("timer", 5)
	m.Feed("manual", 6)
	m.Turbidity(612, true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			key := f.GetName()
			for _, l := range metric.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, values["feeder_feeds_total/timer"], float64(2))
	assert.Equal(t, values["feeder_feed_count"], float64(6))
	assert.Equal(t, values["feeder_turbidity_alert"], float64(1))
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Feed("manual", 1)

	s := NewServer(":0", reg, func() Health {
		return Health{Status: "degraded", FeedCount: 1}
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	var h Health
	json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, h.Status, "degraded")
	assert.Equal(t, h.FeedCount, 1)

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `feeder_feeds_total{source="manual"} 1`) {
		t.Errorf("metrics output missing feeds counter:\n%s", buf.String())
	}
}
