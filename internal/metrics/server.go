package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the body served on /healthz
type Health struct {
	Status         string  `json:"status"` // ok, degraded or down
	StoreReady     bool    `json:"store_ready"`
	StoreConnected *bool   `json:"store_connected,omitempty"`
	ActuatorActive bool    `json:"actuator_active"`
	FeedCount      int     `json:"feed_count"`
	Timers         int     `json:"timers"`
	LastEventAgeS  float64 `json:"last_event_age_sec"`
}

// HealthFunc reports the current health
type HealthFunc func() Health

// Server serves /metrics and /healthz
type Server struct {
	srv *http.Server
	wg  sync.WaitGroup
}

// NewServer creates the HTTP server. gatherer may be nil for the default
// registry.
func NewServer(addr string, gatherer prometheus.Gatherer, health HealthFunc) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", healthHandler(health))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's handler
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins serving in the background
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		glog.Infof("Metrics listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("Metrics server failed: %v", err)
		}
	}()
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func healthHandler(health HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Status: "ok"}
		if health != nil {
			h = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if h.Status == "down" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}
