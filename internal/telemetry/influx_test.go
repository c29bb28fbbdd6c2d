package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/aquafeed/feeder-controller/internal/engine"
	"github.com/aquafeed/feeder-controller/internal/state"
	"github.com/aquafeed/feeder-controller/internal/storage"
)

var (
	_ engine.Journal = (*Influx)(nil)
	_ engine.Journal = Fanout(nil)
)

type influxServer struct {
	mu     sync.Mutex
	lines  []string
	query  string
	status int
}

func (s *influxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = r.URL.RawQuery
	if s.status != 0 {
		w.WriteHeader(s.status)
		w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
		return
	}
	s.lines = append(s.lines, strings.TrimSpace(string(body)))
	w.WriteHeader(http.StatusNoContent)
}

func newTestInflux(t *testing.T) (*Influx, *influxServer) {
	t.Helper()
	srv := &influxServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	i, err := NewInflux(InfluxConfig{URL: ts.URL, Token: "tok", Org: "farm", Bucket: "feeder", Device: "tank1"})
	if err != nil {
		t.Fatalf("NewInflux failed: %v", err)
	}
	t.Cleanup(i.Close)
	return i, srv
}

func TestInfluxWritesPoints(t *testing.T) {
	i, srv := newTestInflux(t)
	at := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	if err := i.RecordFeed(state.FeedEvent{ID: "abc", Reason: "Feed Now (manual)", Source: state.SourceManual, FeedCount: 3, FedAt: at}); err != nil {
		t.Fatalf("RecordFeed failed: %v", err)
	}
	if err := i.RecordTurbidity(state.TurbiditySample{Value: 620, Threshold: 500, Alert: true, ReadAt: at}); err != nil {
		t.Fatalf("RecordTurbidity failed: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	assert.Equal(t, len(srv.lines), 2)
	if !strings.Contains(srv.query, "bucket=feeder") || !strings.Contains(srv.query, "org=farm") {
		t.Errorf("Unexpected write query: %s", srv.query)
	}

	feed := srv.lines[0]
	for _, want := range []string{"feed,device=tank1,source=manual ", "feed_count=3i", `reason="Feed Now (manual)"`, `event_id="abc"`} {
		if !strings.Contains(feed, want) {
			t.Errorf("Feed line %q missing %q", feed, want)
		}
	}

	turb := srv.lines[1]
	for _, want := range []string{"turbidity,alert=true,device=tank1 ", "value=620i", "threshold=500i"} {
		if !strings.Contains(turb, want) {
			t.Errorf("Turbidity line %q missing %q", turb, want)
		}
	}
}

func TestInfluxWriteError(t *testing.T) {
	i, srv := newTestInflux(t)
	srv.status = http.StatusBadRequest

	err := i.RecordTurbidity(state.TurbiditySample{Value: 1, ReadAt: time.Now()})
	if err == nil {
		t.Fatal("Expected write error")
	}
	if !strings.Contains(err.Error(), "influx write turbidity") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestNewInfluxRequiresConfig(t *testing.T) {
	if _, err := NewInflux(InfluxConfig{URL: "http://localhost:8086"}); err == nil {
		t.Fatal("Expected error for incomplete config")
	}
}

type stubRecorder struct {
	feeds    int
	readings int
	err      error
}

func (s *stubRecorder) RecordFeed(state.FeedEvent) error {
	s.feeds++
	return s.err
}

func (s *stubRecorder) RecordTurbidity(state.TurbiditySample) error {
	s.readings++
	return s.err
}

func TestFanoutContinuesPastFailure(t *testing.T) {
	boom := errors.New("disk full")
	bad := &stubRecorder{err: boom}
	good := &stubRecorder{}

	f := Fanout{bad, good}
	err := f.RecordFeed(state.FeedEvent{ID: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error, got %v", err)
	}
	assert.Equal(t, good.feeds, 1)

	if err := (Fanout{good}).RecordTurbidity(state.TurbiditySample{}); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	assert.Equal(t, good.readings, 1)
	assert.Equal(t, bad.readings, 0)
}

func TestInfluxMarksFeedsSynced(t *testing.T) {
	i, srv := newTestInflux(t)
	db, err := storage.Open(filepath.Join(t.TempDir(), "feeder.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	// Journaled while influx was unreachable
	db.RecordFeed(state.FeedEvent{ID: "stale", Source: state.SourceTimer, Reason: "Timer timer0 (08:00)", FeedCount: 1, FedAt: now.Add(-30 * 24 * time.Hour)})
	db.RecordFeed(state.FeedEvent{ID: "missed1", Source: state.SourceTimer, Reason: "Timer timer0 (08:00)", FeedCount: 2, FedAt: now.Add(-2 * time.Hour)})
	db.RecordFeed(state.FeedEvent{ID: "missed2", Source: state.SourceManual, Reason: "Feed Now (manual)", FeedCount: 3, FedAt: now.Add(-time.Hour)})

	i.TrackSync(db)
	n, err := i.Backfill(now)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	assert.Equal(t, n, 2)

	// Live feeds go through the fanout, database first
	journal := Fanout{db, i}
	if err := journal.RecordFeed(state.FeedEvent{ID: "live", Source: state.SourceManual, Reason: "Feed Now (manual)", FeedCount: 4, FedAt: now}); err != nil {
		t.Fatalf("RecordFeed failed: %v", err)
	}

	feeds, _ := db.GetFeeds(10)
	synced := map[string]bool{}
	for _, f := range feeds {
		synced[f.UID] = f.SyncedToCloud
	}
	assert.Equal(t, synced, map[string]bool{"stale": false, "missed1": true, "missed2": true, "live": true})

	srv.mu.Lock()
	assert.Equal(t, len(srv.lines), 3)
	assert.Equal(t, strings.Contains(srv.lines[0], `event_id="missed1"`), true)
	srv.mu.Unlock()

	// Nothing left to resend
	n, _ = i.Backfill(now)
	assert.Equal(t, n, 0)
}

func TestInfluxBackfillStopsOnWriteError(t *testing.T) {
	i, srv := newTestInflux(t)
	db, err := storage.Open(filepath.Join(t.TempDir(), "feeder.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	db.RecordFeed(state.FeedEvent{ID: "a", Source: state.SourceTimer, FeedCount: 1, FedAt: time.Now().Add(-time.Hour)})
	srv.status = http.StatusServiceUnavailable

	i.TrackSync(db)
	n, err := i.Backfill(time.Now())
	if err == nil {
		t.Fatal("Expected backfill error")
	}
	assert.Equal(t, n, 0)

	feeds, _ := db.GetFeeds(1)
	assert.Equal(t, feeds[0].SyncedToCloud, false)
}
