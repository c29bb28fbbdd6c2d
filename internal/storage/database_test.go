package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/aquafeed/feeder-controller/internal/engine"
	"github.com/aquafeed/feeder-controller/internal/state"
)

var (
	_ engine.Journal = (*DB)(nil)
	_ engine.Outbox  = (*DB)(nil)
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "feeder.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func TestFeedJournal(t *testing.T) {
	db := openTestDB(t)

	feeds := []state.FeedEvent{
		{ID: "a", Reason: "Feed Now (startup)", Source: state.SourceStartup, FeedCount: 1, FedAt: base},
		{ID: "b", Reason: "Timer timer1 (08:00)", Source: state.SourceTimer, FeedCount: 2, FedAt: base.Add(time.Minute)},
		{ID: "c", Reason: "Feed Now (manual)", Source: state.SourceManual, FeedCount: 3, FedAt: base.Add(2 * time.Minute)},
	}
	for _, f := range feeds {
		if err := db.RecordFeed(f); err != nil {
			t.Fatalf("RecordFeed(%s) failed: %v", f.ID, err)
		}
	}
	// Duplicate uid is ignored
	if err := db.RecordFeed(feeds[0]); err != nil {
		t.Fatalf("RecordFeed duplicate failed: %v", err)
	}

	got, err := db.GetFeeds(10)
	if err != nil {
		t.Fatalf("GetFeeds failed: %v", err)
	}
	assert.Equal(t, len(got), 3)
	assert.Equal(t, got[0].UID, "c")
	assert.Equal(t, got[0].Source, "manual")
	assert.Equal(t, got[0].FeedCount, 3)
	assert.Equal(t, got[2].Reason, "Feed Now (startup)")
	if !got[2].FedAt.Equal(base) {
		t.Errorf("FedAt = %v, want %v", got[2].FedAt, base)
	}

	since, err := db.GetFeedsSince(base.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetFeedsSince failed: %v", err)
	}
	assert.Equal(t, len(since), 2)
	assert.Equal(t, since[0].UID, "b")

	if err := db.MarkFeedSynced("b"); err != nil {
		t.Fatalf("MarkFeedSynced failed: %v", err)
	}
	got, _ = db.GetFeeds(10)
	assert.Equal(t, got[1].SyncedToCloud, true)
	assert.Equal(t, got[0].SyncedToCloud, false)
}

func TestTurbidityReadings(t *testing.T) {
	db := openTestDB(t)

	for i, v := range []int{400, 650, 300} {
		s := state.TurbiditySample{Value: v, Threshold: 500, Alert: v > 500, ReadAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.RecordTurbidity(s); err != nil {
			t.Fatalf("RecordTurbidity failed: %v", err)
		}
	}

	got, err := db.GetTurbidityReadings(2)
	if err != nil {
		t.Fatalf("GetTurbidityReadings failed: %v", err)
	}
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0].Value, 300)
	assert.Equal(t, got[1].Value, 650)
	assert.Equal(t, got[1].Alert, true)
	assert.Equal(t, got[1].Threshold, 500)
}

func TestOutboxOrdering(t *testing.T) {
	db := openTestDB(t)

	queue := func(w state.PendingWrite) {
		t.Helper()
		if err := db.QueueWrite(w); err != nil {
			t.Fatalf("QueueWrite(%s) failed: %v", w.Path, err)
		}
	}

	queue(state.PendingWrite{Path: "/feedCount", Payload: []byte("3"), QueuedAt: base})
	queue(state.PendingWrite{Path: "/timers", Remove: true, QueuedAt: base.Add(time.Second)})
	queue(state.PendingWrite{Path: "/lastFed", Payload: []byte(`"2026-03-14T08:00:00"`), QueuedAt: base.Add(2 * time.Second)})

	// New value for an existing path supersedes it and moves to the back
	queue(state.PendingWrite{Path: "/feedCount", Payload: []byte("4"), QueuedAt: base.Add(3 * time.Second)})

	pending, err := db.PendingWrites()
	if err != nil {
		t.Fatalf("PendingWrites failed: %v", err)
	}
	assert.Equal(t, len(pending), 3)
	assert.Equal(t, pending[0].Path, "/timers")
	assert.Equal(t, pending[0].Remove, true)
	assert.Equal(t, len(pending[0].Payload), 0)
	assert.Equal(t, pending[1].Path, "/lastFed")
	assert.Equal(t, pending[2].Path, "/feedCount")
	assert.Equal(t, string(pending[2].Payload), "4")
	assert.Equal(t, pending[2].Attempts, 1)

	// Identical requeue keeps its place and counts the attempt
	queue(pending[0])
	pending, _ = db.PendingWrites()
	assert.Equal(t, pending[0].Path, "/timers")
	assert.Equal(t, pending[0].Attempts, 1)

	if err := db.DeleteWrite("/timers"); err != nil {
		t.Fatalf("DeleteWrite failed: %v", err)
	}
	pending, _ = db.PendingWrites()
	assert.Equal(t, len(pending), 2)
	assert.Equal(t, pending[0].Path, "/lastFed")

	n, err := db.ClearOutbox()
	if err != nil {
		t.Fatalf("ClearOutbox failed: %v", err)
	}
	assert.Equal(t, n, int64(2))
	pending, _ = db.PendingWrites()
	assert.Equal(t, len(pending), 0)
}

func TestOutboxPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.QueueWrite(state.PendingWrite{Path: "/feednow", Payload: []byte("false"), QueuedAt: base}); err != nil {
		t.Fatalf("QueueWrite failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	pending, err := db.PendingWrites()
	if err != nil {
		t.Fatalf("PendingWrites failed: %v", err)
	}
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, string(pending[0].Payload), "false")
}

func TestStatsAndPrune(t *testing.T) {
	db := openTestDB(t)

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats on empty db failed: %v", err)
	}
	assert.Equal(t, stats.Feeds, 0)
	assert.Equal(t, stats.LastFedAt == nil, true)
	assert.Equal(t, stats.OldestPendingAt == nil, true)

	db.RecordFeed(state.FeedEvent{ID: "old", Source: state.SourceTimer, Reason: "Timer t (07:00)", FeedCount: 1, FedAt: base.Add(-48 * time.Hour)})
	db.RecordFeed(state.FeedEvent{ID: "new", Source: state.SourceManual, Reason: "Feed Now (manual)", FeedCount: 2, FedAt: base})
	db.RecordTurbidity(state.TurbiditySample{Value: 600, Threshold: 500, Alert: true, ReadAt: base})
	db.RecordTurbidity(state.TurbiditySample{Value: 200, Threshold: 500, ReadAt: base})
	db.QueueWrite(state.PendingWrite{Path: "/feedCount", Payload: []byte("2"), QueuedAt: base})

	stats, err = db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	assert.Equal(t, stats.Feeds, 2)
	assert.Equal(t, stats.FeedsBySource["timer"], 1)
	assert.Equal(t, stats.FeedsBySource["manual"], 1)
	assert.Equal(t, stats.Readings, 2)
	assert.Equal(t, stats.AlertReadings, 1)
	assert.Equal(t, stats.AvgTurbidity, 400.0)
	assert.Equal(t, stats.PendingWrites, 1)
	if stats.LastFedAt == nil || !stats.LastFedAt.Equal(base) {
		t.Errorf("LastFedAt = %v, want %v", stats.LastFedAt, base)
	}

	n, err := db.Prune(base.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	assert.Equal(t, n, int64(1))

	cols, rows, err := db.Query("SELECT uid, source FROM feed_events ORDER BY id")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	assert.Equal(t, cols, []string{"uid", "source"})
	assert.Equal(t, rows, [][]string{{"new", "manual"}})

	// Outbox survives pruning
	pending, _ := db.PendingWrites()
	assert.Equal(t, len(pending), 1)
}
