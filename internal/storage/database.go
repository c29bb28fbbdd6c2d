package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aquafeed/feeder-controller/internal/state"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Completed feeds
	CREATE TABLE IF NOT EXISTS feed_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT UNIQUE NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL,
		feed_count INTEGER NOT NULL,
		fed_at DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_feed_events_fed_at ON feed_events(fed_at);
	CREATE INDEX IF NOT EXISTS idx_feed_events_synced ON feed_events(synced_to_cloud);

	-- Turbidity sensor readings
	CREATE TABLE IF NOT EXISTS turbidity_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		alert INTEGER NOT NULL,
		read_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turbidity_readings_read_at ON turbidity_readings(read_at);

	-- Writes waiting for the remote store, one per path
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT UNIQUE NOT NULL,
		payload TEXT,
		is_remove INTEGER NOT NULL DEFAULT 0,
		queued_at DATETIME NOT NULL,
		attempts INTEGER DEFAULT 0
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Feed Operations ---

// RecordFeed inserts a completed feed. Re-recording the same event is a no-op.
func (db *DB) RecordFeed(ev state.FeedEvent) error {
	query := `INSERT INTO feed_events (uid, reason, source, feed_count, fed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO NOTHING`

	_, err := db.conn.Exec(query, ev.ID, ev.Reason, string(ev.Source), ev.FeedCount, ev.FedAt.UTC())
	return err
}

// GetFeeds retrieves the most recent feeds, newest first
func (db *DB) GetFeeds(limit int) ([]*FeedRecord, error) {
	query := `SELECT id, uid, reason, source, feed_count, fed_at, synced_to_cloud
		FROM feed_events ORDER BY fed_at DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*FeedRecord
	for rows.Next() {
		f := &FeedRecord{}
		if err := rows.Scan(&f.ID, &f.UID, &f.Reason, &f.Source, &f.FeedCount, &f.FedAt, &f.SyncedToCloud); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// GetFeedsSince retrieves feeds at or after since, oldest first
func (db *DB) GetFeedsSince(since time.Time) ([]*FeedRecord, error) {
	query := `SELECT id, uid, reason, source, feed_count, fed_at, synced_to_cloud
		FROM feed_events WHERE fed_at >= ? ORDER BY fed_at, id`

	rows, err := db.conn.Query(query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*FeedRecord
	for rows.Next() {
		f := &FeedRecord{}
		if err := rows.Scan(&f.ID, &f.UID, &f.Reason, &f.Source, &f.FeedCount, &f.FedAt, &f.SyncedToCloud); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// MarkFeedSynced marks a feed as exported to the time-series backend
func (db *DB) MarkFeedSynced(uid string) error {
	_, err := db.conn.Exec("UPDATE feed_events SET synced_to_cloud = 1 WHERE uid = ?", uid)
	return err
}

// --- Turbidity Operations ---

// RecordTurbidity inserts a sensor reading
func (db *DB) RecordTurbidity(s state.TurbiditySample) error {
	query := `INSERT INTO turbidity_readings (value, threshold, alert, read_at)
		VALUES (?, ?, ?, ?)`

	_, err := db.conn.Exec(query, s.Value, s.Threshold, s.Alert, s.ReadAt.UTC())
	return err
}

// GetTurbidityReadings retrieves the most recent readings, newest first
func (db *DB) GetTurbidityReadings(limit int) ([]*TurbidityRecord, error) {
	query := `SELECT id, value, threshold, alert, read_at
		FROM turbidity_readings ORDER BY read_at DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*TurbidityRecord
	for rows.Next() {
		r := &TurbidityRecord{}
		if err := rows.Scan(&r.ID, &r.Value, &r.Threshold, &r.Alert, &r.ReadAt); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// --- Outbox Operations ---

// QueueWrite parks a write for later delivery. Re-queueing an identical
// write bumps its attempt count in place. A different write to the same path
// supersedes the old one and moves to the back of the queue.
func (db *DB) QueueWrite(w state.PendingWrite) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payload := sql.NullString{String: string(w.Payload), Valid: !w.Remove}

	var (
		oldPayload sql.NullString
		oldRemove  bool
		attempts   int
	)
	err = tx.QueryRow("SELECT payload, is_remove, attempts FROM outbox WHERE path = ?", w.Path).
		Scan(&oldPayload, &oldRemove, &attempts)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO outbox (path, payload, is_remove, queued_at, attempts)
			VALUES (?, ?, ?, ?, ?)`, w.Path, payload, w.Remove, w.QueuedAt.UTC(), w.Attempts)
	case err != nil:
		return err
	case oldRemove == w.Remove && oldPayload == payload:
		_, err = tx.Exec("UPDATE outbox SET attempts = attempts + 1 WHERE path = ?", w.Path)
	default:
		if _, err = tx.Exec("DELETE FROM outbox WHERE path = ?", w.Path); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO outbox (path, payload, is_remove, queued_at, attempts)
			VALUES (?, ?, ?, ?, ?)`, w.Path, payload, w.Remove, w.QueuedAt.UTC(), attempts+1)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// PendingWrites returns the parked writes in queue order
func (db *DB) PendingWrites() ([]state.PendingWrite, error) {
	entries, err := db.GetOutbox()
	if err != nil {
		return nil, err
	}

	writes := make([]state.PendingWrite, 0, len(entries))
	for _, e := range entries {
		w := state.PendingWrite{
			Path:     e.Path,
			Remove:   e.Remove,
			QueuedAt: e.QueuedAt,
			Attempts: e.Attempts,
		}
		if !e.Remove {
			w.Payload = []byte(e.Payload)
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// GetOutbox retrieves the raw outbox rows in queue order
func (db *DB) GetOutbox() ([]*OutboxEntry, error) {
	query := `SELECT id, path, payload, is_remove, queued_at, attempts
		FROM outbox ORDER BY id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Path, &payload, &e.Remove, &e.QueuedAt, &e.Attempts); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteWrite removes a delivered write
func (db *DB) DeleteWrite(path string) error {
	_, err := db.conn.Exec("DELETE FROM outbox WHERE path = ?", path)
	return err
}

// ClearOutbox drops every parked write. It returns the number removed.
func (db *DB) ClearOutbox() (int64, error) {
	result, err := db.conn.Exec("DELETE FROM outbox")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Maintenance ---

// Prune deletes journal rows older than before. The outbox is left alone.
func (db *DB) Prune(before time.Time) (int64, error) {
	cutoff := before.UTC()

	feeds, err := db.conn.Exec("DELETE FROM feed_events WHERE fed_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	readings, err := db.conn.Exec("DELETE FROM turbidity_readings WHERE read_at < ?", cutoff)
	if err != nil {
		return 0, err
	}

	n1, _ := feeds.RowsAffected()
	n2, _ := readings.RowsAffected()
	return n1 + n2, nil
}

// GetStats summarises the journal and the outbox
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{FeedsBySource: make(map[string]int)}

	rows, err := db.conn.Query("SELECT source, COUNT(*) FROM feed_events GROUP BY source")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.FeedsBySource[source] = n
		s.Feeds += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastFed time.Time
	err = db.conn.QueryRow("SELECT fed_at FROM feed_events ORDER BY fed_at DESC LIMIT 1").Scan(&lastFed)
	switch {
	case err == nil:
		s.LastFedAt = &lastFed
	case err != sql.ErrNoRows:
		return nil, err
	}

	err = db.conn.QueryRow(`SELECT COUNT(*), COALESCE(SUM(alert), 0), COALESCE(AVG(value), 0.0)
		FROM turbidity_readings`).Scan(&s.Readings, &s.AlertReadings, &s.AvgTurbidity)
	if err != nil {
		return nil, err
	}

	if err := db.conn.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&s.PendingWrites); err != nil {
		return nil, err
	}
	var oldest time.Time
	err = db.conn.QueryRow("SELECT queued_at FROM outbox ORDER BY id LIMIT 1").Scan(&oldest)
	switch {
	case err == nil:
		s.OldestPendingAt = &oldest
	case err != sql.ErrNoRows:
		return nil, err
	}

	return s, nil
}

// Query runs a read-only statement and returns column names and rows as strings
func (db *DB) Query(query string, args ...any) ([]string, [][]string, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]string
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}
