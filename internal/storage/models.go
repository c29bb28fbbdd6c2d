// Package storage provides SQLite database operations for the feeder controller.
package storage

import "time"

// FeedRecord is a completed feed as stored in the journal
type FeedRecord struct {
	ID            int64     `json:"id"`
	UID           string    `json:"uid"`
	Reason        string    `json:"reason"`
	Source        string    `json:"source"` // manual, timer or startup
	FeedCount     int       `json:"feed_count"`
	FedAt         time.Time `json:"fed_at"`
	SyncedToCloud bool      `json:"synced_to_cloud"`
}

// TurbidityRecord is one stored sensor reading
type TurbidityRecord struct {
	ID        int64     `json:"id"`
	Value     int       `json:"value"`
	Threshold int       `json:"threshold"`
	Alert     bool      `json:"alert"`
	ReadAt    time.Time `json:"read_at"`
}

// OutboxEntry is a write parked while the remote store was unavailable
type OutboxEntry struct {
	ID       int64     `json:"id"`
	Path     string    `json:"path"`
	Payload  string    `json:"payload,omitempty"`
	Remove   bool      `json:"remove"`
	QueuedAt time.Time `json:"queued_at"`
	Attempts int       `json:"attempts"`
}

// Stats summarises the journal
type Stats struct {
	Feeds           int            `json:"feeds"`
	FeedsBySource   map[string]int `json:"feeds_by_source"`
	LastFedAt       *time.Time     `json:"last_fed_at,omitempty"`
	Readings        int            `json:"readings"`
	AlertReadings   int            `json:"alert_readings"`
	AvgTurbidity    float64        `json:"avg_turbidity"`
	PendingWrites   int            `json:"pending_writes"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
}
