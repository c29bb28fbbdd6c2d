// Package telemetry exports feed and turbidity history to InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/aquafeed/feeder-controller/internal/state"
	"github.com/aquafeed/feeder-controller/internal/storage"
)

// InfluxConfig holds the InfluxDB connection settings
type InfluxConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Org          string        `yaml:"org"`
	Bucket       string        `yaml:"bucket"`
	Device       string        `yaml:"device"` // tag on every point
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Backfill     time.Duration `yaml:"backfill"` // how far back unexported feeds are resent
}

// FeedLedger tracks which journaled feeds reached InfluxDB
type FeedLedger interface {
	GetFeedsSince(since time.Time) ([]*storage.FeedRecord, error)
	MarkFeedSynced(uid string) error
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes journal entries as points
type Influx struct {
	client  influxdb2.Client
	writer  pointWriter
	device   string
	timeout  time.Duration
	backfill time.Duration
	ledger   FeedLedger
}

// NewInflux creates a blocking writer for the configured bucket
func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = 7 * 24 * time.Hour
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:  client,
		writer:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		device:   cfg.Device,
		timeout:  cfg.WriteTimeout,
		backfill: cfg.Backfill,
	}, nil
}

// TrackSync marks every exported feed in ledger. The ledger must record the
// feed before it reaches the writer.
func (i *Influx) TrackSync(ledger FeedLedger) {
	i.ledger = ledger
}

// RecordFeed writes a "feed" point
func (i *Influx) RecordFeed(ev state.FeedEvent) error {
	tags := map[string]string{
		"source": string(ev.Source),
	}
	fields := map[string]interface{}{
		"feed_count": ev.FeedCount,
		"reason":     ev.Reason,
		"event_id":   ev.ID,
	}
	if err := i.writePoint("feed", tags, fields, ev.FedAt); err != nil {
		return err
	}
	if i.ledger != nil {
		if err := i.ledger.MarkFeedSynced(ev.ID); err != nil {
			return fmt.Errorf("mark feed %s synced: %w", ev.ID, err)
		}
	}
	return nil
}

// Backfill exports feeds from the backfill window that never reached
// InfluxDB, oldest first. It stops at the first failed write.
func (i *Influx) Backfill(now time.Time) (int, error) {
	if i.ledger == nil {
		return 0, nil
	}
	feeds, err := i.ledger.GetFeedsSince(now.Add(-i.backfill))
	if err != nil {
		return 0, fmt.Errorf("load unsynced feeds: %w", err)
	}

	sent := 0
	for _, f := range feeds {
		if f.SyncedToCloud {
			continue
		}
		ev := state.FeedEvent{
			ID:        f.UID,
			Reason:    f.Reason,
			Source:    state.FeedSource(f.Source),
			FeedCount: f.FeedCount,
			FedAt:     f.FedAt,
		}
		if err := i.RecordFeed(ev); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// RecordTurbidity writes a "turbidity" point
func (i *Influx) RecordTurbidity(s state.TurbiditySample) error {
	tags := map[string]string{
		"alert": strconv.FormatBool(s.Alert),
	}
	fields := map[string]interface{}{
		"value":     s.Value,
		"threshold": s.Threshold,
	}
	return i.writePoint("turbidity", tags, fields, s.ReadAt)
}

func (i *Influx) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, t time.Time) error {
	if i.device != "" {
		tags["device"] = i.device
	}
	if t.IsZero() {
		t = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	point := influxdb2.NewPoint(measurement, tags, fields, t)
	if err := i.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write %s: %w", measurement, err)
	}
	return nil
}

// Close releases the client
func (i *Influx) Close() {
	if i.client != nil {
		i.client.Close()
	}
}
