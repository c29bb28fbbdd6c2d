// Package state holds the feeder's in-memory entities.
package state

import (
	"errors"
	"sort"
	"time"
)

// ErrCapacity is returned when the timer collection is full
var ErrCapacity = errors.New("timer collection full")

// DeviceState mirrors the scalar device fields
type DeviceState struct {
	FeedCount          int  `json:"feed_count"`
	TurbidityThreshold int  `json:"turbidity_threshold"`
	LastTurbidityValue int  `json:"last_turbidity_value"`
	AlertActive        bool `json:"alert_active"`
	Online             bool `json:"online"`
}

// Timer is a daily feeding time
type Timer struct {
	ID             string `json:"id"`
	Time           string `json:"time"` // "HH:MM", 24h, local
	Enabled        bool   `json:"enabled"`
	TriggeredToday bool   `json:"triggered"`
}

// Due reports whether the timer should fire at the given "HH:MM"
func (t *Timer) Due(hhmm string) bool {
	return t.Enabled && !t.TriggeredToday && t.Time != "" && t.Time == hhmm
}

// TimerSet is a capacity-bounded collection of timers keyed by id
type TimerSet struct {
	capacity int
	timers   map[string]*Timer
}

// NewTimerSet creates an empty collection
func NewTimerSet(capacity int) *TimerSet {
	if capacity < 1 {
		capacity = 1
	}
	return &TimerSet{
		capacity: capacity,
		timers:   make(map[string]*Timer, capacity),
	}
}

// Capacity returns the maximum number of timers
func (s *TimerSet) Capacity() int { return s.capacity }

// Len returns the number of timers
func (s *TimerSet) Len() int { return len(s.timers) }

// Get returns the timer with the given id
func (s *TimerSet) Get(id string) (*Timer, bool) {
	t, ok := s.timers[id]
	return t, ok
}

// GetOrCreate returns the timer for id, creating an empty one if there is room.
// The bool result is true when a timer was created.
func (s *TimerSet) GetOrCreate(id string) (*Timer, bool, error) {
	if t, ok := s.timers[id]; ok {
		return t, false, nil
	}
	if len(s.timers) >= s.capacity {
		return nil, false, ErrCapacity
	}
	t := &Timer{ID: id}
	s.timers[id] = t
	return t, true, nil
}

// Put inserts or overwrites a timer
func (s *TimerSet) Put(t Timer) error {
	if existing, ok := s.timers[t.ID]; ok {
		*existing = t
		return nil
	}
	if len(s.timers) >= s.capacity {
		return ErrCapacity
	}
	s.timers[t.ID] = &t
	return nil
}

// Delete removes a timer. It reports whether the timer existed.
func (s *TimerSet) Delete(id string) bool {
	if _, ok := s.timers[id]; !ok {
		return false
	}
	delete(s.timers, id)
	return true
}

// Clear removes all timers
func (s *TimerSet) Clear() {
	s.timers = make(map[string]*Timer, s.capacity)
}

// ClearTriggered resets the daily trigger flag. It returns the ids that changed.
func (s *TimerSet) ClearTriggered() []string {
	var changed []string
	for _, t := range s.All() {
		if t.TriggeredToday {
			t.TriggeredToday = false
			changed = append(changed, t.ID)
		}
	}
	return changed
}

// All returns the timers ordered by id
func (s *TimerSet) All() []*Timer {
	out := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a copy of the timers ordered by id
func (s *TimerSet) Snapshot() []Timer {
	all := s.All()
	out := make([]Timer, len(all))
	for i, t := range all {
		out[i] = *t
	}
	return out
}

// FeedSource identifies what triggered a feed
type FeedSource string

const (
	SourceManual  FeedSource = "manual"
	SourceTimer   FeedSource = "timer"
	SourceStartup FeedSource = "startup"
)

// FeedEvent records one completed feed
type FeedEvent struct {
	ID        string     `json:"id"`
	Reason    string     `json:"reason"`
	Source    FeedSource `json:"source"`
	FeedCount int        `json:"feed_count"`
	FedAt     time.Time  `json:"fed_at"`
}

// TurbiditySample records one sensor reading
type TurbiditySample struct {
	Value     int       `json:"value"`
	Threshold int       `json:"threshold"`
	Alert     bool      `json:"alert"`
	ReadAt    time.Time `json:"read_at"`
}

// PendingWrite is an upstream write waiting for the store to become ready
type PendingWrite struct {
	Path     string    `json:"path"`
	Payload  []byte    `json:"payload"` // JSON; ignored when Remove is set
	Remove   bool      `json:"remove"`
	QueuedAt time.Time `json:"queued_at"`
	Attempts int       `json:"attempts"`
}
