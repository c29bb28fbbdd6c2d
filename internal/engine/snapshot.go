package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/aquafeed/feeder-controller/internal/cloud"
	"github.com/aquafeed/feeder-controller/internal/state"
)

// timerPatch holds the timer fields present in an object payload
type timerPatch struct {
	time      *string
	enabled   *bool
	triggered *bool
}

func decodeTimerPatch(obj map[string]json.RawMessage) timerPatch {
	var p timerPatch
	if s, ok := cloud.DecodeValue(obj["time"]).Text(); ok {
		p.time = &s
	}
	if b, ok := cloud.DecodeValue(obj["enabled"]).Bool(); ok {
		p.enabled = &b
	}
	if b, ok := cloud.DecodeValue(obj["triggered"]).Bool(); ok {
		p.triggered = &b
	}
	return p
}

func (p timerPatch) applyTo(t *state.Timer) {
	if p.time != nil {
		t.Time = *p.time
	}
	if p.enabled != nil {
		t.Enabled = *p.enabled
	}
	if p.triggered != nil {
		t.TriggeredToday = *p.triggered
	}
}

// loadSnapshot merges a full tree into local state. Keys that are absent
// keep their current values.
func (e *Engine) loadSnapshot(v cloud.Value, now time.Time) error {
	if v.IsNull() {
		glog.Infof("Snapshot is empty, keeping defaults")
		return nil
	}
	root, err := v.Object()
	if err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrDecode, err)
	}

	if n, ok := cloud.DecodeValue(root["feedCount"]).Int(); ok && n >= 0 {
		e.device.FeedCount = n
		e.metrics.FeedCount(n)
		glog.Infof("Loaded feedCount: %d", n)
	}

	if turbidity, err := cloud.DecodeValue(root["turbidity"]).Object(); err == nil {
		if n, ok := cloud.DecodeValue(turbidity["threshold"]).Int(); ok {
			e.device.TurbidityThreshold = n
			glog.Infof("Loaded turbidity threshold: %d", n)
		}
		// Seed the edge detector so a stale remote alert gets cleared
		if b, ok := cloud.DecodeValue(turbidity["alert"]).Bool(); ok {
			e.device.AlertActive = b
		}
	}

	if raw, ok := root[e.router.Config().Collection]; ok {
		if timers, err := cloud.DecodeValue(raw).Object(); err == nil {
			e.replaceTimers(timers)
		} else {
			glog.Warningf("Snapshot %s is not an object, keeping timers", e.router.Config().Collection)
		}
	}

	if feed, ok := cloud.DecodeValue(root["feednow"]).Bool(); ok && feed {
		e.requestFeed("Feed Now (startup)", state.SourceStartup, now)
	}
	return nil
}

// replaceTimers rebuilds the collection from an object keyed by timer id.
// Ids are taken in sorted order; entries past capacity are dropped.
func (e *Engine) replaceTimers(obj map[string]json.RawMessage) {
	ids := make([]string, 0, len(obj))
	for id := range obj {
		if !e.router.ValidID(id) {
			glog.V(1).Infof("Skipping %s: not a timer id", id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// A replayed snapshot must not re-arm a timer that already fired this minute
	fired := make(map[string]string)
	for _, t := range e.timers.All() {
		if t.TriggeredToday {
			fired[t.ID] = t.Time
		}
	}

	e.timers.Clear()
	for _, id := range ids {
		fields, err := cloud.DecodeValue(obj[id]).Object()
		if err != nil {
			glog.Warningf("Skipping %s: %v", id, err)
			continue
		}
		t := state.Timer{ID: id}
		decodeTimerPatch(fields).applyTo(&t)
		if at, ok := fired[id]; ok && at == t.Time {
			t.TriggeredToday = true
		}
		if err := e.timers.Put(t); err != nil {
			glog.Warningf("Dropping %s: %v", id, err)
			e.metrics.Dropped("capacity")
			continue
		}
		glog.Infof("Loaded %s: %s, enabled: %v, triggered: %v", id, t.Time, t.Enabled, t.TriggeredToday)
	}

	e.metrics.Timers(e.timers.Len())
	glog.Infof("Total timers loaded: %d", e.timers.Len())
}
