package engine

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/aquafeed/feeder-controller/internal/route"
	"github.com/aquafeed/feeder-controller/internal/state"
)

// checkTimers fires every enabled timer whose time matches the current
// minute and that has not fired today
func (e *Engine) checkTimers(now time.Time) {
	hhmm := now.In(e.loc).Format("15:04")

	for _, t := range e.timers.All() {
		if !t.Due(hhmm) {
			continue
		}
		t.TriggeredToday = true

		reason := fmt.Sprintf("Timer %s (%s)", t.ID, t.Time)
		e.requestFeed(reason, state.SourceTimer, now)

		if e.config.MirrorTriggered {
			e.write(e.router.TimerPath(t.ID, route.FieldTriggered), true)
		}
	}
}

// checkMidnight runs the daily reset when the local hour goes from 23 to 0
// between consecutive ticks
func (e *Engine) checkMidnight(now time.Time) {
	hour := now.In(e.loc).Hour()
	prev := e.lastHour
	e.lastHour = hour

	if prev != 23 || hour != 0 {
		return
	}

	switch e.config.MidnightPolicy {
	case MidnightDelete:
		glog.Infof("Midnight reset: deleting %d timers", e.timers.Len())
		e.timers.Clear()
		e.metrics.Timers(0)
		e.remove(e.router.CollectionPath())

	case MidnightClear:
		changed := e.timers.ClearTriggered()
		glog.Infof("Midnight reset: cleared %d triggered flags", len(changed))
		if e.config.MirrorTriggered {
			for _, id := range changed {
				e.write(e.router.TimerPath(id, route.FieldTriggered), false)
			}
		}
	}
}
