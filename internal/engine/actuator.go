package engine

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/aquafeed/feeder-controller/internal/state"
)

const feedCountPath = "/feedCount"

// maxEchoes bounds the pending feedCount echoes
const maxEchoes = 16

type feedRequest struct {
	reason string
	source state.FeedSource
}

// feeder is the actuator state machine: idle, or active until deadline
type feeder struct {
	active   bool
	current  feedRequest
	deadline time.Time
	queue    []feedRequest
}

// requestFeed starts a feed, or queues it behind the one in progress
func (e *Engine) requestFeed(reason string, source state.FeedSource, now time.Time) {
	req := feedRequest{reason: reason, source: source}

	if !e.feeder.active {
		e.startFeed(req, now)
		return
	}
	if len(e.feeder.queue) >= e.config.FeedQueueSize {
		glog.Warningf("Feeder busy, dropping feed: %s", reason)
		e.metrics.Dropped("actuator_busy")
		return
	}
	e.feeder.queue = append(e.feeder.queue, req)
	glog.Infof("Feeder busy, queued feed: %s", reason)
}

func (e *Engine) startFeed(req feedRequest, now time.Time) {
	glog.Infof(">>> Feeding: %s", req.reason)

	if err := e.actuator.SetPosition(e.config.FeedAngle); err != nil {
		glog.Errorf("Failed to move actuator to feed position: %v", err)
		e.metrics.Dropped("hardware")
		if err := e.actuator.SetPosition(e.config.StopAngle); err != nil {
			glog.Errorf("Failed to park actuator: %v", err)
		}
		return
	}

	e.feeder.active = true
	e.feeder.current = req
	e.feeder.deadline = now.Add(e.config.FeedHold)
	e.metrics.ActuatorActive(true)
}

// serviceActuator completes the active feed once its hold has elapsed and
// starts the next queued one
func (e *Engine) serviceActuator(now time.Time) {
	if !e.feeder.active || now.Before(e.feeder.deadline) {
		return
	}
	e.completeFeed(now)

	for !e.feeder.active && len(e.feeder.queue) > 0 {
		next := e.feeder.queue[0]
		e.feeder.queue = e.feeder.queue[1:]
		e.startFeed(next, now)
	}
}

func (e *Engine) completeFeed(now time.Time) {
	req := e.feeder.current
	e.feeder.active = false
	e.feeder.current = feedRequest{}
	e.metrics.ActuatorActive(false)

	if err := e.actuator.SetPosition(e.config.StopAngle); err != nil {
		glog.Errorf("Failed to return actuator to stop position: %v", err)
	}

	e.device.FeedCount++
	count := e.device.FeedCount
	ts := e.timestamp(now)

	if e.write(feedCountPath, count) {
		e.echoes = append(e.echoes, count)
		if len(e.echoes) > maxEchoes {
			e.echoes = e.echoes[len(e.echoes)-maxEchoes:]
		}
	}
	e.write("/lastFed", ts)
	e.write("/feednow", false)

	ev := state.FeedEvent{
		ID:        uuid.New().String(),
		Reason:    req.reason,
		Source:    req.source,
		FeedCount: count,
		FedAt:     now,
	}
	if e.journal != nil {
		if err := e.journal.RecordFeed(ev); err != nil {
			glog.Errorf("Failed to record feed: %v", err)
		}
	}
	e.metrics.Feed(string(req.source), count)

	glog.Infof("Feed complete. Total feeds: %d", count)
}

// driveServo is the raw start/stop primitive. It bypasses the feed
// sequence and the counter.
func (e *Engine) driveServo(on bool) error {
	angle := e.config.StopAngle
	if on {
		angle = e.config.FeedAngle
	}
	if err := e.actuator.SetPosition(angle); err != nil {
		return fmt.Errorf("servo: %w", err)
	}
	if on {
		glog.Infof("Servo started (angle %d)", angle)
	} else {
		glog.Infof("Servo stopped (angle %d)", angle)
	}
	return nil
}
