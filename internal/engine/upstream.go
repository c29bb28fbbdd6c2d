package engine

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"github.com/aquafeed/feeder-controller/internal/state"
)

// write sends value to path when the store is ready. Otherwise the write is
// dropped, or parked in the outbox when offline queueing is enabled. It
// reports whether the write was handed to the store.
func (e *Engine) write(path string, value any) bool {
	return e.send(path, value, false)
}

// remove deletes path upstream, with the same readiness rules as write
func (e *Engine) remove(path string) bool {
	return e.send(path, nil, true)
}

func (e *Engine) send(path string, value any, remove bool) bool {
	if !e.ready {
		e.park(path, value, remove, "store not ready")
		return false
	}

	var err error
	if remove {
		err = e.store.Remove(path)
	} else {
		err = e.store.Set(path, value)
	}
	if err != nil {
		e.absorb(fmt.Errorf("%w: write %s: %v", ErrTransport, path, err))
		e.park(path, value, remove, err.Error())
		return false
	}

	e.metrics.Upstream("sent")
	return true
}

// park queues a write in the outbox, or drops it
func (e *Engine) park(path string, value any, remove bool, why string) {
	if !e.config.QueueOffline || e.outbox == nil {
		glog.V(1).Infof("Dropping write %s: %s", path, why)
		e.metrics.Upstream("dropped")
		return
	}

	w := state.PendingWrite{
		Path:     path,
		Remove:   remove,
		QueuedAt: e.clock.Now(),
	}
	if !remove {
		payload, err := json.Marshal(value)
		if err != nil {
			glog.Errorf("Failed to encode write %s: %v", path, err)
			e.metrics.Upstream("dropped")
			return
		}
		w.Payload = payload
	}

	if err := e.outbox.QueueWrite(w); err != nil {
		glog.Errorf("Failed to queue write %s: %v", path, err)
		e.metrics.Upstream("dropped")
		return
	}
	glog.V(1).Infof("Queued write %s: %s", path, why)
	e.metrics.Upstream("queued")
}

// flushOutbox replays parked writes in queue order. It stops at the first
// failure and leaves the rest for the next readiness event.
func (e *Engine) flushOutbox() {
	if e.outbox == nil {
		return
	}

	pending, err := e.outbox.PendingWrites()
	if err != nil {
		glog.Errorf("Failed to load queued writes: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	sent := 0
	for _, w := range pending {
		var err error
		if w.Remove {
			err = e.store.Remove(w.Path)
		} else {
			err = e.store.Set(w.Path, json.RawMessage(w.Payload))
		}
		if err != nil {
			glog.Warningf("Failed to flush write %s: %v", w.Path, err)
			if err := e.outbox.QueueWrite(w); err != nil {
				glog.Errorf("Failed to requeue write %s: %v", w.Path, err)
			}
			break
		}
		if err := e.outbox.DeleteWrite(w.Path); err != nil {
			glog.Errorf("Failed to delete queued write %s: %v", w.Path, err)
		}
		e.metrics.Upstream("sent")
		sent++
	}
	glog.Infof("Flushed %d of %d queued writes", sent, len(pending))
}
