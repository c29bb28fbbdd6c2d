package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/aquafeed/feeder-controller/internal/cloud"
	"github.com/aquafeed/feeder-controller/internal/route"
	"github.com/aquafeed/feeder-controller/internal/state"
)

// handler applies one mutation at a parsed address
type handler func(addr route.Address, v cloud.Value, now time.Time) error

func (e *Engine) dispatchTable() map[route.Kind]handler {
	return map[route.Kind]handler{
		route.KindFeedNow:            e.applyFeedNow,
		route.KindFeedCount:          e.applyFeedCount,
		route.KindTurbidity:          e.applyTurbidity,
		route.KindTurbidityThreshold: e.applyThreshold,
		route.KindTimers:             e.applyTimers,
		route.KindTimerField:         e.applyTimerField,
		route.KindGPIO:               e.applyGPIO,
		route.KindMirror:             e.applyMirror,
	}
}

// applyPut handles a put event. A put at the root is a full snapshot.
func (e *Engine) applyPut(path string, v cloud.Value, now time.Time) error {
	addr := e.router.Parse(path)
	if addr.Kind == route.KindRoot {
		return e.loadSnapshot(v, now)
	}
	return e.apply(addr, v, now)
}

// applyPatch expands a patch into one put per child, in key order. A patch
// at the root is never a snapshot.
func (e *Engine) applyPatch(path string, v cloud.Value, now time.Time) error {
	children, err := v.Object()
	if err != nil {
		return fmt.Errorf("%w: patch at %s: %v", ErrDecode, path, err)
	}

	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		addr := e.router.Parse(route.Join(path, k))
		if addr.Kind == route.KindRoot {
			continue
		}
		if err := e.apply(addr, cloud.DecodeValue(children[k]), now); err != nil {
			e.absorb(err)
		}
	}
	return nil
}

func (e *Engine) apply(addr route.Address, v cloud.Value, now time.Time) error {
	if v.Type == cloud.TypeInvalid {
		return fmt.Errorf("%w: malformed JSON at %s", ErrDecode, addr.Path)
	}
	h, ok := e.handlers[addr.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAddress, addr.Path)
	}
	return h(addr, v, now)
}

func mismatch(addr route.Address, want string, v cloud.Value) error {
	return fmt.Errorf("%w: %s expects %s, got %s", ErrDecode, addr.Path, want, v.Type)
}

func (e *Engine) applyFeedNow(addr route.Address, v cloud.Value, now time.Time) error {
	if v.IsNull() {
		return nil
	}
	feed, ok := v.Bool()
	if !ok {
		return mismatch(addr, "boolean", v)
	}
	if !feed {
		return nil
	}

	e.requestFeed("Feed Now (manual)", state.SourceManual, now)
	e.write("/feednow", false)
	return nil
}

func (e *Engine) applyFeedCount(addr route.Address, v cloud.Value, _ time.Time) error {
	if v.IsNull() {
		return nil
	}
	n, ok := v.Int()
	if !ok || n < 0 {
		return mismatch(addr, "non-negative integer", v)
	}
	if e.consumeEcho(n) {
		glog.V(2).Infof("Ignoring echo of feedCount %d", n)
		return nil
	}
	if n != e.device.FeedCount {
		glog.Infof("Feed count synced: %d", n)
	}
	e.device.FeedCount = n
	e.metrics.FeedCount(n)
	return nil
}

func (e *Engine) applyThreshold(addr route.Address, v cloud.Value, _ time.Time) error {
	if v.IsNull() {
		return nil
	}
	n, ok := v.Int()
	if !ok {
		return mismatch(addr, "integer", v)
	}
	e.device.TurbidityThreshold = n
	glog.Infof("Turbidity threshold updated: %d", n)
	return nil
}

// applyTurbidity handles a write of the whole turbidity object; only the
// threshold is remote-owned
func (e *Engine) applyTurbidity(addr route.Address, v cloud.Value, now time.Time) error {
	if v.IsNull() {
		return nil
	}
	obj, err := v.Object()
	if err != nil {
		return mismatch(addr, "object", v)
	}
	raw, ok := obj["threshold"]
	if !ok {
		return nil
	}
	return e.applyThreshold(route.Address{Kind: route.KindTurbidityThreshold, Path: "/turbidity/threshold"}, cloud.DecodeValue(raw), now)
}

func (e *Engine) applyTimers(addr route.Address, v cloud.Value, _ time.Time) error {
	switch v.Type {
	case cloud.TypeNull:
		e.timers.Clear()
		e.metrics.Timers(0)
		glog.Infof("All timers deleted")
		return nil
	case cloud.TypeObject:
		obj, err := v.Object()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, addr.Path, err)
		}
		e.replaceTimers(obj)
		return nil
	default:
		return mismatch(addr, "object or null", v)
	}
}

func (e *Engine) applyTimerField(addr route.Address, v cloud.Value, _ time.Time) error {
	if v.IsNull() {
		if addr.Field == route.FieldNone {
			if e.timers.Delete(addr.ID) {
				glog.Infof("%s deleted", addr.ID)
				e.metrics.Timers(e.timers.Len())
			}
		}
		return nil
	}

	// Decode before touching the collection so a bad value never creates a timer
	var patch timerPatch
	switch addr.Field {
	case route.FieldTime:
		s, ok := v.Text()
		if !ok {
			return mismatch(addr, "string", v)
		}
		patch.time = &s
	case route.FieldEnabled:
		b, ok := v.Bool()
		if !ok {
			return mismatch(addr, "boolean", v)
		}
		patch.enabled = &b
	case route.FieldTriggered:
		b, ok := v.Bool()
		if !ok {
			return mismatch(addr, "boolean", v)
		}
		patch.triggered = &b
	case route.FieldNone:
		obj, err := v.Object()
		if err != nil {
			return mismatch(addr, "object", v)
		}
		patch = decodeTimerPatch(obj)
	}

	t, created, err := e.timers.GetOrCreate(addr.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", addr.ID, err)
	}
	if created {
		glog.Infof("Timer %s created", addr.ID)
		e.metrics.Timers(e.timers.Len())
	}
	patch.applyTo(t)
	glog.Infof("%s updated: %s, enabled: %v, triggered: %v", t.ID, t.Time, t.Enabled, t.TriggeredToday)
	return nil
}

func (e *Engine) applyGPIO(addr route.Address, v cloud.Value, _ time.Time) error {
	if !e.config.GPIOEnabled {
		glog.V(1).Infof("GPIO control disabled, ignoring %s", addr.Path)
		return nil
	}
	if v.IsNull() {
		return nil
	}

	var high bool
	if n, ok := v.Int(); ok {
		high = n != 0
	} else if b, ok := v.Bool(); ok {
		high = b
	} else {
		return mismatch(addr, "integer", v)
	}

	if addr.Pin == e.config.ServoPin {
		return e.driveServo(high)
	}
	if err := e.outputs.SetDigital(addr.Pin, high); err != nil {
		return fmt.Errorf("gpio%d: %w", addr.Pin, err)
	}
	glog.Infof("GPIO %d set %v", addr.Pin, high)
	return nil
}

// applyMirror ignores echoes of keys the device itself writes
func (e *Engine) applyMirror(addr route.Address, _ cloud.Value, _ time.Time) error {
	glog.V(2).Infof("Ignoring echo at %s", addr.Path)
	return nil
}

// consumeEcho reports whether n is the echo of an own feedCount write.
// Echoes arrive in write order, so older pending values are discarded too.
func (e *Engine) consumeEcho(n int) bool {
	for i, v := range e.echoes {
		if v == n {
			e.echoes = e.echoes[i+1:]
			return true
		}
	}
	return false
}
