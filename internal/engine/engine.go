// Package engine provides the core logic for the feeder controller,
// syncing local feeder state with the remote store event stream.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/zoobzio/clockz"

	"github.com/aquafeed/feeder-controller/internal/cloud"
	"github.com/aquafeed/feeder-controller/internal/metrics"
	"github.com/aquafeed/feeder-controller/internal/route"
	"github.com/aquafeed/feeder-controller/internal/state"
)

// MidnightPolicy selects what happens to timers at the daily reset
type MidnightPolicy string

const (
	// MidnightDelete removes all timers remotely and locally
	MidnightDelete MidnightPolicy = "delete"
	// MidnightClear only resets the triggered flags
	MidnightClear MidnightPolicy = "clear"
)

// Variant names a firmware preset
type Variant string

const (
	VariantFull   Variant = "full"
	VariantSimple Variant = "simple"
	VariantGPIO   Variant = "gpio"
)

// TimestampLayout is the format of lastFed, lastSeen and lastUpdate
const TimestampLayout = "2006-01-02T15:04:05"

// Actuator drives the feed mechanism
type Actuator interface {
	SetPosition(angle int) error
}

// Outputs drives plain digital pins
type Outputs interface {
	SetDigital(pin int, high bool) error
}

// Sensor reads the turbidity probe
type Sensor interface {
	ReadTurbidity() (int, error)
}

// Journal records history. It is never read back into live state.
type Journal interface {
	RecordFeed(ev state.FeedEvent) error
	RecordTurbidity(s state.TurbiditySample) error
}

// Outbox persists upstream writes made while the store is not ready
type Outbox interface {
	QueueWrite(w state.PendingWrite) error
	PendingWrites() ([]state.PendingWrite, error)
	DeleteWrite(path string) error
}

// Config holds engine configuration
type Config struct {
	Route           route.Config
	TimerCapacity   int
	MidnightPolicy  MidnightPolicy
	MirrorTriggered bool // write timers/<id>/triggered upstream

	GPIOEnabled bool
	ServoPin    int // logical gpio pin that drives the servo start/stop primitive

	FeedAngle     int
	StopAngle     int
	FeedHold      time.Duration
	FeedQueueSize int

	TurbidityThreshold int // used until the store provides one

	TickInterval      time.Duration
	TimerInterval     time.Duration
	SensorInterval    time.Duration
	HeartbeatInterval time.Duration
	Location          *time.Location

	QueueOffline bool // persist writes in the outbox until the store is ready
}

// DefaultConfig returns default engine configuration (full variant)
func DefaultConfig() Config {
	return Config{
		Route:              route.DefaultConfig(),
		TimerCapacity:      5,
		MidnightPolicy:     MidnightDelete,
		MirrorTriggered:    true,
		ServoPin:           25,
		FeedAngle:          0,
		StopAngle:          90,
		FeedHold:           500 * time.Millisecond,
		FeedQueueSize:      4,
		TurbidityThreshold: 500,
		TickInterval:       100 * time.Millisecond,
		TimerInterval:      1 * time.Second,
		SensorInterval:     5 * time.Second,
		HeartbeatInterval:  60 * time.Second,
		Location:           time.Local,
	}
}

// PresetConfig returns the default configuration for a variant
func PresetConfig(v Variant) (Config, error) {
	c := DefaultConfig()
	switch v {
	case VariantFull, "":
	case VariantSimple:
		c.TimerCapacity = 3
		c.MidnightPolicy = MidnightClear
		c.MirrorTriggered = false
	case VariantGPIO:
		c.MidnightPolicy = MidnightClear
		c.MirrorTriggered = false
		c.GPIOEnabled = true
	default:
		return Config{}, fmt.Errorf("unknown variant %q", v)
	}
	return c, nil
}

// Options carries the engine's collaborators
type Options struct {
	Clock    clockz.Clock
	Actuator Actuator
	Outputs  Outputs
	Sensor   Sensor
	Journal  Journal
	Outbox   Outbox
	Metrics  *metrics.Metrics
}

// Engine owns all feeder state. Events and ticks are processed one at a
// time; the mutex only guards readers outside the loop.
type Engine struct {
	config   Config
	store    cloud.Store
	router   *route.Router
	clock    clockz.Clock
	loc      *time.Location
	actuator Actuator
	outputs  Outputs
	sensor   Sensor
	journal  Journal
	outbox   Outbox
	metrics  *metrics.Metrics
	handlers map[route.Kind]handler

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex

	device state.DeviceState
	timers *state.TimerSet
	feeder feeder
	ready  bool

	// feedCount values written upstream whose echo is still expected
	echoes []int

	lastTimerCheck time.Time
	lastSensor     time.Time
	lastHeartbeat  time.Time
	lastHour       int

	lastEvent atomic.Int64
}

// New creates a new engine instance
func New(config Config, store cloud.Store, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if opts.Actuator == nil {
		return nil, fmt.Errorf("actuator is required")
	}
	if opts.Sensor == nil {
		return nil, fmt.Errorf("sensor is required")
	}
	if config.GPIOEnabled && opts.Outputs == nil {
		return nil, fmt.Errorf("gpio control requires digital outputs")
	}
	if config.QueueOffline && opts.Outbox == nil {
		return nil, fmt.Errorf("offline queueing requires an outbox")
	}
	switch config.MidnightPolicy {
	case MidnightDelete, MidnightClear:
	default:
		return nil, fmt.Errorf("unknown midnight policy %q", config.MidnightPolicy)
	}
	if config.TimerCapacity < 1 {
		return nil, fmt.Errorf("timer capacity must be positive")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if config.FeedQueueSize < 0 {
		config.FeedQueueSize = 0
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}

	now := opts.Clock.Now()
	e := &Engine{
		config:   config,
		store:    store,
		router:   route.New(config.Route),
		clock:    opts.Clock,
		loc:      config.Location,
		actuator: opts.Actuator,
		outputs:  opts.Outputs,
		sensor:   opts.Sensor,
		journal:  opts.Journal,
		outbox:   opts.Outbox,
		metrics:  opts.Metrics,
		stopChan: make(chan struct{}),
		device: state.DeviceState{
			TurbidityThreshold: config.TurbidityThreshold,
		},
		timers:         state.NewTimerSet(config.TimerCapacity),
		lastTimerCheck: now,
		lastSensor:     now,
		lastHeartbeat:  now,
		lastHour:       now.In(config.Location).Hour(),
	}
	e.handlers = e.dispatchTable()
	return e, nil
}

// Start subscribes to the store and runs the event loop
func (e *Engine) Start(ctx context.Context) error {
	if err := e.actuator.SetPosition(e.config.StopAngle); err != nil {
		return fmt.Errorf("failed to park actuator: %w", err)
	}

	events, err := e.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	e.wg.Add(1)
	go e.run(ctx, events)

	glog.Infof("Engine started (capacity %d, midnight %s, gpio %v)",
		e.config.TimerCapacity, e.config.MidnightPolicy, e.config.GPIOEnabled)
	return nil
}

// Stop stops the event loop and parks the actuator
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	if err := e.actuator.SetPosition(e.config.StopAngle); err != nil {
		glog.Errorf("Error parking actuator: %v", err)
	}

	glog.Infof("Engine stopped")
	return nil
}

func (e *Engine) run(ctx context.Context, events <-chan cloud.Event) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return

		case ev, ok := <-events:
			if !ok {
				glog.Warningf("Remote store event stream closed")
				events = nil
				continue
			}
			e.HandleEvent(ev)

		case <-ticker.C():
			e.Tick(e.clock.Now())
		}
	}
}

// HandleEvent applies one remote store event
func (e *Engine) HandleEvent(ev cloud.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.lastEvent.Store(now.UnixNano())
	e.metrics.Event(ev.Kind.String())

	switch ev.Kind {
	case cloud.EventError:
		e.absorb(fmt.Errorf("%w: %v", ErrTransport, ev.Err))

	case cloud.EventAuthReady:
		e.onReady(now)

	case cloud.EventPut:
		glog.V(1).Infof("Stream put %s: %s", ev.Path, ev.Data)
		if err := e.applyPut(ev.Path, ev.Value(), now); err != nil {
			e.absorb(err)
		}

	case cloud.EventPatch:
		glog.V(1).Infof("Stream patch %s: %s", ev.Path, ev.Data)
		if err := e.applyPatch(ev.Path, ev.Value(), now); err != nil {
			e.absorb(err)
		}
	}
}

// Tick runs the periodic work due at now
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkMidnight(now)
	e.serviceActuator(now)

	if now.Sub(e.lastTimerCheck) >= e.config.TimerInterval {
		e.lastTimerCheck = now
		e.checkTimers(now)
	}
	if now.Sub(e.lastSensor) >= e.config.SensorInterval {
		e.lastSensor = now
		e.sampleTurbidity(now)
	}
	if now.Sub(e.lastHeartbeat) >= e.config.HeartbeatInterval {
		e.lastHeartbeat = now
		e.heartbeat(now)
	}
}

// State returns a copy of the device state
func (e *Engine) State() state.DeviceState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Timers returns a copy of the timers ordered by id
func (e *Engine) Timers() []state.Timer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timers.Snapshot()
}

// Ready reports whether the store has authenticated
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Health summarizes the engine for the health endpoint
func (e *Engine) Health() metrics.Health {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := metrics.Health{
		Status:         "ok",
		StoreReady:     e.ready,
		ActuatorActive: e.feeder.active,
		FeedCount:      e.device.FeedCount,
		Timers:         e.timers.Len(),
		LastEventAgeS:  -1,
	}
	if last := e.lastEvent.Load(); last > 0 {
		h.LastEventAgeS = e.clock.Now().Sub(time.Unix(0, last)).Seconds()
	}
	if c, ok := e.store.(cloud.ConnectionReporter); ok {
		connected := c.IsConnected()
		h.StoreConnected = &connected
		if !connected {
			h.Status = "degraded"
		}
	}
	if !e.ready {
		h.Status = "degraded"
	}
	return h
}

// OnWriteError observes asynchronous write failures reported by the store
func (e *Engine) OnWriteError(path string, err error) {
	glog.Warningf("Upstream write %s failed: %v", path, err)
	e.metrics.Upstream("failed")

	if path != feedCountPath {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// No echo arrives for a lost write
	e.echoes = nil
}

func (e *Engine) onReady(now time.Time) {
	if !e.ready {
		glog.Infof("Remote store authenticated")
	}
	e.ready = true
	e.metrics.StoreReady(true)
	e.flushOutbox()
	e.lastHeartbeat = now
	e.heartbeat(now)
}

func (e *Engine) heartbeat(now time.Time) {
	if !e.ready {
		return
	}
	e.device.Online = true
	ts := e.timestamp(now)
	e.write("/device/online", true)
	e.write("/device/lastSeen", ts)
	glog.V(1).Infof("Device status updated: %s", ts)
}

// absorb logs and counts an error the loop recovers from
func (e *Engine) absorb(err error) {
	class := errorClass(err)
	if class == "transport" {
		glog.Errorf("Remote store error: %v", err)
	} else {
		glog.Warningf("Ignoring update: %v", err)
	}
	e.metrics.Dropped(class)
}

func (e *Engine) timestamp(now time.Time) string {
	return now.In(e.loc).Format(TimestampLayout)
}
