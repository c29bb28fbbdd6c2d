package route

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParse(t *testing.T) {
	r := New(DefaultConfig())

	tests := []struct {
		path  string
		kind  Kind
		id    string
		field Field
		pin   int
	}{
		{path: "/", kind: KindRoot},
		{path: "", kind: KindRoot},
		{path: "/feednow", kind: KindFeedNow},
		{path: "/feedCount", kind: KindFeedCount},
		{path: "/turbidity/threshold", kind: KindTurbidityThreshold},
		{path: "/turbidity", kind: KindTurbidity},
		{path: "/turbidity/value", kind: KindMirror},
		{path: "/turbidity/alert", kind: KindMirror},
		{path: "/lastFed", kind: KindMirror},
		{path: "/device/online", kind: KindMirror},
		{path: "/timers", kind: KindTimers},
		{path: "/timers/", kind: KindTimers},
		{path: "/timers/timer0", kind: KindTimerField, id: "timer0", field: FieldNone},
		{path: "/timers/timer0/time", kind: KindTimerField, id: "timer0", field: FieldTime},
		{path: "/timers/timer12/enabled", kind: KindTimerField, id: "timer12", field: FieldEnabled},
		{path: "/timers/timer3/triggered", kind: KindTimerField, id: "timer3", field: FieldTriggered},
		{path: "/gpio1", kind: KindGPIO, pin: 1},
		{path: "/gpio25", kind: KindGPIO, pin: 25},
		{path: "/gpioX", kind: KindUnknown},
		{path: "/timers/morning/time", kind: KindUnknown},
		{path: "/timers/timer0/color", kind: KindUnknown},
		{path: "/timers/timer0/time/extra", kind: KindUnknown},
		{path: "/feednow/extra", kind: KindUnknown},
		{path: "/something/else", kind: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			addr := r.Parse(tt.path)
			assert.Equal(t, addr.Kind, tt.kind)
			if tt.kind == KindTimerField {
				assert.Equal(t, addr.ID, tt.id)
				assert.Equal(t, addr.Field, tt.field)
			}
			if tt.kind == KindGPIO {
				assert.Equal(t, addr.Pin, tt.pin)
			}
		})
	}
}

func TestParseWithoutIDPrefix(t *testing.T) {
	r := New(Config{Collection: "timers"})

	addr := r.Parse("/timers/morning/time")
	assert.Equal(t, addr.Kind, KindTimerField)
	assert.Equal(t, addr.ID, "morning")
	assert.Equal(t, addr.Field, FieldTime)
}

func TestParseCustomCollection(t *testing.T) {
	r := New(Config{Collection: "schedules", IDPrefix: "s"})

	assert.Equal(t, r.Parse("/schedules").Kind, KindTimers)
	assert.Equal(t, r.Parse("/schedules/s1/enabled").Kind, KindTimerField)
	assert.Equal(t, r.Parse("/timers/timer0").Kind, KindUnknown)
}

func TestTimerPath(t *testing.T) {
	r := New(DefaultConfig())

	assert.Equal(t, r.TimerPath("timer0", FieldTriggered), "/timers/timer0/triggered")
	assert.Equal(t, r.TimerPath("timer0", FieldNone), "/timers/timer0")
	assert.Equal(t, r.CollectionPath(), "/timers")
	assert.Equal(t, Join("/timers", "timer1"), "/timers/timer1")
	assert.Equal(t, Join("/", "feednow"), "/feednow")
}

func TestAddressString(t *testing.T) {
	r := New(DefaultConfig())

	assert.Equal(t, r.Parse("/timers/timer0/time").String(), "timer(timer0).time")
	assert.Equal(t, r.Parse("/timers/timer0").String(), "timer(timer0)")
	assert.Equal(t, r.Parse("/gpio4").String(), "gpio(4)")
	assert.Equal(t, r.Parse("/feednow").String(), "feednow")
}
