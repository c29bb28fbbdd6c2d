package engine

import (
	"time"

	"github.com/golang/glog"

	"github.com/aquafeed/feeder-controller/internal/state"
)

// sampleTurbidity reads the sensor, publishes the value and writes the
// alert flag only when it changes
func (e *Engine) sampleTurbidity(now time.Time) {
	value, err := e.sensor.ReadTurbidity()
	if err != nil {
		glog.Warningf("Failed to read turbidity sensor: %v", err)
		e.metrics.Dropped("hardware")
		return
	}

	e.device.LastTurbidityValue = value
	threshold := e.device.TurbidityThreshold
	glog.V(1).Infof("Turbidity sensor value: %d (threshold: %d)", value, threshold)

	// Alert evaluation is skipped until the store is ready
	if e.ready {
		e.write("/turbidity/value", value)
		e.write("/turbidity/lastUpdate", e.timestamp(now))

		shouldAlert := value > threshold
		if shouldAlert != e.device.AlertActive {
			e.device.AlertActive = shouldAlert
			e.write("/turbidity/alert", shouldAlert)
			if shouldAlert {
				glog.Warningf("Turbidity alert: %d above threshold %d", value, threshold)
			} else {
				glog.Infof("Turbidity alert cleared: %d", value)
			}
		}
	}

	e.metrics.Turbidity(value, e.device.AlertActive)
	if e.journal != nil {
		sample := state.TurbiditySample{
			Value:     value,
			Threshold: threshold,
			Alert:     e.device.AlertActive,
			ReadAt:    now,
		}
		if err := e.journal.RecordTurbidity(sample); err != nil {
			glog.Errorf("Failed to record turbidity: %v", err)
		}
	}
}
