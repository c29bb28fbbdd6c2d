package telemetry

import (
	"errors"

	"github.com/aquafeed/feeder-controller/internal/state"
)

// Recorder receives journal entries
type Recorder interface {
	RecordFeed(state.FeedEvent) error
	RecordTurbidity(state.TurbiditySample) error
}

// Fanout forwards every entry to all recorders. A failing recorder does not
// stop the others.
type Fanout []Recorder

// RecordFeed implements Recorder
func (f Fanout) RecordFeed(ev state.FeedEvent) error {
	var errs []error
	for _, r := range f {
		if err := r.RecordFeed(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordTurbidity implements Recorder
func (f Fanout) RecordTurbidity(s state.TurbiditySample) error {
	var errs []error
	for _, r := range f {
		if err := r.RecordTurbidity(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
