package engine

import (
	"errors"

	"github.com/aquafeed/feeder-controller/internal/state"
)

// Error classes absorbed by the event loop. None of them stop the engine.
var (
	ErrTransport = errors.New("transport error")
	ErrDecode    = errors.New("decode error")
	ErrCapacity  = state.ErrCapacity
	ErrAddress   = errors.New("unroutable path")
)

// errorClass returns the metrics label for an absorbed error
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrAddress):
		return "address"
	default:
		return "hardware"
	}
}
