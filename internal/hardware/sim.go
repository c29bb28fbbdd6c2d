package hardware

import (
	"sync"

	"github.com/golang/glog"
)

// Sim is an in-memory board
type Sim struct {
	mu        sync.Mutex
	position  int
	outputs   map[int]bool
	turbidity int
	moves     int
}

// NewSim creates a simulator reporting a fixed turbidity value
func NewSim(turbidity int) *Sim {
	return &Sim{
		position:  -1,
		outputs:   make(map[int]bool),
		turbidity: turbidity,
	}
}

// SetPosition records the servo angle
func (s *Sim) SetPosition(angle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = clampAngle(angle)
	s.moves++
	glog.V(2).Infof("sim: servo -> %d", s.position)
	return nil
}

// SetDigital records an output level
func (s *Sim) SetDigital(pin int, high bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[pin] = high
	glog.V(2).Infof("sim: gpio%d -> %v", pin, high)
	return nil
}

// ReadTurbidity returns the configured value
func (s *Sim) ReadTurbidity() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turbidity, nil
}

// SetTurbidity changes the simulated reading
func (s *Sim) SetTurbidity(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turbidity = v
}

// Position returns the last servo angle, or -1 before any move
func (s *Sim) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Output returns the level of a pin
func (s *Sim) Output(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[pin]
}

// Close is a no-op
func (s *Sim) Close() error { return nil }
