package hardware

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSimClampsServo(t *testing.T) {
	s := NewSim(320)
	assert.Equal(t, s.Position(), -1)

	s.SetPosition(90)
	assert.Equal(t, s.Position(), 90)
	s.SetPosition(270)
	assert.Equal(t, s.Position(), 180)
	s.SetPosition(-15)
	assert.Equal(t, s.Position(), 0)
	assert.Equal(t, s.moves, 3)
}

func TestSimOutputsAndTurbidity(t *testing.T) {
	s := NewSim(320)

	v, err := s.ReadTurbidity()
	if err != nil {
		t.Fatalf("ReadTurbidity failed: %v", err)
	}
	assert.Equal(t, v, 320)

	s.SetTurbidity(740)
	v, _ = s.ReadTurbidity()
	assert.Equal(t, v, 740)

	s.SetDigital(17, true)
	assert.Equal(t, s.Output(17), true)
	assert.Equal(t, s.Output(27), false)
	s.SetDigital(17, false)
	assert.Equal(t, s.Output(17), false)
}
