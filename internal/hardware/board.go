// Package hardware drives the feeder's servo, digital outputs and turbidity
// probe on a Raspberry Pi, with an in-memory simulator for development.
package hardware

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"
)

// Config holds board wiring
type Config struct {
	ServoPin   string         // header pin driving the servo signal
	ADCBus     int            // i2c bus of the ADS1115
	ADCAddress int            // i2c address of the ADS1115
	ADCChannel int            // ADS1115 input wired to the turbidity probe
	Outputs    map[int]string // logical gpio number -> header pin
}

// DefaultConfig returns the reference wiring
func DefaultConfig() Config {
	return Config{
		ServoPin:   "12",
		ADCBus:     1,
		ADCAddress: 0x48,
		ADCChannel: 0,
		Outputs:    map[int]string{},
	}
}

// Board is a Raspberry Pi with a servo, an ADS1115 and relay outputs
type Board struct {
	adaptor *raspi.Adaptor
	servo   *gpio.ServoDriver
	adc     *i2c.ADS1x15Driver
	outputs map[int]*gpio.DirectPinDriver
	channel string
	mu      sync.Mutex
}

// NewBoard connects to the Pi and starts every driver
func NewBoard(config Config) (*Board, error) {
	if config.ADCChannel < 0 || config.ADCChannel > 3 {
		return nil, fmt.Errorf("adc channel %d out of range", config.ADCChannel)
	}

	a := raspi.NewAdaptor()
	if err := a.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi: %w", err)
	}

	b := &Board{
		adaptor: a,
		servo:   gpio.NewServoDriver(a, config.ServoPin),
		adc:     i2c.NewADS1115Driver(a, i2c.WithBus(config.ADCBus), i2c.WithAddress(config.ADCAddress)),
		outputs: make(map[int]*gpio.DirectPinDriver, len(config.Outputs)),
		channel: strconv.Itoa(config.ADCChannel),
	}

	if err := b.servo.Start(); err != nil {
		a.Finalize()
		return nil, fmt.Errorf("start servo on pin %s: %w", config.ServoPin, err)
	}
	if err := b.adc.Start(); err != nil {
		a.Finalize()
		return nil, fmt.Errorf("start ads1115: %w", err)
	}
	for n, pin := range config.Outputs {
		d := gpio.NewDirectPinDriver(a, pin)
		if err := d.Start(); err != nil {
			a.Finalize()
			return nil, fmt.Errorf("start gpio%d on pin %s: %w", n, pin, err)
		}
		b.outputs[n] = d
	}

	glog.Infof("Board ready: servo pin %s, ads1115 0x%02x channel %s, %d outputs",
		config.ServoPin, config.ADCAddress, b.channel, len(b.outputs))
	return b, nil
}

// SetPosition moves the servo, clamped to 0-180 degrees
func (b *Board) SetPosition(angle int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servo.Move(uint8(clampAngle(angle)))
}

// SetDigital drives a mapped output pin
func (b *Board) SetDigital(pin int, high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.outputs[pin]
	if !ok {
		return fmt.Errorf("gpio%d is not mapped", pin)
	}
	var level byte
	if high {
		level = 1
	}
	return d.DigitalWrite(level)
}

// ReadTurbidity returns the raw ADC reading of the probe
func (b *Board) ReadTurbidity() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.adc.AnalogRead(b.channel)
	if err != nil {
		return 0, fmt.Errorf("read ads1115 channel %s: %w", b.channel, err)
	}
	return v, nil
}

// Close releases the pins
func (b *Board) Close() error {
	return b.adaptor.Finalize()
}

func clampAngle(angle int) int {
	switch {
	case angle < 0:
		return 0
	case angle > 180:
		return 180
	default:
		return angle
	}
}
