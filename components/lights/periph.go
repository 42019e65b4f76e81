package lights

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// pwmFrequency drives the LED ring well above flicker.
const pwmFrequency = physic.KiloHertz

var (
	hostInitOnce sync.Once
	errHostInit  error
)

// PeriphDriver drives one GPIO pin. Pins without PWM support fall back to fully on or off.
type PeriphDriver struct {
	pin    gpio.PinIO
	hwPWM  bool
	closed bool
}

// NewPeriphDriver opens BCM pin number pin, e.g. 18 for GPIO18.
func NewPeriphDriver(pin int) (*PeriphDriver, error) {
	hostInitOnce.Do(func() {
		_, errHostInit = host.Init()
	})
	if errHostInit != nil {
		return nil, errors.Wrap(errHostInit, "initializing gpio host drivers")
	}
	name := "GPIO" + strconv.Itoa(pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("no gpio pin named %q", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, errors.Wrapf(err, "configuring %s as output", name)
	}
	return &PeriphDriver{pin: p, hwPWM: true}, nil
}

// SetDuty implements Driver.
func (d *PeriphDriver) SetDuty(pct float64) error {
	if d.closed {
		return errors.New("driver closed")
	}
	if d.hwPWM {
		duty := gpio.Duty(pct / 100 * float64(gpio.DutyMax))
		if err := d.pin.PWM(duty, pwmFrequency); err == nil {
			return nil
		}
		d.hwPWM = false
	}
	level := gpio.Low
	if pct > 0 {
		level = gpio.High
	}
	return d.pin.Out(level)
}

// Close turns the pin off and releases it.
func (d *PeriphDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.pin.Out(gpio.Low)
	if haltErr := d.pin.Halt(); err == nil {
		err = haltErr
	}
	return err
}
