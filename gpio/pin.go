package gpio

import (
	"errors"
	"fmt"
	"math/bits"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/hwsim"
)

var (
	_ pgpio.PinOut     = &Pin{}
	_ hwsim.ChipSelect = &Pin{}
)

var ErrPWMUnsupported = errors.New("gpio: pwm not supported on simulated pins")

// Pin is a single line of a simulated port usable wherever periph expects an
// output pin, typically as an SPI chip select.
type Pin struct {
	port *Port
	mask PinMask
}

// Line returns the pin n (0..15) of the port.
func (p *Port) Line(n int) (*Pin, error) {
	if n < 0 || n > 15 {
		return nil, fmt.Errorf("gpio: invalid line %d", n)
	}
	return &Pin{port: p, mask: PinMask(1) << n}, nil
}

func (p *Pin) String() string {
	return p.Name()
}

func (p *Pin) Name() string {
	return fmt.Sprintf("%s%d", p.port.name, p.Number())
}

func (p *Pin) Number() int {
	return bits.TrailingZeros32(uint32(p.mask))
}

func (p *Pin) Function() string {
	return "Out/" + p.Read().String()
}

func (p *Pin) Halt() error {
	return nil
}

func (p *Pin) Out(l pgpio.Level) error {
	if !p.port.hal.Initialized() {
		return fmt.Errorf("gpio: %s: hal not initialized", p.Name())
	}
	state := PinReset
	if l == pgpio.High {
		state = PinSet
	}
	p.port.WritePin(p.mask, state)
	return nil
}

func (p *Pin) PWM(duty pgpio.Duty, f physic.Frequency) error {
	return ErrPWMUnsupported
}

// Read returns the level of the line.
func (p *Pin) Read() pgpio.Level {
	return p.port.ReadPin(p.mask) == PinSet
}
