package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pgpio "periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim"
)

const DefaultMCP23017Address = 0x21

// Bank is one of the two 8-bit I/O ports of the expander.
type Bank int

const (
	BankA Bank = iota
	BankB
)

func (b Bank) String() string {
	if b == BankB {
		return "B"
	}
	return "A"
}

// register offsets for IOCON.BANK=0, where the B register follows its A twin
const (
	regIODIR byte = 0x00
	regGPPU  byte = 0x0C
	regGPIO  byte = 0x12
	regOLAT  byte = 0x14
)

func addr(reg byte, b Bank) byte {
	return reg + byte(b&1)
}

// MCP23017 is an I2C GPIO expander, used on boards where the camera chip
// select is not wired to a host GPIO.
type MCP23017 struct {
	mx         sync.Mutex
	transport  hwsim.I2CBus
	address    byte
	retryLimit int
	latch      [2]byte
}

func NewMCP23017(bus hwsim.I2CBus, address byte) *MCP23017 {
	return &MCP23017{retryLimit: 3, transport: bus, address: address, latch: [2]byte{0xFF, 0xFF}}
}

// write retries on a busy bus, releasing it between attempts.
func (m *MCP23017) write(ctx context.Context, reg, value byte) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = m.transport.WriteToAddr(ctx, m.address, []byte{reg, value})
		if err == nil {
			return nil
		}
		if !errors.Is(err, hwsim.ErrBusBusy) {
			return err
		}
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

func (m *MCP23017) read(ctx context.Context, reg byte) (byte, error) {
	if err := m.transport.WriteToAddr(ctx, m.address, []byte{reg}); err != nil {
		return 0, fmt.Errorf("could not set I/O register address: %w", err)
	}
	buf := make([]byte, 1)
	if err := m.transport.ReadFromAddr(ctx, m.address, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Configure sets the direction of bank b, a set bit making the line an
// input. Output lines start high.
func (m *MCP23017) Configure(ctx context.Context, b Bank, inputs byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := m.write(ctx, addr(regOLAT, b), m.latch[b&1]); err != nil {
		return fmt.Errorf("could not preset gpio %s latch: %w", b, err)
	}
	if err := m.write(ctx, addr(regIODIR, b), inputs); err != nil {
		return fmt.Errorf("could not configure gpio %s set: %w", b, err)
	}
	return nil
}

// PullUp enables the pull-up resistors selected by mask on bank b.
func (m *MCP23017) PullUp(ctx context.Context, b Bank, mask byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := m.write(ctx, addr(regGPPU, b), mask); err != nil {
		return fmt.Errorf("could not set pull-up on gpio %s set: %w", b, err)
	}
	return nil
}

// Read returns the line levels of bank b.
func (m *MCP23017) Read(ctx context.Context, b Bank) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	v, err := m.read(ctx, addr(regGPIO, b))
	if err != nil {
		return 0, fmt.Errorf("could not read gpio %s set: %w", b, err)
	}
	return v, nil
}

// Write drives the output lines of bank b.
func (m *MCP23017) Write(ctx context.Context, b Bank, value byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.writeLatch(ctx, b, value)
}

func (m *MCP23017) writeLatch(ctx context.Context, b Bank, value byte) error {
	if err := m.write(ctx, addr(regOLAT, b), value); err != nil {
		return fmt.Errorf("could not write gpio %s set: %w", b, err)
	}
	m.latch[b&1] = value
	return nil
}

func (m *MCP23017) setLine(ctx context.Context, b Bank, n int, l pgpio.Level) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	v := m.latch[b&1] &^ (1 << n)
	if l == pgpio.High {
		v |= 1 << n
	}
	return m.writeLatch(ctx, b, v)
}

// Line returns line n of bank b as a chip select. The line must have been
// configured as an output.
func (m *MCP23017) Line(ctx context.Context, b Bank, n int) (hwsim.ChipSelect, error) {
	if n < 0 || n > 7 {
		return nil, fmt.Errorf("gpio: invalid expander line %d", n)
	}
	return &expanderLine{ctx: ctx, dev: m, bank: b, n: n}, nil
}

type expanderLine struct {
	ctx  context.Context
	dev  *MCP23017
	bank Bank
	n    int
}

func (l *expanderLine) Out(level pgpio.Level) error {
	return l.dev.setLine(l.ctx, l.bank, l.n, level)
}
