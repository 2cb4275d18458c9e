package i2c

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/hwsim"
	"github.com/mklimuk/hwsim/bus"
)

var (
	_ hwsim.I2CBus = &Master{}
	_ i2c.Bus      = &Master{}
	_ drivers.I2C  = &Master{}
)

// Master drives the master side of a simulated handle through the usual
// bus interfaces, so that existing device drivers can run against it.
type Master struct {
	handle  *Handle
	timeout uint32
}

// NewMaster wraps h. timeout bounds every rendezvous in milliseconds,
// bus.Forever disables it.
func NewMaster(h *Handle, timeout uint32) *Master {
	return &Master{handle: h, timeout: timeout}
}

func (m *Master) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := m.handle.MasterTransmit(ctx, uint16(address), buffer, m.timeout)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

func (m *Master) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := m.handle.MasterReceive(ctx, uint16(address), buffer, m.timeout)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

// Release mirrors the adapter contract: a simulated transfer never outlives
// its call, so there is nothing to cancel unless the handle faulted.
func (m *Master) Release(ctx context.Context) error {
	if m.handle.State() != bus.StateError {
		return nil
	}
	if err := m.handle.DeInit(); err != nil {
		return err
	}
	return m.handle.Init()
}

// Tx implements both periph i2c.Bus and tinygo drivers.I2C. The write and
// read halves are separate simulated transfers.
func (m *Master) Tx(addr uint16, w, r []byte) error {
	ctx := context.Background()
	if len(w) > 0 {
		if err := m.handle.MasterTransmit(ctx, addr, w, m.timeout); err != nil {
			return fmt.Errorf("i2c tx to %#x: %w", addr, err)
		}
	}
	if len(r) > 0 {
		if err := m.handle.MasterReceive(ctx, addr, r, m.timeout); err != nil {
			return fmt.Errorf("i2c rx from %#x: %w", addr, err)
		}
	}
	return nil
}

func (m *Master) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("invalid i2c speed %s", f)
	}
	m.handle.setSpeed(f)
	return nil
}

func (m *Master) String() string {
	return fmt.Sprintf("hwsim-i2c@%s", m.handle.Config().Speed)
}
