package i2c

import (
	"context"
	"fmt"
	"sync"

	gi2c "gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/hwsim"
	"github.com/mklimuk/hwsim/hwctx"
)

var _ hwsim.I2CBus = &GobotBus{}

// GobotBus runs addressed transfers over a gobot I2C connector, for example
// the bus adaptor of a NanoPi board. Connections are opened on first use of
// an address and kept until Close.
type GobotBus struct {
	mx    sync.Mutex
	conn  gi2c.Connector
	bus   int
	conns map[byte]gi2c.Connection
}

// NewGobotBus uses bus number bus of c, or its default bus when bus is
// negative.
func NewGobotBus(c gi2c.Connector, bus int) *GobotBus {
	if bus < 0 {
		bus = c.DefaultI2cBus()
	}
	return &GobotBus{conn: c, bus: bus, conns: map[byte]gi2c.Connection{}}
}

func (b *GobotBus) connection(address byte) (gi2c.Connection, error) {
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.conn.GetI2cConnection(int(address), b.bus)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c connection to %x: %w", address, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	if _, err := c.Write(buffer); err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	hwctx.Dump(ctx, "i2c tx", buffer)
	return nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := c.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from i2c bus %x: %d of %d bytes", address, n, len(buffer))
	}
	hwctx.Dump(ctx, "i2c rx", buffer)
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var first error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("could not close i2c connection to %x: %w", addr, err)
		}
		delete(b.conns, addr)
	}
	return first
}
