package spi

import (
	"context"
	"fmt"
	"sync"

	gspi "gobot.io/x/gobot/v2/drivers/spi"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim"
)

var (
	_ hwsim.SPIBus     = &GobotConn{}
	_ hwsim.ChipSelect = &gobotSelect{}
)

// CommandConn is the subset of a gobot SPI connection used by GobotConn.
type CommandConn interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// GobotConn adapts a gobot SPI connection, whose chip select is toggled by
// the kernel around every call, to the select/transfer/deselect sequence of
// hwsim.SPIBus. Bytes transmitted while selected are held back and sent as
// the command of the next receive, or flushed on deselect. A receive without
// a pending command repeats the last one, which continues a burst read.
type GobotConn struct {
	mx       sync.Mutex
	conn     CommandConn
	selected bool
	pending  []byte
	last     []byte
}

// NewGobotConn binds to a started gobot SPI driver, for example
//
//	adaptor := nanopi.NewNeoAdaptor()
//	d := gspi.NewDriver(adaptor, "spi")
//	if err := d.Start(); err != nil { ... }
//	conn, err := spi.NewGobotConn(d)
func NewGobotConn(d *gspi.Driver) (*GobotConn, error) {
	if d == nil {
		return nil, fmt.Errorf("spi driver not initialized")
	}
	ops, ok := d.Connection().(CommandConn)
	if !ok {
		return nil, fmt.Errorf("spi connection does not support required operations")
	}
	return NewCommandConn(ops), nil
}

func NewCommandConn(c CommandConn) *GobotConn {
	return &GobotConn{conn: c}
}

// ChipSelect returns the line that frames transactions on the connection.
func (g *GobotConn) ChipSelect() hwsim.ChipSelect {
	return &gobotSelect{g}
}

func (g *GobotConn) Transmit(ctx context.Context, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mx.Lock()
	defer g.mx.Unlock()
	if !g.selected {
		if len(buffer) == 0 {
			return nil
		}
		return g.conn.WriteBytes(buffer)
	}
	g.pending = append(g.pending, buffer...)
	return nil
}

func (g *GobotConn) Receive(ctx context.Context, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mx.Lock()
	defer g.mx.Unlock()
	cmd := g.pending
	if len(cmd) == 0 {
		cmd = g.last
	}
	err := g.conn.ReadCommandData(cmd, buffer)
	g.last = append(g.last[:0], cmd...)
	g.pending = g.pending[:0]
	if err != nil {
		return fmt.Errorf("spi command %x read failed: %w", g.last, err)
	}
	return nil
}

func (g *GobotConn) ReceiveDMA(ctx context.Context, buffer []byte) error {
	return g.Receive(ctx, buffer)
}

func (g *GobotConn) out(l gpio.Level) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if l == gpio.Low {
		g.selected = true
		g.pending = g.pending[:0]
		g.last = g.last[:0]
		return nil
	}
	g.selected = false
	if len(g.pending) == 0 {
		return nil
	}
	n := len(g.pending)
	err := g.conn.WriteBytes(g.pending)
	g.pending = g.pending[:0]
	if err != nil {
		return fmt.Errorf("spi write %d bytes failed: %w", n, err)
	}
	return nil
}

type gobotSelect struct {
	conn *GobotConn
}

func (s *gobotSelect) Out(l gpio.Level) error {
	return s.conn.out(l)
}
