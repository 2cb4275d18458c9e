package spi

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/hwsim"
	"github.com/mklimuk/hwsim/hwctx"
)

var _ hwsim.SPIBus = &Port{}

// Port is a host SPI port. The chip select is a separate GPIO line so that
// a command and the data that follows stay in one transaction.
type Port struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenPort initialises the host drivers and connects to the SPI port name
// ("" for the first available one).
func OpenPort(name string, freq physic.Frequency) (*Port, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port: %w", err)
	}
	port, err := NewPort(p, freq)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return port, nil
}

// NewPort connects to an already opened periph port in mode 0 with the
// hardware chip select disabled.
func NewPort(p spi.PortCloser, freq physic.Frequency) (*Port, error) {
	c, err := p.Connect(freq, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		return nil, fmt.Errorf("could not connect to spi port: %w", err)
	}
	return &Port{port: p, conn: c}, nil
}

func (p *Port) Transmit(ctx context.Context, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.conn.Tx(buffer, nil); err != nil {
		return fmt.Errorf("could not write to spi port: %w", err)
	}
	hwctx.Dump(ctx, "spi tx", buffer)
	return nil
}

func (p *Port) Receive(ctx context.Context, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.conn.Tx(make([]byte, len(buffer)), buffer); err != nil {
		return fmt.Errorf("could not read from spi port: %w", err)
	}
	hwctx.Dump(ctx, "spi rx", buffer)
	return nil
}

// ReceiveDMA is a blocking Receive: the host driver completes the transfer
// before returning.
func (p *Port) ReceiveDMA(ctx context.Context, buffer []byte) error {
	return p.Receive(ctx, buffer)
}

func (p *Port) Close() error {
	return p.port.Close()
}

// OpenChipSelect looks up the GPIO line used as chip select and drives it
// high (deselected).
func OpenChipSelect(name string) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("unknown gpio %q", name)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("could not drive chip select %s: %w", name, err)
	}
	return pin, nil
}
