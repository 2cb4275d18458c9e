package imagestream

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// OpenSerial opens a UART in 8N1 mode. A zero baud selects
// DefaultBaudRate. readTimeout bounds every read, zero blocks.
func OpenSerial(name string, baud int, readTimeout time.Duration) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", name, err)
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("could not set read timeout on %s: %w", name, err)
		}
	}
	return p, nil
}

// Ports lists the serial ports present on the host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("could not list serial ports: %w", err)
	}
	return ports, nil
}

// PollReader turns the empty reads of a port with a read timeout into a
// blocking read that gives up once ctx is done.
type PollReader struct {
	ctx context.Context
	r   io.Reader
}

func NewPollReader(ctx context.Context, r io.Reader) *PollReader {
	return &PollReader{ctx: ctx, r: r}
}

func (p *PollReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := p.r.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
