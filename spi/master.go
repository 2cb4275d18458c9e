package spi

import (
	"context"
	"fmt"

	"github.com/mklimuk/hwsim"
)

var _ hwsim.SPIBus = &Master{}

// Master drives the master side of a simulated handle.
type Master struct {
	handle  *Handle
	timeout uint32
}

func NewMaster(h *Handle, timeout uint32) *Master {
	return &Master{handle: h, timeout: timeout}
}

func (m *Master) Transmit(ctx context.Context, buffer []byte) error {
	if err := m.handle.Transmit(ctx, buffer, m.timeout); err != nil {
		return fmt.Errorf("spi transmit: %w", err)
	}
	return nil
}

func (m *Master) Receive(ctx context.Context, buffer []byte) error {
	if err := m.handle.Receive(ctx, buffer, m.timeout); err != nil {
		return fmt.Errorf("spi receive: %w", err)
	}
	return nil
}

func (m *Master) ReceiveDMA(ctx context.Context, buffer []byte) error {
	if err := m.handle.ReceiveDMA(ctx, buffer); err != nil {
		return fmt.Errorf("spi receive dma: %w", err)
	}
	return nil
}
