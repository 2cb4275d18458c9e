package hwsim

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

var ErrBusBusy = fmt.Errorf("bus engine is busy (transaction not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// SPIBus is a master-side SPI connection whose chip select is driven
// separately, so that consecutive calls belong to one transaction.
type SPIBus interface {
	Transmit(ctx context.Context, buffer []byte) error
	Receive(ctx context.Context, buffer []byte) error
	// ReceiveDMA returns once the transfer completed. Any accounting that
	// depends on the number of bytes moved is left to the caller.
	ReceiveDMA(ctx context.Context, buffer []byte) error
}

// ChipSelect is an active-low select line.
type ChipSelect interface {
	Out(l gpio.Level) error
}

// Delayer blocks the caller for the given number of milliseconds.
type Delayer interface {
	Delay(ms uint32)
}
