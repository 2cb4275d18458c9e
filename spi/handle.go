// Package spi provides a simulated SPI controller and the master side
// transports used by the camera driver: the simulator adapter, a periph
// hardware port and a gobot connection.
package spi

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/mklimuk/hwsim/bus"
	"github.com/mklimuk/hwsim/hal"
)

// Role selects the transmit or the receive side of a handle.
type Role uint8

const (
	RoleTx Role = iota
	RoleRx
)

func (r Role) String() string {
	switch r {
	case RoleTx:
		return "tx"
	case RoleRx:
		return "rx"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Config is preserved across DeInit.
type Config struct {
	Mode     spi.Mode
	MaxSpeed physic.Frequency
	// OnComplete, when set, is called after a DMA transfer finished with the
	// number of bytes moved.
	OnComplete func(role Role, n int)
}

type RequestKind uint8

const (
	RequestWrite RequestKind = iota + 1
	RequestRead
)

// Request is a master transfer waiting for the slave side.
type Request struct {
	Kind RequestKind
	Size int
}

type mockBuffer struct {
	data [bus.MaxMessageSize]byte
	size int
}

// Handle is one simulated SPI peripheral. A mock buffer registered for a
// role completes transfers of that role synchronously, otherwise they
// rendezvous with a slave side actor.
type Handle struct {
	*bus.Core
	config Config

	mocks [2]*mockBuffer
	tx    bus.Mailbox
	rx    bus.Mailbox
}

func NewHandle(h *hal.HAL, cfg Config) *Handle {
	return &Handle{
		Core:   bus.NewCore("spi", h),
		config: cfg,
	}
}

func (h *Handle) core() *bus.Core {
	if h == nil {
		return nil
	}
	return h.Core
}

func (h *Handle) Config() Config {
	var cfg Config
	h.Guard(func() { cfg = h.config })
	return cfg
}

func (h *Handle) Init() error {
	return h.core().Init(h.reset)
}

func (h *Handle) DeInit() error {
	return h.core().DeInit(h.reset)
}

func (h *Handle) reset() {
	h.mocks = [2]*mockBuffer{}
	h.tx.Reset()
	h.rx.Reset()
}

// SetMockBuffer copies data into the mock buffer of role.
func (h *Handle) SetMockBuffer(role Role, data []byte) error {
	return h.core().Do("set mock buffer", func(tx *bus.Txn) bus.Code {
		if role > RoleRx || data == nil {
			return bus.ErrNullParam
		}
		if len(data) > bus.MaxMessageSize {
			return bus.ErrMessageTooLarge
		}
		m := &mockBuffer{}
		m.size = copy(m.data[:], data)
		h.mocks[role] = m
		return bus.ErrNone
	})
}

// MockBuffer returns a copy of the mock buffer of role, nil when unset.
func (h *Handle) MockBuffer(role Role) []byte {
	var out []byte
	h.Guard(func() {
		if role <= RoleRx && h.mocks[role] != nil {
			m := h.mocks[role]
			out = append([]byte{}, m.data[:m.size]...)
		}
	})
	return out
}

func (h *Handle) ClearMockBuffer(role Role) {
	h.Guard(func() {
		if role <= RoleRx {
			h.mocks[role] = nil
		}
	})
}

func (h *Handle) check(tx *bus.Txn, data []byte) bus.Code {
	if code := tx.Check(data); code != bus.ErrNone {
		return code
	}
	if h.rx.Pending() {
		return bus.ErrBusy
	}
	return bus.ErrNone
}

// Transmit sends data. Without a Tx mock buffer it waits up to timeout
// milliseconds for the slave side to take it.
func (h *Handle) Transmit(ctx context.Context, data []byte, timeout uint32) error {
	return h.core().Do("transmit", func(tx *bus.Txn) bus.Code {
		return h.transmit(ctx, tx, data, timeout)
	})
}

func (h *Handle) transmit(ctx context.Context, tx *bus.Txn, data []byte, timeout uint32) bus.Code {
	if code := h.check(tx, data); code != bus.ErrNone {
		return code
	}
	if m := h.mocks[RoleTx]; m != nil {
		if len(data) != m.size {
			return bus.ErrBadSlave
		}
		tx.SetState(bus.StateBusyTx)
		copy(m.data[:], data)
		tx.SetState(bus.StateReady)
		return bus.ErrNone
	}
	return h.tx.Send(ctx, tx, data, timeout)
}

// Receive fills buf. Without an Rx mock buffer it waits up to timeout
// milliseconds for the slave side to answer.
func (h *Handle) Receive(ctx context.Context, buf []byte, timeout uint32) error {
	return h.core().Do("receive", func(tx *bus.Txn) bus.Code {
		return h.receive(ctx, tx, buf, timeout)
	})
}

func (h *Handle) receive(ctx context.Context, tx *bus.Txn, buf []byte, timeout uint32) bus.Code {
	if code := h.check(tx, buf); code != bus.ErrNone {
		return code
	}
	if m := h.mocks[RoleRx]; m != nil {
		if len(buf) != m.size {
			return bus.ErrBadSlave
		}
		tx.SetState(bus.StateBusyRx)
		copy(buf, m.data[:m.size])
		tx.SetState(bus.StateReady)
		return bus.ErrNone
	}
	return h.rx.Request(ctx, tx, buf, timeout)
}

// TransmitDMA is Transmit without a timeout budget. The completion callback
// fires once the handle is back to Ready.
func (h *Handle) TransmitDMA(ctx context.Context, data []byte) error {
	err := h.core().Do("transmit dma", func(tx *bus.Txn) bus.Code {
		return h.transmit(ctx, tx, data, bus.Forever)
	})
	if err == nil {
		h.complete(RoleTx, len(data))
	}
	return err
}

// ReceiveDMA is Receive without a timeout budget. Accounting of the bytes
// moved is left to the caller or the completion callback.
func (h *Handle) ReceiveDMA(ctx context.Context, buf []byte) error {
	err := h.core().Do("receive dma", func(tx *bus.Txn) bus.Code {
		return h.receive(ctx, tx, buf, bus.Forever)
	})
	if err == nil {
		h.complete(RoleRx, len(buf))
	}
	return err
}

func (h *Handle) complete(role Role, n int) {
	if cb := h.Config().OnComplete; cb != nil {
		cb(role, n)
	}
}

func slaveCheck(data []byte) bus.Code {
	if data == nil {
		return bus.ErrNullParam
	}
	if len(data) > bus.MaxMessageSize {
		return bus.ErrMessageTooLarge
	}
	return bus.ErrNone
}

// SlaveReceive waits for a master transmit and copies it into buf.
func (h *Handle) SlaveReceive(ctx context.Context, buf []byte, timeout uint32) error {
	return h.core().Do("slave receive", func(tx *bus.Txn) bus.Code {
		if code := slaveCheck(buf); code != bus.ErrNone {
			return code
		}
		return h.tx.Take(ctx, tx, buf, timeout)
	})
}

// SlaveTransmit waits for a master receive and answers it with data.
func (h *Handle) SlaveTransmit(ctx context.Context, data []byte, timeout uint32) error {
	return h.core().Do("slave transmit", func(tx *bus.Txn) bus.Code {
		if code := slaveCheck(data); code != bus.ErrNone {
			return code
		}
		return h.rx.Answer(ctx, tx, data, timeout)
	})
}

// AwaitRequest waits for a master transfer that needs the slave side and
// claims it for the following SlaveReceive or SlaveTransmit.
func (h *Handle) AwaitRequest(ctx context.Context, timeout uint32) (Request, error) {
	var req Request
	err := h.core().Do("await request", func(tx *bus.Txn) bus.Code {
		code := tx.Wait(ctx, timeout, func() bool {
			return h.rx.Pending() || tx.State() == bus.StateBusyTx
		})
		if code != bus.ErrNone {
			return code
		}
		if h.rx.Pending() {
			h.rx.Claim()
			h.tx.Unclaim()
			req = Request{Kind: RequestRead, Size: h.rx.Want()}
		} else {
			h.tx.Claim()
			h.rx.Unclaim()
			req = Request{Kind: RequestWrite, Size: h.tx.Size()}
		}
		return bus.ErrNone
	})
	return req, err
}
