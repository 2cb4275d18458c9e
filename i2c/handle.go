// Package i2c provides a simulated I2C controller, adapters exposing it as a
// regular I2C bus, and a periph based bus for real hardware.
package i2c

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/hwsim/bus"
	"github.com/mklimuk/hwsim/hal"
)

// Config is preserved across DeInit.
type Config struct {
	// OwnAddress, when non-zero, must equal the address of the registered
	// slave for a master transfer to proceed.
	OwnAddress uint16
	Speed      physic.Frequency
}

type RequestKind uint8

const (
	RequestWrite RequestKind = iota + 1
	RequestRead
)

func (k RequestKind) String() string {
	switch k {
	case RequestWrite:
		return "write"
	case RequestRead:
		return "read"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
}

// Request is a master transfer waiting for the slave side.
type Request struct {
	Kind    RequestKind
	Address uint16
	Size    int
}

type slave struct {
	address uint16
	data    [bus.MaxMessageSize]byte
	size    int
}

// Handle is one simulated I2C peripheral. Master transfers complete against a
// registered virtual slave when one is present, otherwise they rendezvous
// with a slave side actor calling SlaveReceive or SlaveTransmit.
type Handle struct {
	*bus.Core
	config Config

	slave    *slave
	injected bus.Code

	addr uint16
	mbox bus.Mailbox
}

func NewHandle(h *hal.HAL, cfg Config) *Handle {
	return &Handle{
		Core:   bus.NewCore("i2c", h),
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

func (h *Handle) setSpeed(f physic.Frequency) {
	h.Guard(func() { h.config.Speed = f })
}

func (h *Handle) Init() error {
	return h.core().Init(h.reset)
}

func (h *Handle) DeInit() error {
	return h.core().DeInit(h.reset)
}

func (h *Handle) reset() {
	h.slave = nil
	h.injected = bus.ErrNone
	h.addr = 0
	h.mbox.Reset()
}

// RegisterSlave copies data into a virtual slave device reachable at
// address. Master transfers then complete synchronously against it.
func (h *Handle) RegisterSlave(address uint16, data []byte) error {
	return h.core().Do("register slave", func(tx *bus.Txn) bus.Code {
		if data == nil {
			return bus.ErrNullParam
		}
		if len(data) > bus.MaxMessageSize {
			return bus.ErrMessageTooLarge
		}
		s := &slave{address: address}
		s.size = copy(s.data[:], data)
		h.slave = s
		return bus.ErrNone
	})
}

// SlaveBuffer returns a copy of the registered slave contents, nil when no
// slave is registered.
func (h *Handle) SlaveBuffer() []byte {
	var out []byte
	h.Guard(func() {
		if h.slave != nil {
			out = append([]byte{}, h.slave.data[:h.slave.size]...)
		}
	})
	return out
}

func (h *Handle) ClearSlave() {
	h.Guard(func() { h.slave = nil })
}

// InjectError makes every following transfer fail with code until it is
// cleared with bus.ErrNone.
func (h *Handle) InjectError(code bus.Code) {
	h.Guard(func() { h.injected = code })
}

func (h *Handle) check(tx *bus.Txn, data []byte) bus.Code {
	if h.injected != bus.ErrNone {
		return h.injected
	}
	if code := tx.Check(data); code != bus.ErrNone {
		return code
	}
	if h.mbox.Pending() {
		return bus.ErrBusy
	}
	return bus.ErrNone
}

func (h *Handle) matchSlave(addr uint16, size int) bus.Code {
	if addr != h.slave.address {
		return bus.ErrAddressMismatch
	}
	if h.config.OwnAddress != 0 && h.config.OwnAddress != h.slave.address {
		return bus.ErrAddressMismatch
	}
	if size != h.slave.size {
		return bus.ErrBadSlave
	}
	return bus.ErrNone
}

// MasterTransmit sends data to the device at addr. Without a registered
// slave it waits up to timeout milliseconds for the slave side to take the
// message.
func (h *Handle) MasterTransmit(ctx context.Context, addr uint16, data []byte, timeout uint32) error {
	return h.core().Do("master transmit", func(tx *bus.Txn) bus.Code {
		if code := h.check(tx, data); code != bus.ErrNone {
			return code
		}
		if h.slave != nil {
			if code := h.matchSlave(addr, len(data)); code != bus.ErrNone {
				return code
			}
			tx.SetState(bus.StateBusyTx)
			copy(h.slave.data[:], data)
			tx.SetState(bus.StateReady)
			return bus.ErrNone
		}
		h.addr = addr
		return h.mbox.Send(ctx, tx, data, timeout)
	})
}

// MasterReceive fills buf from the device at addr. Without a registered
// slave it waits up to timeout milliseconds for the slave side to answer.
func (h *Handle) MasterReceive(ctx context.Context, addr uint16, buf []byte, timeout uint32) error {
	return h.core().Do("master receive", func(tx *bus.Txn) bus.Code {
		if code := h.check(tx, buf); code != bus.ErrNone {
			return code
		}
		if h.slave != nil {
			if code := h.matchSlave(addr, len(buf)); code != bus.ErrNone {
				return code
			}
			tx.SetState(bus.StateBusyRx)
			copy(buf, h.slave.data[:h.slave.size])
			tx.SetState(bus.StateReady)
			return bus.ErrNone
		}
		h.addr = addr
		return h.mbox.Request(ctx, tx, buf, timeout)
	})
}

func (h *Handle) slaveCheck(data []byte) bus.Code {
	if h.injected != bus.ErrNone {
		return h.injected
	}
	if data == nil {
		return bus.ErrNullParam
	}
	if len(data) > bus.MaxMessageSize {
		return bus.ErrMessageTooLarge
	}
	return bus.ErrNone
}

// SlaveReceive waits for a master transmit and copies its message into buf.
// len(buf) must equal the size of the posted message.
func (h *Handle) SlaveReceive(ctx context.Context, buf []byte, timeout uint32) error {
	return h.core().Do("slave receive", func(tx *bus.Txn) bus.Code {
		if code := h.slaveCheck(buf); code != bus.ErrNone {
			return code
		}
		return h.mbox.Take(ctx, tx, buf, timeout)
	})
}

// SlaveTransmit waits for a master receive request and answers it with data.
// len(data) must equal the requested size.
func (h *Handle) SlaveTransmit(ctx context.Context, data []byte, timeout uint32) error {
	return h.core().Do("slave transmit", func(tx *bus.Txn) bus.Code {
		if code := h.slaveCheck(data); code != bus.ErrNone {
			return code
		}
		return h.mbox.Answer(ctx, tx, data, timeout)
	})
}

// AwaitRequest waits for a master transfer that needs the slave side and
// describes it without consuming it. The following SlaveReceive or
// SlaveTransmit serves that transfer only, failing with a timeout if the
// master gave up on it. A handle in reset is waited through.
func (h *Handle) AwaitRequest(ctx context.Context, timeout uint32) (Request, error) {
	var req Request
	err := h.core().Do("await request", func(tx *bus.Txn) bus.Code {
		if h.injected != bus.ErrNone {
			return h.injected
		}
		read, size, code := h.mbox.Await(ctx, tx, timeout)
		if code != bus.ErrNone {
			return code
		}
		req = Request{Kind: RequestWrite, Address: h.addr, Size: size}
		if read {
			req.Kind = RequestRead
		}
		return bus.ErrNone
	})
	return req, err
}
