// Package bus implements the peripheral lifecycle shared by the simulated
// I2C and SPI controllers: state machine, advisory locking, request
// validation and timeout-bounded waits for the peer side of a transfer.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/mklimuk/hwsim/hal"
)

const (
	// MaxMessageSize is the capacity of every simulated message buffer.
	MaxMessageSize = 256
	// Quantum is the unit of a rendezvous timeout budget.
	Quantum = time.Millisecond
	// Forever disables the timeout budget.
	Forever = hal.MaxDelay
)

// Core holds the lifecycle state of one simulated peripheral. Bus specific
// handles embed it and run their operations through Do.
type Core struct {
	kind string
	hal  *hal.HAL

	mx      sync.Mutex
	locked  bool
	state   State
	code    Code
	changed chan struct{}
}

func NewCore(kind string, h *hal.HAL) *Core {
	return &Core{
		kind:    kind,
		hal:     h,
		changed: make(chan struct{}),
	}
}

func (c *Core) Kind() string {
	return c.kind
}

func (c *Core) HAL() *hal.HAL {
	return c.hal
}

func (c *Core) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// ErrorCode returns the code recorded by the last operation.
func (c *Core) ErrorCode() Code {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.code
}

// Lock takes the advisory lock on behalf of an external owner. While it is
// held every operation on the handle fails with ErrBusy.
func (c *Core) Lock() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.locked {
		return &Error{Bus: c.kind, Op: "lock", Code: ErrBusy}
	}
	c.locked = true
	return nil
}

func (c *Core) Unlock() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.locked = false
	c.signal()
}

// Fault moves the peripheral into the error state. Only DeInit or Init
// leave it.
func (c *Core) Fault() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.state = StateError
	c.signal()
}

// Guard runs fn with the handle mutex held and without the operation checks.
// Test hooks and accessors of bus specific fields use it.
func (c *Core) Guard(fn func()) {
	c.mx.Lock()
	defer c.mx.Unlock()
	fn()
	c.signal()
}

// Init readies the peripheral. reset runs under the lock and must clear the
// bus specific buffers.
func (c *Core) Init(reset func()) error {
	return c.Do("init", func(tx *Txn) Code {
		if tx.State() != StateReset && tx.State() != StateError {
			return ErrAlreadyInitialized
		}
		if reset != nil {
			reset()
		}
		tx.SetState(StateReady)
		return ErrNone
	})
}

// DeInit returns the peripheral to reset. It is a no-op success when the
// peripheral is already in reset.
func (c *Core) DeInit(reset func()) error {
	return c.Do("deinit", func(tx *Txn) Code {
		if tx.State().Busy() {
			return ErrBusy
		}
		if reset != nil {
			reset()
		}
		tx.SetState(StateReset)
		return ErrNone
	})
}

// Do runs fn as one locked operation named op. The handle and HAL checks
// happen before fn is called; the code fn returns is recorded on the handle
// and returned as an *Error unless it is ErrNone.
func (c *Core) Do(op string, fn func(tx *Txn) Code) error {
	if c == nil {
		return ErrNilHandle
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.hal.Initialized() {
		return c.fail(op, ErrHALUninitialized)
	}
	if c.locked {
		return c.fail(op, ErrBusy)
	}
	c.locked = true
	tx := &Txn{core: c, held: true}
	defer func() {
		if tx.held {
			c.locked = false
			c.signal()
		}
	}()
	code := fn(tx)
	if code != ErrNone {
		return c.fail(op, code)
	}
	c.code = ErrNone
	return nil
}

func (c *Core) fail(op string, code Code) error {
	c.code = code
	return &Error{Bus: c.kind, Op: op, Code: code}
}

// signal wakes every waiter. The caller holds mx.
func (c *Core) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Txn is the view of a Core available to an operation running under Do.
type Txn struct {
	core *Core
	held bool
}

func (tx *Txn) State() State {
	return tx.core.state
}

func (tx *Txn) SetState(s State) {
	if tx.core.state == s {
		return
	}
	tx.core.state = s
	tx.core.signal()
}

// Notify wakes waiters after a change that is not a state transition.
func (tx *Txn) Notify() {
	tx.core.signal()
}

// Check validates a transfer request against the handle state.
func (tx *Txn) Check(data []byte) Code {
	if data == nil {
		return ErrNullParam
	}
	switch tx.core.state {
	case StateReset:
		return ErrUninitialized
	case StateBusyTx, StateBusyRx:
		return ErrBusy
	case StateError:
		return ErrFailState
	}
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	return ErrNone
}

// Wait suspends the operation until ready reports true. ready is evaluated
// with the handle locked after every change on the handle. The budget is
// timeout quanta of the HAL clock from the call, however often the peer side
// wakes the waiter; Forever waits until ready or until ctx is done. Both the
// mutex and the advisory lock are released while suspended.
func (tx *Txn) Wait(ctx context.Context, timeout uint32, ready func() bool) Code {
	c := tx.core
	var deadline <-chan time.Time
	expired := timeout == 0
	if timeout != Forever && !expired {
		timer := c.hal.Clock().NewTimer(time.Duration(timeout) * Quantum)
		defer timer.Stop()
		deadline = timer.Chan()
	}
	for {
		if !tx.held && !c.locked {
			c.locked = true
			tx.held = true
		}
		if tx.held && ready() {
			return ErrNone
		}
		if expired {
			return ErrTimeout
		}
		if tx.held {
			c.locked = false
			tx.held = false
			c.signal()
		}
		changed := c.changed
		c.mx.Unlock()
		cancelled := false
		select {
		case <-changed:
		case <-deadline:
			expired = true
		case <-ctx.Done():
			cancelled = true
		}
		c.mx.Lock()
		if cancelled {
			if !c.locked {
				c.locked = true
				tx.held = true
			}
			return ErrTimeout
		}
	}
}
