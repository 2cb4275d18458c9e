// Package hal is the time and initialisation layer shared by the simulated
// peripherals. A HAL value replaces the process-wide "initialised" flag and
// tick counter of a microcontroller HAL: every simulated bus and port holds a
// reference to the HAL it was created with.
package hal

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxDelay is the largest representable delay or timeout in milliseconds.
const MaxDelay uint32 = 0xFFFFFFFF

type HAL struct {
	initialized atomic.Bool
	ticks       atomic.Uint32
	clock       clockwork.Clock
}

type Option func(*HAL)

// WithClock sets the clock used for delays and bus timeouts. Passing a
// clockwork.FakeClock makes Delay advance simulated time instead of sleeping.
func WithClock(clock clockwork.Clock) Option {
	return func(h *HAL) {
		h.clock = clock
	}
}

func New(opts ...Option) *HAL {
	h := &HAL{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Init marks the layer initialised.
func (h *HAL) Init() {
	h.initialized.Store(true)
}

// DeInit returns the layer to its power-on state.
func (h *HAL) DeInit() {
	h.initialized.Store(false)
}

func (h *HAL) Initialized() bool {
	return h != nil && h.initialized.Load()
}

func (h *HAL) Clock() clockwork.Clock {
	return h.clock
}

// Tick returns the number of milliseconds spent in Delay since creation.
func (h *HAL) Tick() uint32 {
	return h.ticks.Load()
}

// Delay waits ms milliseconds on the HAL clock. It does nothing while the
// layer is not initialised.
func (h *HAL) Delay(ms uint32) {
	if !h.Initialized() || ms == 0 {
		return
	}
	d := time.Duration(ms) * time.Millisecond
	if fake, ok := h.clock.(clockwork.FakeClock); ok {
		fake.Advance(d)
	} else {
		h.clock.Sleep(d)
	}
	h.ticks.Add(ms)
}
