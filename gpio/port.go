// Package gpio simulates a 16 line digital port with input, output and
// bit set/reset registers.
package gpio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/hwsim/bus"
	"github.com/mklimuk/hwsim/hal"
)

// PinMask selects one or more of the 16 lines of a port.
type PinMask uint32

const (
	Pin0  PinMask = 1 << iota
	Pin1
	Pin2
	Pin3
	Pin4
	Pin5
	Pin6
	Pin7
	Pin8
	Pin9
	Pin10
	Pin11
	Pin12
	Pin13
	Pin14
	Pin15

	PinAll PinMask = 0xFFFF
)

// Valid reports whether m selects at least one line and nothing else.
func (m PinMask) Valid() bool {
	return m != 0 && m&^PinAll == 0
}

type PinState uint8

const (
	PinReset PinState = iota
	PinSet
)

func (s PinState) String() string {
	if s == PinSet {
		return "SET"
	}
	return "RESET"
}

type Mode uint8

const (
	ModeInput Mode = iota
	ModeOutput
)

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Config describes the lines initialised by Port.Init.
type Config struct {
	Pins PinMask
	Mode Mode
	Pull Pull
}

// Registers is a snapshot of the port registers.
type Registers struct {
	IDR  uint32
	ODR  uint32
	BSRR uint32
}

type Port struct {
	name string
	hal  *hal.HAL

	mx     sync.Mutex
	regs   Registers
	config Config
}

func NewPort(name string, h *hal.HAL) *Port {
	return &Port{name: name, hal: h}
}

func (p *Port) Name() string {
	return p.name
}

// Init zeroes the registers and records cfg.
func (p *Port) Init(cfg Config) error {
	if !p.hal.Initialized() {
		return &bus.Error{Bus: "gpio " + p.name, Op: "init", Code: bus.ErrHALUninitialized}
	}
	if !cfg.Pins.Valid() {
		return &bus.Error{Bus: "gpio " + p.name, Op: "init", Code: bus.ErrNullParam}
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	p.regs = Registers{}
	p.config = cfg
	return nil
}

// ReadPin reports PinSet when any selected input line is high. Invalid masks
// and an uninitialised HAL report PinReset.
func (p *Port) ReadPin(mask PinMask) PinState {
	if !mask.Valid() || !p.hal.Initialized() {
		return PinReset
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.regs.IDR&uint32(mask) != 0 {
		return PinSet
	}
	return PinReset
}

// WritePin drives the selected lines. The simulated port loops outputs back
// to the input register. Invalid masks and an uninitialised HAL leave the
// registers untouched.
func (p *Port) WritePin(mask PinMask, state PinState) {
	if !mask.Valid() || !p.hal.Initialized() {
		return
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	m := uint32(mask)
	if state == PinSet {
		p.regs.ODR |= m
		p.regs.BSRR = m
		p.regs.IDR |= m
	} else {
		p.regs.ODR &^= m
		p.regs.BSRR = m << 16
		p.regs.IDR &^= m
	}
	slog.Debug("gpio write", "port", p.name, "mask", fmt.Sprintf("%#04x", m), "state", state)
}

func (p *Port) Registers() Registers {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.regs
}
