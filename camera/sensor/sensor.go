// Package sensor is a virtual ArduCAM OV2640 module. It answers the slave
// side of a simulated I2C handle (sensor registers) and a simulated SPI
// handle (CPLD registers and capture FIFO), so the camera driver can run
// unchanged against the simulator.
//
// Both bus servers run as goroutines and hand register accesses to a single
// goroutine owning the module state.
package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim/bus"
	"github.com/mklimuk/hwsim/i2c"
	"github.com/mklimuk/hwsim/spi"
)

const retryDelay = 10 * time.Millisecond

type I2CSlave interface {
	AwaitRequest(ctx context.Context, timeout uint32) (i2c.Request, error)
	SlaveReceive(ctx context.Context, buf []byte, timeout uint32) error
	SlaveTransmit(ctx context.Context, data []byte, timeout uint32) error
}

type SPISlave interface {
	AwaitRequest(ctx context.Context, timeout uint32) (spi.Request, error)
	SlaveReceive(ctx context.Context, buf []byte, timeout uint32) error
	SlaveTransmit(ctx context.Context, data []byte, timeout uint32) error
}

// LevelReader reports the level of the chip select line.
type LevelReader interface {
	Read() gpio.Level
}

type Option func(*Sensor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sensor) {
		s.log = l
	}
}

// WithClock sets the clock used to back off after a failed bus operation.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sensor) {
		s.clock = c
	}
}

type Sensor struct {
	cfg   Config
	i2c   I2CSlave
	spi   SPISlave
	cs    LevelReader
	log   *slog.Logger
	clock clockwork.Clock

	ops  chan func(*module)
	regs *module
}

// New creates a sensor serving i2c and spi. A nil cs means the chip is
// always selected.
func New(i2cSlave I2CSlave, spiSlave SPISlave, cs LevelReader, cfg Config, opts ...Option) *Sensor {
	s := &Sensor{
		cfg:   cfg,
		i2c:   i2cSlave,
		spi:   spiSlave,
		cs:    cs,
		log:   slog.Default(),
		clock: clockwork.NewRealClock(),
		ops:   make(chan func(*module)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.regs = newModule(cfg, s.log)
	return s
}

// Run serves both buses until ctx is done.
func (s *Sensor) Run(ctx context.Context) error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.own(ctx) })
	g.Go(func() error { return s.serveI2C(ctx) })
	g.Go(func() error { return s.serveSPI(ctx) })
	return g.Wait()
}

func (s *Sensor) own(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.ops:
			fn(s.regs)
		}
	}
}

// exec runs fn on the state owner and waits for it.
func (s *Sensor) exec(ctx context.Context, fn func(m *module)) error {
	done := make(chan struct{})
	select {
	case s.ops <- func(m *module) { fn(m); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Snapshot is a copy of the module state.
type Snapshot struct {
	Bank       byte
	DSP        [256]byte
	Sensor     [256]byte
	CPLD       [128]byte
	FIFOLength int
	Frames     int
}

// Snapshot copies the module state. It needs Run to be active.
func (s *Sensor) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func(m *module) {
		snap = Snapshot{
			Bank:       m.bank,
			DSP:        m.banks[bankDSP],
			Sensor:     m.banks[bankSensor],
			CPLD:       m.cpld,
			FIFOLength: len(m.fifo),
			Frames:     m.frames,
		}
	})
	return snap, err
}

func (s *Sensor) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(retryDelay):
		return true
	}
}

func (s *Sensor) serveI2C(ctx context.Context) error {
	for {
		req, err := s.i2c.AwaitRequest(ctx, bus.Forever)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Debug("i2c await failed", "error", err)
			if !s.pause(ctx) {
				return nil
			}
			continue
		}
		if err := s.handleI2C(ctx, req); err != nil && ctx.Err() == nil {
			s.log.Warn("i2c transfer failed", "kind", req.Kind, "error", err)
		}
	}
}

func (s *Sensor) handleI2C(ctx context.Context, req i2c.Request) error {
	ours := req.Address == s.cfg.Address
	switch req.Kind {
	case i2c.RequestWrite:
		buf := make([]byte, req.Size)
		if err := s.i2c.SlaveReceive(ctx, buf, s.cfg.Timeout); err != nil {
			return err
		}
		if !ours {
			s.log.Debug("i2c write for another device dropped", "addr", req.Address)
			return nil
		}
		return s.exec(ctx, func(m *module) { m.sensorWrite(buf) })
	case i2c.RequestRead:
		data := make([]byte, req.Size)
		if ours {
			if err := s.exec(ctx, func(m *module) { m.sensorRead(data) }); err != nil {
				return err
			}
		} else {
			idle(data)
		}
		return s.i2c.SlaveTransmit(ctx, data, s.cfg.Timeout)
	}
	return nil
}

type phase uint8

const (
	phaseCommand phase = iota
	phaseValue
	phaseRegister
	phaseBurst
)

func (s *Sensor) selected() bool {
	return s.cs == nil || s.cs.Read() == gpio.Low
}

func (s *Sensor) serveSPI(ctx context.Context) error {
	p := phaseCommand
	var cmd byte
	for {
		req, err := s.spi.AwaitRequest(ctx, bus.Forever)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Debug("spi await failed", "error", err)
			if !s.pause(ctx) {
				return nil
			}
			continue
		}
		if !s.selected() {
			p = phaseCommand
			err = s.drainSPI(ctx, req)
		} else {
			p, cmd, err = s.handleSPI(ctx, req, p, cmd)
		}
		if err != nil && ctx.Err() == nil {
			s.log.Warn("spi transfer failed", "error", err)
			p = phaseCommand
		}
	}
}

func (s *Sensor) handleSPI(ctx context.Context, req spi.Request, p phase, cmd byte) (phase, byte, error) {
	if req.Kind == spi.RequestRead {
		data := make([]byte, req.Size)
		var err error
		switch p {
		case phaseRegister:
			err = s.exec(ctx, func(m *module) { m.cpldRead(cmd, data) })
			p = phaseCommand
		case phaseBurst:
			err = s.exec(ctx, func(m *module) { m.burstRead(data) })
		default:
			s.log.Debug("spi read without command", "size", req.Size)
		}
		if err != nil {
			return phaseCommand, cmd, err
		}
		return p, cmd, s.spi.SlaveTransmit(ctx, data, s.cfg.Timeout)
	}

	buf := make([]byte, req.Size)
	if err := s.spi.SlaveReceive(ctx, buf, s.cfg.Timeout); err != nil {
		return phaseCommand, cmd, err
	}
	if len(buf) == 0 {
		return p, cmd, nil
	}
	if p == phaseValue {
		reg, val := cmd&^spiWrite, buf[0]
		return phaseCommand, cmd, s.exec(ctx, func(m *module) { m.cpldWrite(reg, val) })
	}
	cmd = buf[0]
	switch {
	case cmd == cmdBurstRead:
		return phaseBurst, cmd, s.exec(ctx, func(m *module) { m.burstStart() })
	case cmd&spiWrite != 0:
		if len(buf) > 1 {
			reg, val := cmd&^spiWrite, buf[1]
			return phaseCommand, cmd, s.exec(ctx, func(m *module) { m.cpldWrite(reg, val) })
		}
		return phaseValue, cmd, nil
	default:
		return phaseRegister, cmd, nil
	}
}

// drainSPI completes a transfer made while the chip was not selected.
func (s *Sensor) drainSPI(ctx context.Context, req spi.Request) error {
	s.log.Debug("spi traffic while deselected", "kind", req.Kind, "size", req.Size)
	data := make([]byte, req.Size)
	if req.Kind == spi.RequestRead {
		idle(data)
		return s.spi.SlaveTransmit(ctx, data, s.cfg.Timeout)
	}
	return s.spi.SlaveReceive(ctx, data, s.cfg.Timeout)
}

// idle fills data with the level of an undriven line.
func idle(data []byte) {
	for i := range data {
		data[i] = 0xFF
	}
}
