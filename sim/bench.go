// Package sim assembles a complete simulated camera bench: a HAL, one I2C
// and one SPI handle, a GPIO chip select, the camera driver on the master
// side and the virtual module on the slave side.
//
//	b, err := sim.New(sensor.DefaultConfig())
//	if err != nil { ... }
//	b.Start(ctx)
//	defer b.Close()
//	err = b.Camera.InitJPEG(ctx)
package sim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	pgpio "periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim/camera"
	"github.com/mklimuk/hwsim/camera/sensor"
	"github.com/mklimuk/hwsim/gpio"
	"github.com/mklimuk/hwsim/hal"
	"github.com/mklimuk/hwsim/i2c"
	"github.com/mklimuk/hwsim/spi"
)

// DefaultTimeout bounds every master rendezvous in milliseconds.
const DefaultTimeout uint32 = 1000

const csLine = 4

type Option func(*options)

type options struct {
	clock   clockwork.Clock
	log     *slog.Logger
	timeout uint32
}

// WithClock drives delays and bus timeouts from c.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithTimeout sets the master side rendezvous timeout in milliseconds.
func WithTimeout(ms uint32) Option {
	return func(o *options) {
		o.timeout = ms
	}
}

type Bench struct {
	HAL    *hal.HAL
	I2C    *i2c.Handle
	SPI    *spi.Handle
	CS     *gpio.Pin
	Camera *camera.Camera
	Sensor *sensor.Sensor

	log    *slog.Logger
	cancel context.CancelFunc
	done   chan error
}

func New(cfg sensor.Config, opts ...Option) (*Bench, error) {
	o := options{
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bench{log: o.log}
	b.HAL = hal.New(hal.WithClock(o.clock))
	b.HAL.Init()

	b.I2C = i2c.NewHandle(b.HAL, i2c.Config{})
	if err := b.I2C.Init(); err != nil {
		return nil, fmt.Errorf("could not init i2c handle: %w", err)
	}
	b.SPI = spi.NewHandle(b.HAL, spi.Config{
		OnComplete: func(role spi.Role, n int) {
			if role == spi.RoleRx {
				b.Camera.Consume(n)
			}
		},
	})
	if err := b.SPI.Init(); err != nil {
		return nil, fmt.Errorf("could not init spi handle: %w", err)
	}
	port := gpio.NewPort("PA", b.HAL)
	if err := port.Init(gpio.Config{Pins: gpio.Pin4, Mode: gpio.ModeOutput}); err != nil {
		return nil, fmt.Errorf("could not init chip select port: %w", err)
	}
	cs, err := port.Line(csLine)
	if err != nil {
		return nil, err
	}
	if err := cs.Out(pgpio.High); err != nil {
		return nil, fmt.Errorf("could not deselect camera: %w", err)
	}
	b.CS = cs

	b.Camera = camera.New(cs,
		spi.NewMaster(b.SPI, o.timeout),
		i2c.NewMaster(b.I2C, o.timeout),
		b.HAL,
		camera.WithLogger(o.log),
	)
	b.Sensor = sensor.New(b.I2C, b.SPI, cs, cfg,
		sensor.WithClock(o.clock),
		sensor.WithLogger(o.log),
	)
	return b, nil
}

// Start runs the virtual module until Close or until ctx is done.
func (b *Bench) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan error, 1)
	go func() {
		b.done <- b.Sensor.Run(ctx)
	}()
}

// Close stops the module and releases the handles.
func (b *Bench) Close() error {
	var err error
	if b.cancel != nil {
		b.cancel()
		err = <-b.done
		b.cancel = nil
	}
	if e := b.SPI.DeInit(); e != nil {
		b.log.Warn("could not deinit spi handle", "error", e)
	}
	if e := b.I2C.DeInit(); e != nil {
		b.log.Warn("could not deinit i2c handle", "error", e)
	}
	b.HAL.DeInit()
	return err
}

// SelfTest runs the camera bring-up checks and reports the module identity.
func (b *Bench) SelfTest(ctx context.Context) (camera.Identity, error) {
	return SelfTest(ctx, b.Camera)
}

// SelfTest checks the I2C and SPI paths of cam and reads its identity.
func SelfTest(ctx context.Context, cam *camera.Camera) (camera.Identity, error) {
	ok, err := cam.TestSPI(ctx)
	if err != nil {
		return camera.Identity{}, fmt.Errorf("spi test failed: %w", err)
	}
	if !ok {
		return camera.Identity{}, fmt.Errorf("spi test register mismatch")
	}
	ok, err = cam.TestI2C(ctx)
	if err != nil {
		return camera.Identity{}, fmt.Errorf("i2c test failed: %w", err)
	}
	if !ok {
		return camera.Identity{}, fmt.Errorf("i2c test register mismatch")
	}
	return cam.TestWhoAmI(ctx)
}
