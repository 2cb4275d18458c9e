// Package camera drives an OV2640 image sensor mounted on an ArduCAM style
// module: the sensor is configured over I2C while captures go through a
// CPLD controlled FIFO read over SPI.
//
// Typical usage:
//
//	cam := camera.New(cs, spiBus, i2cBus, delayer)
//	if err := cam.InitJPEG(ctx); err != nil { ... }
//	if _, err := cam.Capture(ctx); err != nil { ... }
//	n, err := cam.ReadFrame(ctx, w, 256)
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim"
)

var (
	ErrNoCapture   = errors.New("ov2640: no valid capture in fifo")
	ErrWrongSensor = errors.New("ov2640: unexpected chip id")
)

const defaultChunk = 256

type Option func(*Camera)

// WithSensorAddress overrides the sensor bus address. The default 0x60 is
// the 8-bit write address; host adapters taking 7-bit addresses need 0x30.
func WithSensorAddress(addr byte) Option {
	return func(c *Camera) {
		c.sensorAddr = addr
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Camera) {
		c.log = l
	}
}

// Identity holds the chip id read by TestWhoAmI.
type Identity struct {
	VID byte
	PID byte
}

func (i Identity) Valid() bool {
	return i.VID == sensorVID && (i.PID == 0x41 || i.PID == 0x42)
}

func (i Identity) String() string {
	return fmt.Sprintf("VID=%#02x PID=%#02x", i.VID, i.PID)
}

type Camera struct {
	mx sync.Mutex

	cs    hwsim.ChipSelect
	spi   hwsim.SPIBus
	i2c   hwsim.I2CBus
	delay hwsim.Delayer

	sensorAddr byte
	log        *slog.Logger

	imageType  ImageType
	resolution Resolution
	identity   Identity
	// bytes of the pending capture not yet read out of the FIFO
	fifoLength atomic.Uint32
}

func New(cs hwsim.ChipSelect, spi hwsim.SPIBus, i2c hwsim.I2CBus, delay hwsim.Delayer, opts ...Option) *Camera {
	c := &Camera{
		cs:         cs,
		spi:        spi,
		i2c:        i2c,
		delay:      delay,
		sensorAddr: DefaultSensorAddress,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Camera) FIFOLength() uint32 {
	return c.fifoLength.Load()
}

func (c *Camera) ImageType() ImageType {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.imageType
}

func (c *Camera) Resolution() Resolution {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.resolution
}

func (c *Camera) Identity() Identity {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.identity
}

func (c *Camera) chipSelect() error {
	return c.cs.Out(gpio.Low)
}

func (c *Camera) chipDeselect() error {
	return c.cs.Out(gpio.High)
}

func (c *Camera) fifoWrite(ctx context.Context, addr, val byte) error {
	err := c.chipSelect()
	if err == nil {
		c.delay.Delay(10)
		err = c.spi.Transmit(ctx, []byte{addr | spiWrite})
		if err == nil {
			err = c.spi.Transmit(ctx, []byte{val})
		}
		c.delay.Delay(10)
	}
	if derr := c.chipDeselect(); err == nil {
		err = derr
	}
	if err != nil {
		return fmt.Errorf("ov2640: fifo write %#x failed: %w", addr, err)
	}
	c.log.Debug("fifo write", "reg", fmt.Sprintf("%#02x", addr), "val", fmt.Sprintf("%#02x", val))
	return nil
}

func (c *Camera) fifoRead(ctx context.Context, addr byte) (byte, error) {
	buf := []byte{0}
	err := c.chipSelect()
	if err == nil {
		c.delay.Delay(10)
		err = c.spi.Transmit(ctx, []byte{addr &^ spiWrite})
		if err == nil {
			err = c.spi.Receive(ctx, buf)
		}
		c.delay.Delay(10)
	}
	if derr := c.chipDeselect(); err == nil {
		err = derr
	}
	if err != nil {
		return 0, fmt.Errorf("ov2640: fifo read %#x failed: %w", addr, err)
	}
	c.log.Debug("fifo read", "reg", fmt.Sprintf("%#02x", addr), "val", fmt.Sprintf("%#02x", buf[0]))
	return buf[0], nil
}

func (c *Camera) fifoClear(ctx context.Context) error {
	err := c.fifoWrite(ctx, regFIFOControl, fifoClear)
	c.fifoLength.Store(0)
	return err
}

// readLength combines the three FIFO size registers into the 23-bit length.
func (c *Camera) readLength(ctx context.Context) (uint32, error) {
	var size [3]byte
	for i, reg := range []byte{regFIFOSize1, regFIFOSize2, regFIFOSize3} {
		v, err := c.fifoRead(ctx, reg)
		if err != nil {
			return 0, err
		}
		size[i] = v
	}
	size[2] &= 0x7F
	return (uint32(size[2])<<16 | uint32(size[1])<<8 | uint32(size[0])) & fifoLengthMask, nil
}

func (c *Camera) sensorWrite(ctx context.Context, reg, val byte) error {
	if err := c.i2c.WriteToAddr(ctx, c.sensorAddr, []byte{reg, val}); err != nil {
		return fmt.Errorf("ov2640: sensor write %#x failed: %w", reg, err)
	}
	return nil
}

func (c *Camera) sensorRead(ctx context.Context, reg byte) (byte, error) {
	if err := c.i2c.WriteToAddr(ctx, c.sensorAddr, []byte{reg}); err != nil {
		return 0, fmt.Errorf("ov2640: sensor select %#x failed: %w", reg, err)
	}
	buf := []byte{0}
	if err := c.i2c.ReadFromAddr(ctx, c.sensorAddr, buf); err != nil {
		return 0, fmt.Errorf("ov2640: sensor read %#x failed: %w", reg, err)
	}
	return buf[0], nil
}

// sensorWriteTable writes regs up to and including the (0xFF, 0xFF) pair.
func (c *Camera) sensorWriteTable(ctx context.Context, regs []Reg) error {
	for _, r := range regs {
		if err := c.sensorWrite(ctx, r.Addr, r.Val); err != nil {
			return err
		}
		if r == tableEnd {
			break
		}
	}
	c.log.Debug("sensor table written", "len", len(regs))
	return nil
}

// InitJPEG resets the module and configures JPEG output at 320x240.
func (c *Camera) InitJPEG(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.chipDeselect(); err != nil {
		return fmt.Errorf("ov2640: deselect failed: %w", err)
	}
	if err := c.fifoWrite(ctx, regCPLD, cpldResetHold); err != nil {
		return err
	}
	c.delay.Delay(100)
	if err := c.fifoWrite(ctx, regCPLD, cpldResetRun); err != nil {
		return err
	}
	c.delay.Delay(100)

	steps := []func() error{
		func() error { return c.sensorWrite(ctx, regBankSelect, bankSensor) },
		func() error { return c.sensorWrite(ctx, regCOM7, com7Reset) },
		func() error { c.delay.Delay(100); return nil },
		func() error { return c.sensorWriteTable(ctx, jpegInit) },
		func() error { return c.sensorWriteTable(ctx, yuv422) },
		func() error { return c.sensorWriteTable(ctx, jpeg) },
		func() error { c.delay.Delay(100); return nil },
		func() error { return c.sensorWrite(ctx, regBankSelect, bankSensor) },
		func() error { return c.sensorWrite(ctx, regCOM10, 0x00) },
		func() error { c.delay.Delay(100); return nil },
		func() error { return c.sensorWriteTable(ctx, resolutionTables[Res320x240]) },
		func() error { c.delay.Delay(1000); return nil },
		func() error { return c.fifoClear(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	c.imageType = ImageJPEG
	c.resolution = Res320x240
	c.log.Info("ov2640 initialized", "type", c.imageType, "resolution", c.resolution)
	return nil
}

// SetResolution programs the JPEG output size. Unknown values fall back to
// the 320x240 table but are recorded as given.
func (c *Camera) SetResolution(ctx context.Context, res Resolution) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	table, ok := resolutionTables[res]
	if !ok {
		table = resolutionTables[Res320x240]
	}
	if err := c.sensorWriteTable(ctx, table); err != nil {
		return err
	}
	c.resolution = res
	return nil
}

// Capture takes a picture into the FIFO and returns its length. A capture
// that does not complete or reports an implausible length is discarded and
// ErrNoCapture is returned; bus failures discard it as well.
func (c *Camera) Capture(ctx context.Context) (uint32, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.fifoClear(ctx); err != nil {
		return 0, c.discard(ctx, err)
	}
	if err := c.fifoWrite(ctx, regFIFOControl, fifoStart); err != nil {
		return 0, c.discard(ctx, err)
	}
	c.delay.Delay(100)

	for i := 0; i < capturePolls; i++ {
		status, err := c.fifoRead(ctx, regTrigger)
		if err != nil {
			return 0, c.discard(ctx, err)
		}
		if status&captureDone != 0 {
			length, err := c.readLength(ctx)
			if err != nil {
				return 0, c.discard(ctx, err)
			}
			c.fifoLength.Store(length)
			break
		}
		c.delay.Delay(100)
	}

	// the length is read again whatever the poll loop saw; this value is kept
	length, err := c.readLength(ctx)
	if err != nil {
		return 0, c.discard(ctx, err)
	}
	c.fifoLength.Store(length)
	if length < minCaptureLength || length > maxCaptureLength {
		c.log.Debug("capture discarded", "length", length)
		if err := c.fifoClear(ctx); err != nil {
			return 0, c.discard(ctx, err)
		}
		return 0, ErrNoCapture
	}
	c.log.Debug("capture done", "length", length)
	return length, nil
}

func (c *Camera) discard(ctx context.Context, cause error) error {
	if err := c.fifoClear(ctx); err != nil {
		c.log.Warn("fifo clear after failed capture", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrNoCapture, cause)
}

// TransferStart selects the chip and starts a burst read of the FIFO. The
// chip stays selected until TransferStop.
func (c *Camera) TransferStart(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.chipSelect(); err != nil {
		return fmt.Errorf("ov2640: select failed: %w", err)
	}
	if err := c.spi.Transmit(ctx, []byte{cmdBurstRead}); err != nil {
		return fmt.Errorf("ov2640: burst read failed: %w", err)
	}
	return nil
}

func (c *Camera) chunk(buf []byte) int {
	n := c.fifoLength.Load()
	if uint64(n) > uint64(len(buf)) {
		return len(buf)
	}
	return int(n)
}

// TransferStep reads the next min(FIFOLength, len(buf)) bytes into buf. A
// failed read discards the rest of the capture.
func (c *Camera) TransferStep(ctx context.Context, buf []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	n := c.chunk(buf)
	if n == 0 {
		return 0, nil
	}
	if err := c.spi.Receive(ctx, buf[:n]); err != nil {
		if cerr := c.fifoClear(ctx); cerr != nil {
			c.log.Warn("fifo clear after failed transfer", "error", cerr)
		}
		return 0, fmt.Errorf("ov2640: transfer failed: %w", err)
	}
	c.consume(n)
	return n, nil
}

// TransferStepDMA is TransferStep without the length accounting: once the
// transfer is known to be complete the caller applies the returned count
// with Consume.
func (c *Camera) TransferStepDMA(ctx context.Context, buf []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	n := c.chunk(buf)
	if n == 0 {
		return 0, nil
	}
	if err := c.spi.ReceiveDMA(ctx, buf[:n]); err != nil {
		if cerr := c.fifoClear(ctx); cerr != nil {
			c.log.Warn("fifo clear after failed transfer", "error", cerr)
		}
		return 0, fmt.Errorf("ov2640: dma transfer failed: %w", err)
	}
	return n, nil
}

// Consume marks n bytes of the pending capture as read. It is safe to call
// from a DMA completion callback.
func (c *Camera) Consume(n int) {
	if n > 0 {
		c.consume(n)
	}
}

func (c *Camera) consume(n int) {
	for {
		cur := c.fifoLength.Load()
		next := uint32(0)
		if uint64(cur) > uint64(n) {
			next = cur - uint32(n)
		}
		if c.fifoLength.CompareAndSwap(cur, next) {
			return
		}
	}
}

// TransferStop deselects the chip and clears the FIFO.
func (c *Camera) TransferStop(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.chipDeselect(); err != nil {
		c.fifoLength.Store(0)
		return fmt.Errorf("ov2640: deselect failed: %w", err)
	}
	return c.fifoClear(ctx)
}

// ReadFrame streams the pending capture to w in chunks of at most chunk
// bytes and returns the number of bytes written.
func (c *Camera) ReadFrame(ctx context.Context, w io.Writer, chunk int) (int64, error) {
	if c.FIFOLength() == 0 {
		return 0, ErrNoCapture
	}
	if chunk <= 0 {
		chunk = defaultChunk
	}
	if err := c.TransferStart(ctx); err != nil {
		_ = c.TransferStop(ctx)
		return 0, err
	}
	buf := make([]byte, chunk)
	var total int64
	for c.FIFOLength() > 0 {
		if err := ctx.Err(); err != nil {
			_ = c.TransferStop(ctx)
			return total, err
		}
		n, err := c.TransferStep(ctx, buf)
		if err != nil {
			_ = c.TransferStop(ctx)
			return total, err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			_ = c.TransferStop(ctx)
			return total, fmt.Errorf("ov2640: frame write failed: %w", err)
		}
		total += int64(n)
	}
	return total, c.TransferStop(ctx)
}

// TestI2C writes 32 to register 0x3B, reads it back and restores it.
func (c *Camera) TestI2C(ctx context.Context) (bool, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	initial, err := c.sensorRead(ctx, regTestI2C)
	if err != nil {
		return false, err
	}
	if err := c.sensorWrite(ctx, regTestI2C, 32); err != nil {
		return false, err
	}
	got, err := c.sensorRead(ctx, regTestI2C)
	if err != nil {
		return false, err
	}
	if err := c.sensorWrite(ctx, regTestI2C, initial); err != nil {
		return false, err
	}
	return got == 32, nil
}

// TestSPI writes 0x55 to the CPLD test register, reads it back and restores
// it.
func (c *Camera) TestSPI(ctx context.Context) (bool, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	initial, err := c.fifoRead(ctx, regTest)
	if err != nil {
		return false, err
	}
	if err := c.fifoWrite(ctx, regTest, 0x55); err != nil {
		return false, err
	}
	got, err := c.fifoRead(ctx, regTest)
	if err != nil {
		return false, err
	}
	if err := c.fifoWrite(ctx, regTest, initial); err != nil {
		return false, err
	}
	return got == 0x55, nil
}

// TestWhoAmI reads the chip id. ErrWrongSensor is returned, together with
// the id read, when it is not an OV2640.
func (c *Camera) TestWhoAmI(ctx context.Context) (Identity, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	var id Identity
	for _, r := range []struct {
		reg byte
		dst *byte
	}{{regChipIDHigh, &id.VID}, {regChipIDLow, &id.PID}} {
		if err := c.sensorWrite(ctx, regBankSelect, bankSensor); err != nil {
			return id, err
		}
		v, err := c.sensorRead(ctx, r.reg)
		if err != nil {
			return id, err
		}
		*r.dst = v
	}
	c.identity = id
	if !id.Valid() {
		return id, fmt.Errorf("%w: %s", ErrWrongSensor, id)
	}
	return id, nil
}
