// Package adapter drives the Microchip MCP2221 USB to I2C/GPIO bridge, used
// to probe a real camera module from a workstation.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim"
	"github.com/mklimuk/hwsim/hwctx"
)

const (
	VendorID  = 0x04D8
	ProductID = 0x00DD

	reportSize = 64
)

const (
	cmdStatus         byte = 0x10
	cmdI2CWrite       byte = 0x90
	cmdI2CRead        byte = 0x91
	cmdI2CReadData    byte = 0x40
	cmdSetGPIOValues  byte = 0x50
	cmdGetGPIOValues  byte = 0x51
	statusCancelI2C   byte = 0x10
	responseFailed    byte = 0x01
	readDataEngineErr byte = 0x41
)

var (
	_ hwsim.I2CBus = &MCP2221{}

	ErrCommandFailed = errors.New("mcp2221: command failed")
	ErrNoDevice      = errors.New("mcp2221: device not found")
)

// Device is one opened HID device exchanging 64 byte reports.
type Device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Opener opens the MCP2221 with the given enumeration index, -1 meaning the
// only one connected.
type Opener func(index int) (Device, error)

func openHID(index int) (Device, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, ErrNoDevice
	}
	if index < 0 {
		if len(devs) > 1 {
			return nil, fmt.Errorf("mcp2221: %d devices connected, select one", len(devs))
		}
		index = 0
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("mcp2221: no device with index %d", index)
	}
	dev, err := devs[index].Open()
	if err != nil {
		return nil, fmt.Errorf("mcp2221: could not open device: %w", err)
	}
	return dev, nil
}

type Option func(*MCP2221)

func WithOpener(o Opener) Option {
	return func(d *MCP2221) {
		d.open = o
	}
}

// WithDevice selects a device by enumeration index when several are
// connected.
func WithDevice(index int) Option {
	return func(d *MCP2221) {
		d.index = index
	}
}

// WithResponseWait sets the pause between a request and its response.
func WithResponseWait(wait time.Duration) Option {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(d *MCP2221) {
		d.clock = c
	}
}

type MCP2221 struct {
	mx           sync.Mutex
	open         Opener
	index        int
	clock        clockwork.Clock
	request      []byte
	response     []byte
	responseWait time.Duration
}

// Status is the I2C engine state reported by the status command.
type Status struct {
	I2CDataBufferCounter   int    `yaml:"i2c_data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

func (m GPIOMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// GPIOValues holds the mode and level of the four GP pins.
type GPIOValues struct {
	Mode  [4]GPIOMode `yaml:"mode,flow"`
	Value [4]byte     `yaml:"value,flow"`
}

func NewMCP2221(opts ...Option) *MCP2221 {
	d := &MCP2221{
		open:         openHID,
		index:        -1,
		clock:        clockwork.NewRealClock(),
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
		responseWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WriteToAddr writes buffer to the 7-bit address.
func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CWrite
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	copy(d.request[4:], buffer)
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	if d.response[1] == responseFailed {
		slog.Debug("adapter busy", "addr", address)
		return hwsim.ErrBusBusy
	}
	return nil
}

// ReadFromAddr reads len(buffer) bytes, at most 60, from the 7-bit address.
func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 | 1
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == responseFailed {
		return hwsim.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdI2CReadData
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == readDataEngineErr {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return parseStatus(d.response), nil
}

func parseStatus(buffer []byte) *Status {
	return &Status{
		LastWriteRequestedSize: binary.LittleEndian.Uint16(buffer[9:11]),
		LastWriteSentSize:      binary.LittleEndian.Uint16(buffer[11:13]),
		I2CDataBufferCounter:   int(buffer[13]),
		I2CSpeedDivider:        int(buffer[14]),
		I2CTimeout:             int(buffer[15]),
		CurrentAddress:         hex.EncodeToString(buffer[16:18]),
		ReadPending:            int(buffer[25]),
	}
}

// Release cancels a stuck I2C transfer.
func (d *MCP2221) Release(ctx context.Context) error {
	_, err := d.ReleaseBus(ctx)
	return err
}

// ReleaseBus cancels the current I2C transfer and returns the resulting
// status.
func (d *MCP2221) ReleaseBus(ctx context.Context) (*Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = statusCancelI2C
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("release request failed: %w", err)
	}
	return parseStatus(d.response), nil
}

// ReadGPIO returns the mode and level of the GP pins.
func (d *MCP2221) ReadGPIO(ctx context.Context) (GPIOValues, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetGPIOValues
	var res GPIOValues
	if err := d.send(ctx); err != nil {
		return res, fmt.Errorf("read GPIO values command failed: %w", err)
	}
	if d.response[1] == responseFailed {
		return res, ErrCommandFailed
	}
	for i := 0; i < 4; i++ {
		res.Value[i] = d.response[2+2*i]
		res.Mode[i] = GPIOModeNoOperation
		if dir := d.response[3+2*i]; dir != byte(GPIOModeNoOperation) {
			res.Mode[i] = GPIOMode(dir << 3)
		}
	}
	return res, nil
}

// WriteGPIO drives the GP pin as an output at level.
func (d *MCP2221) WriteGPIO(ctx context.Context, pin int, level gpio.Level) error {
	if pin < 0 || pin > 3 {
		return fmt.Errorf("mcp2221: invalid gpio %d", pin)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIOValues
	off := 2 + 4*pin
	d.request[off] = 1
	if level {
		d.request[off+1] = 1
	}
	d.request[off+2] = 1
	d.request[off+3] = byte(GPIOModeOut)
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("set GPIO values command failed: %w", err)
	}
	if d.response[1] == responseFailed {
		return ErrCommandFailed
	}
	return nil
}

// ChipSelect returns the GP pin as a chip select line.
func (d *MCP2221) ChipSelect(ctx context.Context, pin int) hwsim.ChipSelect {
	return &chipSelect{ctx: ctx, dev: d, pin: pin}
}

type chipSelect struct {
	ctx context.Context
	dev *MCP2221
	pin int
}

func (c *chipSelect) Out(l gpio.Level) error {
	return c.dev.WriteGPIO(c.ctx, c.pin, l)
}

func (d *MCP2221) send(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := d.open(d.index)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("could not close adapter", "error", err)
		}
	}()
	hwctx.Dump(ctx, "sending message to adapter", d.request)
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if d.responseWait > 0 {
		d.clock.Sleep(d.responseWait)
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	hwctx.Dump(ctx, "read message from adapter", d.response)
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
