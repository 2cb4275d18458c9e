package camera

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

// fakeModule answers the ArduCAM SPI protocol from a register map.
type fakeModule struct {
	selected bool
	cmd      int
	burst    bool
	regs     map[byte]byte
	fifo     []byte
	// trigger reads before the done bit shows; negative means never
	doneAfter int
	triggers  int
	// trigger reads since creation, kept across FIFO clears
	polls  int
	failRx error
	writes []Reg
}

func newFakeModule() *fakeModule {
	return &fakeModule{regs: map[byte]byte{}, cmd: -1}
}

func (f *fakeModule) setLength(n int) {
	f.regs[regFIFOSize1] = byte(n)
	f.regs[regFIFOSize2] = byte(n >> 8)
	f.regs[regFIFOSize3] = byte(n >> 16)
}

func (f *fakeModule) Out(l gpio.Level) error {
	f.selected = l == gpio.Low
	f.cmd = -1
	f.burst = false
	return nil
}

func (f *fakeModule) Transmit(ctx context.Context, buf []byte) error {
	if !f.selected {
		return errors.New("not selected")
	}
	if f.cmd >= 0 && byte(f.cmd)&spiWrite != 0 {
		reg := byte(f.cmd) &^ spiWrite
		f.writes = append(f.writes, Reg{reg, buf[0]})
		if reg == regFIFOControl && buf[0] == fifoClear {
			f.setLength(0)
			f.triggers = 0
		}
		f.regs[reg] = buf[0]
		f.cmd = -1
		return nil
	}
	f.cmd = int(buf[0])
	f.burst = buf[0] == cmdBurstRead
	return nil
}

func (f *fakeModule) Receive(ctx context.Context, buf []byte) error {
	if f.failRx != nil {
		return f.failRx
	}
	if f.burst {
		n := copy(buf, f.fifo)
		f.fifo = f.fifo[n:]
		return nil
	}
	reg := byte(f.cmd)
	buf[0] = f.regs[reg]
	if reg == regTrigger {
		f.triggers++
		f.polls++
		if f.doneAfter >= 0 && f.triggers > f.doneAfter {
			buf[0] |= captureDone
		}
	}
	return nil
}

func (f *fakeModule) ReceiveDMA(ctx context.Context, buf []byte) error {
	return f.Receive(ctx, buf)
}

type countingDelay struct {
	total uint32
}

func (d *countingDelay) Delay(ms uint32) {
	d.total += ms
}

type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newCamera(t *testing.T) (*Camera, *fakeModule, *MockI2CBus, *countingDelay) {
	t.Helper()
	f := newFakeModule()
	i2c := &MockI2CBus{}
	d := &countingDelay{}
	return New(f, f, i2c, d), f, i2c, d
}

func TestCaptureNeverDone(t *testing.T) {
	cam, f, _, d := newCamera(t)
	f.doneAfter = -1
	n, err := cam.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCapture)
	assert.Zero(t, n)
	assert.Zero(t, cam.FIFOLength())
	assert.Equal(t, capturePolls, f.polls)
	assert.Zero(t, f.triggers, "the discarded capture must be cleared")
	// initial settle, ten polls and the register access delays
	assert.GreaterOrEqual(t, d.total, uint32(100+capturePolls*100))
}

func TestCaptureLength(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   uint32
		err    error
	}{
		{"small", 15, 15, nil},
		{"max", 0x5FFFE, 0x5FFFE, nil},
		{"too large", 0x5FFFF, 0, ErrNoCapture},
		{"top bit ignored", 0x800010, 0x10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, f, _, _ := newCamera(t)
			f.doneAfter = 2
			// the fake zeroes the length on clear, so load it when capture starts
			cam.spi = &lengthSetter{fakeModule: f, length: tt.length}
			n, err := cam.Capture(context.Background())
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Zero(t, cam.FIFOLength())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.want, cam.FIFOLength())
			assert.Equal(t, 3, f.triggers)
		})
	}
}

// lengthSetter loads the FIFO size registers when a capture is started.
type lengthSetter struct {
	*fakeModule
	length int
}

func (l *lengthSetter) Transmit(ctx context.Context, buf []byte) error {
	start := l.cmd == int(regFIFOControl|spiWrite) && buf[0] == fifoStart
	if err := l.fakeModule.Transmit(ctx, buf); err != nil {
		return err
	}
	if start {
		l.setLength(l.length)
	}
	return nil
}

func TestTransferSteps(t *testing.T) {
	cam, f, _, _ := newCamera(t)
	ctx := context.Background()
	data := []byte("0123456789abcde")
	f.fifo = append([]byte(nil), data...)
	cam.fifoLength.Store(15)

	require.NoError(t, cam.TransferStart(ctx))
	assert.True(t, f.selected)
	buf := make([]byte, 10)
	n, err := cam.TransferStep(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[:10], buf[:n])
	assert.EqualValues(t, 5, cam.FIFOLength())

	n, err = cam.TransferStep(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, data[10:], buf[:n])
	assert.Zero(t, cam.FIFOLength())

	n, err = cam.TransferStep(ctx, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, cam.TransferStop(ctx))
	assert.False(t, f.selected)
	assert.Equal(t, Reg{regFIFOControl, fifoClear}, f.writes[len(f.writes)-1])
}

func TestTransferStepFailure(t *testing.T) {
	cam, f, _, _ := newCamera(t)
	ctx := context.Background()
	cam.fifoLength.Store(100)
	require.NoError(t, cam.TransferStart(ctx))
	f.failRx = errors.New("bus error")
	n, err := cam.TransferStep(ctx, make([]byte, 32))
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Zero(t, cam.FIFOLength())
}

func TestTransferStepDMA(t *testing.T) {
	cam, f, _, _ := newCamera(t)
	ctx := context.Background()
	f.fifo = make([]byte, 40)
	cam.fifoLength.Store(40)
	require.NoError(t, cam.TransferStart(ctx))
	n, err := cam.TransferStepDMA(ctx, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.EqualValues(t, 40, cam.FIFOLength())
	cam.Consume(n)
	assert.EqualValues(t, 8, cam.FIFOLength())
	cam.Consume(100)
	assert.Zero(t, cam.FIFOLength())
	cam.Consume(-1)
	assert.Zero(t, cam.FIFOLength())
}

func TestReadFrame(t *testing.T) {
	cam, f, _, _ := newCamera(t)
	ctx := context.Background()
	_, err := cam.ReadFrame(ctx, &bytes.Buffer{}, 8)
	assert.ErrorIs(t, err, ErrNoCapture)

	data := bytes.Repeat([]byte{0xAB}, 21)
	f.fifo = append([]byte(nil), data...)
	cam.fifoLength.Store(21)
	var out bytes.Buffer
	n, err := cam.ReadFrame(ctx, &out, 8)
	require.NoError(t, err)
	assert.EqualValues(t, 21, n)
	assert.Equal(t, data, out.Bytes())
	assert.False(t, f.selected)
}

func TestTestSPI(t *testing.T) {
	cam, f, _, _ := newCamera(t)
	f.regs[regTest] = 0x11
	ok, err := cam.TestSPI(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(0x11), f.regs[regTest])
	assert.Equal(t, []Reg{{regTest, 0x55}, {regTest, 0x11}}, f.writes)
}

func TestTestI2C(t *testing.T) {
	cam, _, i2c, _ := newCamera(t)
	ctx := context.Background()
	addr := DefaultSensorAddress
	i2c.On("WriteToAddr", ctx, addr, []byte{regTestI2C}).Return(nil).Twice()
	i2c.On("ReadFromAddr", ctx, addr, mock.Anything).Return([]byte{7}, nil).Once()
	i2c.On("WriteToAddr", ctx, addr, []byte{regTestI2C, 32}).Return(nil).Once()
	i2c.On("ReadFromAddr", ctx, addr, mock.Anything).Return([]byte{32}, nil).Once()
	i2c.On("WriteToAddr", ctx, addr, []byte{regTestI2C, 7}).Return(nil).Once()

	ok, err := cam.TestI2C(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	i2c.AssertExpectations(t)
}

func TestWhoAmI(t *testing.T) {
	tests := []struct {
		name string
		pid  byte
		err  error
	}{
		{"ov2640 rev 1", 0x41, nil},
		{"ov2640 rev 2", 0x42, nil},
		{"other sensor", 0x56, ErrWrongSensor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i2c := &MockI2CBus{}
			f := newFakeModule()
			cam := New(f, f, i2c, &countingDelay{}, WithSensorAddress(0x30))
			ctx := context.Background()
			i2c.On("WriteToAddr", ctx, byte(0x30), []byte{regBankSelect, bankSensor}).Return(nil)
			i2c.On("WriteToAddr", ctx, byte(0x30), []byte{regChipIDHigh}).Return(nil)
			i2c.On("WriteToAddr", ctx, byte(0x30), []byte{regChipIDLow}).Return(nil)
			i2c.On("ReadFromAddr", ctx, byte(0x30), mock.Anything).Return([]byte{sensorVID}, nil).Once()
			i2c.On("ReadFromAddr", ctx, byte(0x30), mock.Anything).Return([]byte{tt.pid}, nil).Once()

			id, err := cam.TestWhoAmI(ctx)
			assert.Equal(t, Identity{VID: sensorVID, PID: tt.pid}, id)
			assert.Equal(t, id, cam.Identity())
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInitJPEG(t *testing.T) {
	cam, f, i2c, _ := newCamera(t)
	ctx := context.Background()
	var written []Reg
	i2c.On("WriteToAddr", ctx, DefaultSensorAddress, mock.Anything).Run(func(args mock.Arguments) {
		b := args.Get(2).([]byte)
		written = append(written, Reg{b[0], b[1]})
	}).Return(nil)

	require.NoError(t, cam.InitJPEG(ctx))
	assert.Equal(t, ImageJPEG, cam.ImageType())
	assert.Equal(t, Res320x240, cam.Resolution())
	assert.Equal(t, []Reg{{regCPLD, cpldResetHold}, {regCPLD, cpldResetRun}, {regFIFOControl, fifoClear}}, f.writes)

	require.GreaterOrEqual(t, len(written), 2)
	assert.Equal(t, Reg{regBankSelect, bankSensor}, written[0])
	assert.Equal(t, Reg{regCOM7, com7Reset}, written[1])
	want := 2 + len(jpegInit) + len(yuv422) + len(jpeg) + 2 + len(resolutionTables[Res320x240])
	assert.Len(t, written, want)
}

func TestInitJPEGFailure(t *testing.T) {
	cam, _, i2c, _ := newCamera(t)
	ctx := context.Background()
	i2c.On("WriteToAddr", ctx, DefaultSensorAddress, mock.Anything).Return(errors.New("nack"))
	err := cam.InitJPEG(ctx)
	assert.ErrorContains(t, err, "sensor write 0xff failed")
	assert.Equal(t, ImageNone, cam.ImageType())
}

func TestSetResolution(t *testing.T) {
	cam, _, i2c, _ := newCamera(t)
	ctx := context.Background()
	var written []Reg
	i2c.On("WriteToAddr", ctx, DefaultSensorAddress, mock.Anything).Run(func(args mock.Arguments) {
		b := args.Get(2).([]byte)
		written = append(written, Reg{b[0], b[1]})
	}).Return(nil)

	require.NoError(t, cam.SetResolution(ctx, Res1600x1200))
	assert.Equal(t, Res1600x1200, cam.Resolution())
	assert.Equal(t, resolutionTables[Res1600x1200], written)

	written = nil
	require.NoError(t, cam.SetResolution(ctx, Resolution(42)))
	assert.Equal(t, Resolution(42), cam.Resolution())
	assert.Equal(t, resolutionTables[Res320x240], written)
}

func TestDecodeOutputSize(t *testing.T) {
	for _, res := range Resolutions() {
		t.Run(res.String(), func(t *testing.T) {
			regs := map[byte]byte{}
			for _, r := range resolutionTables[res] {
				regs[r.Addr] = r.Val
			}
			w, h := DecodeOutputSize(regs[0x5a], regs[0x5b], regs[0x5c])
			ew, eh := res.Size()
			assert.Equal(t, ew, w)
			assert.Equal(t, eh, h)
		})
	}
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution(" 640X480 ")
	require.NoError(t, err)
	assert.Equal(t, Res640x480, r)
	_, err = ParseResolution("1x1")
	assert.Error(t, err)
	assert.Equal(t, "none", ResNone.String())
}
