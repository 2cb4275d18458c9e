package i2c

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/hwsim/bus"
)

func TestMasterAsPeriphDev(t *testing.T) {
	h := newHandle(t, Config{})
	m := NewMaster(h, 10)
	require.NoError(t, h.RegisterSlave(0x33, []byte{0, 0, 0}))

	dev := &i2c.Dev{Bus: m, Addr: 0x33}
	n, err := dev.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, h.SlaveBuffer())

	r := make([]byte, 3)
	require.NoError(t, dev.Tx(nil, r))
	assert.Equal(t, []byte{1, 2, 3}, r)

	err = dev.Tx([]byte{1}, nil)
	assert.ErrorIs(t, err, bus.ErrBadSlave)
}

func TestMasterAsTinygoBus(t *testing.T) {
	h := newHandle(t, Config{})
	var b drivers.I2C = NewMaster(h, bus.Forever)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// register read: write the register index, then read one byte back
	go func() {
		reg := make([]byte, 1)
		if err := h.SlaveReceive(ctx, reg, bus.Forever); err != nil {
			return
		}
		_ = h.SlaveTransmit(ctx, []byte{reg[0] + 1}, bus.Forever)
	}()
	r := make([]byte, 1)
	require.NoError(t, b.Tx(0x60, []byte{0x41}, r))
	assert.Equal(t, byte(0x42), r[0])
}

func TestMasterAddressableBus(t *testing.T) {
	h := newHandle(t, Config{})
	m := NewMaster(h, 10)
	ctx := context.Background()
	require.NoError(t, h.RegisterSlave(0x1A, []byte{0, 0}))
	require.NoError(t, m.WriteToAddr(ctx, 0x1A, []byte{7, 8}))
	buf := make([]byte, 2)
	require.NoError(t, m.ReadFromAddr(ctx, 0x1A, buf))
	assert.Equal(t, []byte{7, 8}, buf)

	err := m.ReadFromAddr(ctx, 0x1B, buf)
	assert.ErrorIs(t, err, bus.ErrAddressMismatch)
	assert.Contains(t, err.Error(), "could not read from i2c bus 1b")
}

func TestMasterRelease(t *testing.T) {
	h := newHandle(t, Config{})
	m := NewMaster(h, 10)
	require.NoError(t, m.Release(context.Background()))
	assert.Equal(t, bus.StateReady, h.State())

	h.Fault()
	require.NoError(t, m.Release(context.Background()))
	assert.Equal(t, bus.StateReady, h.State())
}

func TestMasterSpeed(t *testing.T) {
	h := newHandle(t, Config{Speed: 100 * physic.KiloHertz})
	m := NewMaster(h, 10)
	assert.Equal(t, "hwsim-i2c@100kHz", m.String())
	require.NoError(t, m.SetSpeed(400*physic.KiloHertz))
	assert.Equal(t, 400*physic.KiloHertz, h.Config().Speed)
	assert.Error(t, m.SetSpeed(0))
}

func TestGenericBus(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x60, W: []byte{0xFF, 0x01}},
			{Addr: 0x60, R: []byte{0x26}},
		},
		DontPanic: true,
	}
	b := NewBus(pb)
	ctx := context.Background()
	require.NoError(t, b.WriteToAddr(ctx, 0x60, []byte{0xFF, 0x01}))
	buf := make([]byte, 1)
	require.NoError(t, b.ReadFromAddr(ctx, 0x60, buf))
	assert.Equal(t, byte(0x26), buf[0])
	assert.NoError(t, b.Release(ctx))
	assert.NoError(t, b.Close())

	assert.Error(t, b.WriteToAddr(ctx, 0x60, []byte{0}))
}
