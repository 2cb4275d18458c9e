package i2c

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/hwsim/bus"
	"github.com/mklimuk/hwsim/hal"
)

func newHandle(t *testing.T, cfg Config) *Handle {
	t.Helper()
	return newHandleWithClock(t, cfg, clockwork.NewRealClock())
}

func newHandleWithClock(t *testing.T, cfg Config, clock clockwork.Clock) *Handle {
	t.Helper()
	h := hal.New(hal.WithClock(clock))
	h.Init()
	handle := NewHandle(h, cfg)
	require.NoError(t, handle.Init())
	return handle
}

func TestMasterTransmitRegisteredSlave(t *testing.T) {
	h := newHandle(t, Config{})
	require.NoError(t, h.RegisterSlave(0x33, make([]byte, 10)))

	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	err := h.MasterTransmit(context.Background(), 0x33, data, 10)
	require.NoError(t, err)
	assert.Equal(t, bus.OK, bus.StatusOf(err))
	assert.Equal(t, data, h.SlaveBuffer())
	assert.Equal(t, bus.StateReady, h.State())
	assert.Equal(t, bus.ErrNone, h.ErrorCode())

	data[0] = 0xFF
	assert.Equal(t, byte(0), h.SlaveBuffer()[0], "slave must own its buffer")
}

func TestMasterReceiveRegisteredSlave(t *testing.T) {
	h := newHandle(t, Config{OwnAddress: 0x33})
	require.NoError(t, h.RegisterSlave(0x33, []byte{0xCA, 0xFE}))
	buf := make([]byte, 2)
	require.NoError(t, h.MasterReceive(context.Background(), 0x33, buf, 10))
	assert.Equal(t, []byte{0xCA, 0xFE}, buf)
}

func TestMessageTooLarge(t *testing.T) {
	h := newHandle(t, Config{})
	err := h.MasterTransmit(context.Background(), 0x33, make([]byte, 257), 10)
	assert.ErrorIs(t, err, bus.ErrMessageTooLarge)
	assert.Equal(t, bus.Failed, bus.StatusOf(err))
	assert.Equal(t, bus.ErrMessageTooLarge, h.ErrorCode())
}

func TestUninitialized(t *testing.T) {
	hw := hal.New()
	hw.Init()
	h := NewHandle(hw, Config{})
	require.NoError(t, h.RegisterSlave(0x33, []byte{9, 9}))

	err := h.MasterTransmit(context.Background(), 0x33, []byte{1, 2}, 10)
	assert.ErrorIs(t, err, bus.ErrUninitialized)
	buf := []byte{7, 7}
	err = h.MasterReceive(context.Background(), 0x33, buf, 10)
	assert.ErrorIs(t, err, bus.ErrUninitialized)
	assert.Equal(t, []byte{7, 7}, buf)
	assert.Equal(t, []byte{9, 9}, h.SlaveBuffer())
	assert.Equal(t, bus.StateReset, h.State())
}

func TestNilHandle(t *testing.T) {
	var h *Handle
	err := h.MasterTransmit(context.Background(), 0x33, []byte{1}, 10)
	assert.ErrorIs(t, err, bus.ErrNilHandle)
}

func TestInitTwice(t *testing.T) {
	h := newHandle(t, Config{})
	assert.ErrorIs(t, h.Init(), bus.ErrAlreadyInitialized)
	require.NoError(t, h.DeInit())
	require.NoError(t, h.DeInit())
	assert.Equal(t, bus.StateReset, h.State())
}

func TestDeInitClearsSlave(t *testing.T) {
	h := newHandle(t, Config{OwnAddress: 0x10})
	require.NoError(t, h.RegisterSlave(0x10, []byte{1}))
	require.NoError(t, h.DeInit())
	assert.Nil(t, h.SlaveBuffer())
	assert.Equal(t, uint16(0x10), h.Config().OwnAddress)
}

func TestSlaveMismatch(t *testing.T) {
	tests := []struct {
		name      string
		own       uint16
		addr      uint16
		slaveAddr uint16
		size      int
		slaveSize int
		want      bus.Code
	}{
		{name: "address", addr: 0x34, slaveAddr: 0x33, size: 4, slaveSize: 4, want: bus.ErrAddressMismatch},
		{name: "own address", own: 0x20, addr: 0x33, slaveAddr: 0x33, size: 4, slaveSize: 4, want: bus.ErrAddressMismatch},
		{name: "size", addr: 0x33, slaveAddr: 0x33, size: 3, slaveSize: 4, want: bus.ErrBadSlave},
		{name: "address and size", addr: 0x10, slaveAddr: 0x33, size: 3, slaveSize: 4, want: bus.ErrAddressMismatch},
		{name: "own address matches", own: 0x33, addr: 0x33, slaveAddr: 0x33, size: 5, slaveSize: 4, want: bus.ErrBadSlave},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandle(t, Config{OwnAddress: tt.own})
			slaveData := make([]byte, tt.slaveSize)
			for i := range slaveData {
				slaveData[i] = 0xAA
			}
			require.NoError(t, h.RegisterSlave(tt.slaveAddr, slaveData))

			data := make([]byte, tt.size)
			err := h.MasterTransmit(context.Background(), tt.addr, data, 10)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, slaveData, h.SlaveBuffer())

			buf := make([]byte, tt.size)
			err = h.MasterReceive(context.Background(), tt.addr, buf, 10)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, make([]byte, tt.size), buf)
			assert.Equal(t, bus.StateReady, h.State())
		})
	}
}

func TestInjectError(t *testing.T) {
	h := newHandle(t, Config{})
	require.NoError(t, h.RegisterSlave(0x33, []byte{0}))
	h.InjectError(bus.ErrBusy)

	for i := 0; i < 2; i++ {
		err := h.MasterTransmit(context.Background(), 0x33, []byte{5}, 10)
		assert.ErrorIs(t, err, bus.ErrBusy)
		assert.Equal(t, bus.Busy, bus.StatusOf(err))
	}
	_, err := h.AwaitRequest(context.Background(), 10)
	assert.ErrorIs(t, err, bus.ErrBusy)
	assert.Equal(t, []byte{0}, h.SlaveBuffer())

	h.InjectError(bus.ErrNone)
	require.NoError(t, h.MasterTransmit(context.Background(), 0x33, []byte{5}, 10))
	assert.Equal(t, []byte{5}, h.SlaveBuffer())
}

func TestRendezvousTransmit(t *testing.T) {
	h := newHandle(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.MasterTransmit(ctx, 0x42, []byte{1, 2, 3}, bus.Forever)
	}()

	req, err := h.AwaitRequest(ctx, bus.Forever)
	require.NoError(t, err)
	assert.Equal(t, Request{Kind: RequestWrite, Address: 0x42, Size: 3}, req)

	assert.ErrorIs(t, h.SlaveReceive(ctx, make([]byte, 2), bus.Forever), bus.ErrSizeMismatch)
	buf := make([]byte, 3)
	require.NoError(t, h.SlaveReceive(ctx, buf, bus.Forever))
	assert.Equal(t, []byte{1, 2, 3}, buf)
	require.NoError(t, <-done)
	assert.Equal(t, bus.StateReady, h.State())
}

func TestRendezvousReceive(t *testing.T) {
	h := newHandle(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := make([]byte, 2)
	done := make(chan error, 1)
	go func() {
		done <- h.MasterReceive(ctx, 0x42, buf, bus.Forever)
	}()

	req, err := h.AwaitRequest(ctx, bus.Forever)
	require.NoError(t, err)
	assert.Equal(t, Request{Kind: RequestRead, Address: 0x42, Size: 2}, req)
	assert.ErrorIs(t, h.MasterTransmit(ctx, 0x42, []byte{1}, 1), bus.ErrBusy)

	assert.ErrorIs(t, h.SlaveTransmit(ctx, []byte{1}, bus.Forever), bus.ErrSizeMismatch)
	require.NoError(t, h.SlaveTransmit(ctx, []byte{0xBE, 0xEF}, bus.Forever))
	require.NoError(t, <-done)
	assert.Equal(t, []byte{0xBE, 0xEF}, buf)
	assert.Equal(t, bus.StateReady, h.State())
}

func TestRendezvousTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHandleWithClock(t, Config{}, clock)

	done := make(chan error, 1)
	go func() {
		done <- h.MasterTransmit(context.Background(), 0x42, []byte{1}, 2)
	}()
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(bus.Quantum)
	}
	err := <-done
	assert.ErrorIs(t, err, bus.ErrTimeout)
	assert.Equal(t, bus.StateReady, h.State())
	assert.Equal(t, bus.ErrTimeout, h.ErrorCode())

	go func() {
		done <- h.MasterReceive(context.Background(), 0x42, make([]byte, 1), 1)
	}()
	clock.BlockUntil(1)
	clock.Advance(bus.Quantum)
	assert.ErrorIs(t, <-done, bus.ErrTimeout)

	// the withdrawn request no longer blocks the master side
	require.NoError(t, h.RegisterSlave(0x42, []byte{0}))
	assert.NoError(t, h.MasterTransmit(context.Background(), 0x42, []byte{3}, 1))
}

func TestSlaveTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHandleWithClock(t, Config{}, clock)

	done := make(chan error, 1)
	go func() {
		done <- h.SlaveReceive(context.Background(), make([]byte, 1), 1)
	}()
	clock.BlockUntil(1)
	clock.Advance(bus.Quantum)
	assert.ErrorIs(t, <-done, bus.ErrTimeout)
}

func TestRendezvousTimeoutBusySlave(t *testing.T) {
	h := newHandle(t, Config{})
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		buf := make([]byte, 1)
		for ctx.Err() == nil {
			_ = h.SlaveReceive(ctx, buf, 0)
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- h.MasterReceive(context.Background(), 0x42, make([]byte, 1), 5)
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, bus.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("master with a 5ms budget still blocked")
	}
}

func TestClaimedTransferWithdrawn(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		h := newHandleWithClock(t, Config{}, clock)
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			done <- h.MasterTransmit(ctx, 0x42, []byte{1, 2}, 1)
		}()
		req, err := h.AwaitRequest(ctx, bus.Forever)
		require.NoError(t, err)
		assert.Equal(t, 2, req.Size)
		clock.BlockUntil(1)
		clock.Advance(bus.Quantum)
		require.ErrorIs(t, <-done, bus.ErrTimeout)

		go func() {
			done <- h.MasterTransmit(ctx, 0x42, []byte{9}, bus.Forever)
		}()
		assert.ErrorIs(t, h.SlaveReceive(ctx, make([]byte, 2), bus.Forever), bus.ErrTimeout)

		req, err = h.AwaitRequest(ctx, bus.Forever)
		require.NoError(t, err)
		assert.Equal(t, Request{Kind: RequestWrite, Address: 0x42, Size: 1}, req)
		buf := make([]byte, 1)
		require.NoError(t, h.SlaveReceive(ctx, buf, bus.Forever))
		assert.Equal(t, []byte{9}, buf)
		require.NoError(t, <-done)
	})
	t.Run("read", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		h := newHandleWithClock(t, Config{}, clock)
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			done <- h.MasterReceive(ctx, 0x42, make([]byte, 1), 1)
		}()
		req, err := h.AwaitRequest(ctx, bus.Forever)
		require.NoError(t, err)
		assert.Equal(t, RequestRead, req.Kind)
		clock.BlockUntil(1)
		clock.Advance(bus.Quantum)
		require.ErrorIs(t, <-done, bus.ErrTimeout)

		assert.ErrorIs(t, h.SlaveTransmit(ctx, []byte{7}, bus.Forever), bus.ErrTimeout)
		assert.Equal(t, bus.StateReady, h.State())
	})
}

func TestRegisterSlaveValidation(t *testing.T) {
	h := newHandle(t, Config{})
	assert.ErrorIs(t, h.RegisterSlave(0x33, nil), bus.ErrNullParam)
	assert.ErrorIs(t, h.RegisterSlave(0x33, make([]byte, 257)), bus.ErrMessageTooLarge)
	h.ClearSlave()
	assert.Nil(t, h.SlaveBuffer())
}
