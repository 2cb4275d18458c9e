package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gi2c "gobot.io/x/gobot/v2/drivers/i2c"
)

type fakeGobotConn struct {
	gi2c.Connection
	written [][]byte
	data    []byte
	closed  bool
}

func (c *fakeGobotConn) Write(b []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeGobotConn) Read(b []byte) (int, error) {
	return copy(b, c.data), nil
}

func (c *fakeGobotConn) Close() error {
	c.closed = true
	return nil
}

type fakeConnector struct {
	conns  map[int]*fakeGobotConn
	opened []int
	bus    int
}

func (f *fakeConnector) GetI2cConnection(address int, bus int) (gi2c.Connection, error) {
	f.opened = append(f.opened, address)
	f.bus = bus
	c, ok := f.conns[address]
	if !ok {
		return nil, errors.New("no device")
	}
	return c, nil
}

func (f *fakeConnector) DefaultI2cBus() int {
	return 0
}

func TestGobotBus(t *testing.T) {
	sensor := &fakeGobotConn{data: []byte{0x26}}
	c := &fakeConnector{conns: map[int]*fakeGobotConn{0x30: sensor}}
	b := NewGobotBus(c, -1)
	ctx := context.Background()

	require.NoError(t, b.WriteToAddr(ctx, 0x30, []byte{0x0A}))
	buf := make([]byte, 1)
	require.NoError(t, b.ReadFromAddr(ctx, 0x30, buf))
	assert.Equal(t, byte(0x26), buf[0])
	assert.Equal(t, [][]byte{{0x0A}}, sensor.written)
	assert.Equal(t, []int{0x30}, c.opened)
	assert.Equal(t, 0, c.bus)

	err := b.ReadFromAddr(ctx, 0x30, make([]byte, 2))
	assert.ErrorContains(t, err, "short read")

	err = b.WriteToAddr(ctx, 0x21, []byte{0})
	assert.ErrorContains(t, err, "could not open i2c connection to 21")

	require.NoError(t, b.Close())
	assert.True(t, sensor.closed)
}
