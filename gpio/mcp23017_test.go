package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	pgpio "periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/hwsim"
)

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
	args := m.Called(ctx)
	return args.Error(0)
}

func TestExpanderChipSelect(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x14, 0xFF}).Return(nil).Twice()
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x00, 0xFE}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x14, 0xFE}).Return(nil).Once()

	exp := NewMCP23017(bus, DefaultMCP23017Address)
	require.NoError(t, exp.Configure(ctx, BankA, 0xFE))
	cs, err := exp.Line(ctx, BankA, 0)
	require.NoError(t, err)
	require.NoError(t, cs.Out(pgpio.Low))
	require.NoError(t, cs.Out(pgpio.High))
	bus.AssertExpectations(t)
}

func TestExpanderBankB(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x0D, 0x0F}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x13}).Return(nil).Once()
	bus.On("ReadFromAddr", ctx, byte(0x20), mock.Anything).Return([]byte{0xA5}, nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x15, 0x3C}).Return(nil).Once()

	exp := NewMCP23017(bus, 0x20)
	require.NoError(t, exp.PullUp(ctx, BankB, 0x0F))
	v, err := exp.Read(ctx, BankB)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA5), v)
	require.NoError(t, exp.Write(ctx, BankB, 0x3C))
	bus.AssertExpectations(t)
}

func TestExpanderBusyRetry(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x14, 0x00}).Return(hwsim.ErrBusBusy).Twice()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x14, 0x00}).Return(nil).Once()
	bus.On("Release", ctx).Return(nil).Twice()

	exp := NewMCP23017(bus, 0x20)
	require.NoError(t, exp.Write(ctx, BankA, 0x00))
	bus.AssertExpectations(t)
}

func TestExpanderErrors(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x20), mock.Anything).Return(hwsim.ErrBusBusy)
	bus.On("Release", ctx).Return(nil)

	exp := NewMCP23017(bus, 0x20)
	err := exp.Write(ctx, BankA, 0x01)
	assert.ErrorIs(t, err, hwsim.ErrBusBusy)
	assert.ErrorContains(t, err, "retry limit reached")
	bus.AssertNumberOfCalls(t, "WriteToAddr", 3)

	failing := &MockI2CBus{}
	failing.On("WriteToAddr", ctx, byte(0x20), mock.Anything).Return(errors.New("nack"))
	exp = NewMCP23017(failing, 0x20)
	_, err = exp.Read(ctx, BankA)
	assert.ErrorContains(t, err, "nack")
	failing.AssertNumberOfCalls(t, "WriteToAddr", 1)

	_, err = exp.Line(ctx, BankA, 8)
	assert.Error(t, err)
}
