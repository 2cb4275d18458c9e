package spi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"
)

func TestPort(t *testing.T) {
	pb := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x3C}},
				{W: []byte{0, 0, 0}, R: []byte{0xFF, 0xD8, 0xFF}},
				{W: []byte{0}, R: []byte{0xD9}},
			},
			DontPanic: true,
		},
	}
	p, err := NewPort(pb, 8*physic.MegaHertz)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Transmit(ctx, []byte{0x3C}))
	buf := make([]byte, 3)
	require.NoError(t, p.Receive(ctx, buf))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, buf)
	one := make([]byte, 1)
	require.NoError(t, p.ReceiveDMA(ctx, one))
	assert.Equal(t, byte(0xD9), one[0])
	assert.NoError(t, p.Close())

	assert.Error(t, p.Transmit(ctx, []byte{1}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, p.Receive(cancelled, one), context.Canceled)
}

func TestOpenChipSelectUnknown(t *testing.T) {
	_, err := OpenChipSelect("NO_SUCH_PIN")
	assert.Error(t, err)
}
