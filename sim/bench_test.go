package sim

import (
	"bytes"
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/hwsim/camera"
	"github.com/mklimuk/hwsim/camera/sensor"
)

func newBench(t *testing.T, cfg sensor.Config) *Bench {
	t.Helper()
	b, err := New(cfg, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)
	b.Start(context.Background())
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
	})
	return b
}

func TestBenchCapture(t *testing.T) {
	cfg := sensor.DefaultConfig()
	cfg.Frame = sensor.FrameRamp
	cfg.RampSize = 600
	b := newBench(t, cfg)
	ctx := context.Background()

	id, err := b.SelfTest(ctx)
	require.NoError(t, err)
	assert.Equal(t, camera.Identity{VID: 0x26, PID: 0x42}, id)

	require.NoError(t, b.Camera.InitJPEG(ctx))
	n, err := b.Camera.Capture(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 600, n)

	var frame bytes.Buffer
	written, err := b.Camera.ReadFrame(ctx, &frame, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 600, written)
	for i, v := range frame.Bytes() {
		require.Equal(t, byte(i), v, "byte %d", i)
	}
	assert.Greater(t, b.HAL.Tick(), uint32(0))
}

func TestBenchWrongSensor(t *testing.T) {
	cfg := sensor.DefaultConfig()
	cfg.PID = 0x77
	b := newBench(t, cfg)

	id, err := b.SelfTest(context.Background())
	assert.ErrorIs(t, err, camera.ErrWrongSensor)
	assert.Equal(t, byte(0x77), id.PID)
}

func TestBenchInvalidProfile(t *testing.T) {
	cfg := sensor.DefaultConfig()
	cfg.Frame = "noise"
	b, err := New(cfg, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)
	b.Start(context.Background())
	assert.ErrorContains(t, b.Close(), "unknown frame kind")
}
