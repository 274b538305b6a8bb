package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/layers"
)

func scalerParam(t *testing.T, grads ...float32) *layers.Parameter {
	t.Helper()
	p, err := layers.NewParameter("w", len(grads))
	require.NoError(t, err)
	copy(p.Grad.Data, grads)
	return p
}

func TestScalerHalvesOnOverflow(t *testing.T) {
	s := NewGradScaler(true, 65536, 200)

	s.Update(true)
	assert.Equal(t, 32768.0, s.Scale())
	s.Update(true)
	assert.Equal(t, 16384.0, s.Scale())
	assert.Equal(t, 0, s.Streak())
}

func TestScalerNeverDropsBelowOne(t *testing.T) {
	s := NewGradScaler(true, 2, 200)
	for i := 0; i < 10; i++ {
		s.Update(true)
	}
	assert.Equal(t, 1.0, s.Scale())
}

func TestScalerDoublesAfterGrowthInterval(t *testing.T) {
	s := NewGradScaler(true, 1024, 3)

	s.Update(false)
	s.Update(false)
	assert.Equal(t, 1024.0, s.Scale())
	s.Update(false)
	assert.Equal(t, 2048.0, s.Scale())
	assert.Equal(t, 0, s.Streak())
}

func TestScalerOverflowResetsStreak(t *testing.T) {
	s := NewGradScaler(true, 1024, 3)

	s.Update(false)
	s.Update(false)
	s.Update(true)
	assert.Equal(t, 512.0, s.Scale())

	// the streak starts over; two clean steps are not enough to grow
	s.Update(false)
	s.Update(false)
	assert.Equal(t, 512.0, s.Scale())
}

func TestDisabledScalerIsFixedAtOne(t *testing.T) {
	s := NewGradScaler(false, 65536, 3)
	assert.False(t, s.Enabled())
	assert.Equal(t, 1.0, s.Scale())

	s.Update(true)
	s.Update(false)
	s.Update(false)
	s.Update(false)
	assert.Equal(t, 1.0, s.Scale())
}

func TestOverflowDetectsNonFiniteGradients(t *testing.T) {
	s := NewGradScaler(true, 1024, 200)

	clean := scalerParam(t, 1, -2, 3)
	assert.False(t, s.Overflow([]*layers.Parameter{clean}))

	inf := scalerParam(t, 1, float32(math.Inf(1)))
	assert.True(t, s.Overflow([]*layers.Parameter{clean, inf}))

	nan := scalerParam(t, float32(math.NaN()))
	assert.True(t, s.Overflow([]*layers.Parameter{nan}))
}

func TestUnscaleDividesByScaleAndWindow(t *testing.T) {
	s := NewGradScaler(true, 8, 200)
	p := scalerParam(t, 32, -16)

	s.Unscale([]*layers.Parameter{p}, 4)
	assert.Equal(t, float32(1), p.Grad.Data[0])
	assert.Equal(t, float32(-0.5), p.Grad.Data[1])
}

func TestScalerStateRoundTrip(t *testing.T) {
	s := NewGradScaler(true, 65536, 200)
	s.Update(true)
	s.Update(false)

	state := s.State()
	restored := NewGradScaler(false, 0, 0)
	restored.LoadState(state)

	assert.True(t, restored.Enabled())
	assert.Equal(t, 32768.0, restored.Scale())
	assert.Equal(t, 1, restored.Streak())
}
