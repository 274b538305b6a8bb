package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/layers"
)

func newParam(t *testing.T, name string, weights, grads []float32) *layers.Parameter {
	t.Helper()
	p, err := layers.NewParameter(name, len(weights))
	require.NoError(t, err)
	copy(p.Data.Data, weights)
	copy(p.Grad.Data, grads)
	return p
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("rmsprop", nil, 0.1, 0, 0)
	assert.Error(t, err)
}

func TestSGDPlainStep(t *testing.T) {
	p := newParam(t, "w", []float32{1, 2}, []float32{0.5, -0.5})
	opt := NewSGD([]*layers.Parameter{p}, 0.1, 0, 0)

	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.95, p.Data.Data[0], 1e-6)
	assert.InDelta(t, 2.05, p.Data.Data[1], 1e-6)
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{1})
	opt := NewSGD([]*layers.Parameter{p}, 0.1, 0.9, 0)

	// step 1: v = 1, w = 1 - 0.1 = 0.9
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.9, p.Data.Data[0], 1e-6)

	// step 2 with the same gradient: v = 0.9 + 1 = 1.9, w = 0.9 - 0.19
	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.71, p.Data.Data[0], 1e-6)
}

func TestSGDWeightDecay(t *testing.T) {
	p := newParam(t, "w", []float32{2}, []float32{0})
	opt := NewSGD([]*layers.Parameter{p}, 0.1, 0, 0.5)

	// w -= lr * wd * w = 2 - 0.1*0.5*2
	require.NoError(t, opt.Step())
	assert.InDelta(t, 1.9, p.Data.Data[0], 1e-6)
}

func TestStepSkipsFrozenParameters(t *testing.T) {
	frozen := newParam(t, "frozen", []float32{1}, []float32{10})
	frozen.Frozen = true
	live := newParam(t, "live", []float32{1}, []float32{10})

	for _, opt := range []Optimizer{
		NewSGD([]*layers.Parameter{frozen, live}, 0.1, 0.9, 0),
		NewAdamW([]*layers.Parameter{frozen, live}, 0.1, 0.9, 0.999, 1e-8, 0),
	} {
		frozen.Data.Data[0], live.Data.Data[0] = 1, 1
		require.NoError(t, opt.Step())
		assert.Equal(t, float32(1), frozen.Data.Data[0], "%s moved a frozen parameter", opt.Name())
		assert.NotEqual(t, float32(1), live.Data.Data[0])
	}
}

func TestAdamWFirstStepIsSignedLR(t *testing.T) {
	// With bias correction the very first Adam update is ~lr*sign(grad)
	// regardless of gradient magnitude.
	p := newParam(t, "w", []float32{1, 1}, []float32{100, -0.001})
	opt := NewAdamW([]*layers.Parameter{p}, 0.01, 0.9, 0.999, 1e-8, 0)

	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.99, p.Data.Data[0], 1e-4)
	assert.InDelta(t, 1.01, p.Data.Data[1], 1e-4)
}

func TestAdamWDecoupledDecay(t *testing.T) {
	p := newParam(t, "w", []float32{2}, []float32{0})
	opt := NewAdamW([]*layers.Parameter{p}, 0.1, 0.9, 0.999, 1e-8, 0.5)

	require.NoError(t, opt.Step())
	// zero gradient: only the decoupled decay moves the weight
	assert.InDelta(t, 2-0.1*0.5*2, p.Data.Data[0], 1e-5)
}

func TestSGDStateRoundTrip(t *testing.T) {
	p := newParam(t, "w", []float32{1, 2, 3}, []float32{1, 1, 1})
	opt := NewSGD([]*layers.Parameter{p}, 0.1, 0.9, 0.01)
	require.NoError(t, opt.Step())

	state, err := opt.State()
	require.NoError(t, err)
	assert.Equal(t, "sgd", state.Type)

	p2 := newParam(t, "w", p.Data.Data, p.Grad.Data)
	restored := NewSGD([]*layers.Parameter{p2}, 0.5, 0, 0)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, 0.1, restored.LR())

	// A second step on each must produce identical weights.
	require.NoError(t, opt.Step())
	require.NoError(t, restored.Step())
	assert.Equal(t, p.Data.Data, p2.Data.Data)
}

func TestAdamWStateRoundTrip(t *testing.T) {
	p := newParam(t, "w", []float32{1, -1}, []float32{0.3, -0.7})
	opt := NewAdamW([]*layers.Parameter{p}, 0.01, 0.9, 0.999, 1e-8, 0.05)
	require.NoError(t, opt.Step())
	require.NoError(t, opt.Step())

	state, err := opt.State()
	require.NoError(t, err)
	assert.Equal(t, "adamw", state.Type)
	assert.Equal(t, float64(2), state.Parameters["step"])

	p2 := newParam(t, "w", p.Data.Data, p.Grad.Data)
	restored := NewAdamW([]*layers.Parameter{p2}, 0.9, 0.5, 0.5, 1e-3, 0)
	require.NoError(t, restored.LoadState(state))

	require.NoError(t, opt.Step())
	require.NoError(t, restored.Step())
	assert.Equal(t, p.Data.Data, p2.Data.Data)
}

func TestLoadStateRejectsKindMismatch(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{1})
	sgd := NewSGD([]*layers.Parameter{p}, 0.1, 0.9, 0)
	require.NoError(t, sgd.Step())
	state, err := sgd.State()
	require.NoError(t, err)

	adamw := NewAdamW([]*layers.Parameter{p}, 0.1, 0.9, 0.999, 1e-8, 0)
	assert.Error(t, adamw.LoadState(state))
}

func TestZeroGrad(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{3})
	opt := NewSGD([]*layers.Parameter{p}, 0.1, 0, 0)
	opt.ZeroGrad()
	assert.Equal(t, float32(0), p.Grad.Data[0])
}

func TestAdamWUpdateIsFinite(t *testing.T) {
	p := newParam(t, "w", []float32{1}, []float32{1e-20})
	opt := NewAdamW([]*layers.Parameter{p}, 0.01, 0.9, 0.999, 1e-8, 0)
	require.NoError(t, opt.Step())
	assert.False(t, math.IsNaN(float64(p.Data.Data[0])))
}
