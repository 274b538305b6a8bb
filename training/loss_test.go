package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/tensor"
)

func TestCrossEntropyUniformLogits(t *testing.T) {
	logits, err := tensor.Zeros(2, 4)
	require.NoError(t, err)
	ce := NewCrossEntropyLoss()

	loss, err := ce.Forward(logits, []int{0, 3})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-6)
}

func TestCrossEntropyConfidentPrediction(t *testing.T) {
	logits, err := tensor.NewTensor([]int{1, 3}, []float32{10, -10, -10})
	require.NoError(t, err)
	ce := NewCrossEntropyLoss()

	loss, err := ce.Forward(logits, []int{0})
	require.NoError(t, err)
	assert.Less(t, loss, 1e-6)

	wrong, err := ce.Forward(logits, []int{1})
	require.NoError(t, err)
	assert.Greater(t, wrong, 10.0)
}

func TestCrossEntropyGradient(t *testing.T) {
	logits, err := tensor.Zeros(1, 2)
	require.NoError(t, err)
	ce := NewCrossEntropyLoss()

	_, err = ce.Forward(logits, []int{0})
	require.NoError(t, err)
	grad, err := ce.Backward([]int{0})
	require.NoError(t, err)

	// softmax is (0.5, 0.5): grad = (0.5-1, 0.5) / N
	assert.InDelta(t, -0.5, float64(grad.Data[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(grad.Data[1]), 1e-6)

	// the gradient of each row sums to zero
	assert.InDelta(t, 0, float64(grad.Data[0]+grad.Data[1]), 1e-6)
}

func TestCrossEntropyBackwardBeforeForward(t *testing.T) {
	ce := NewCrossEntropyLoss()
	_, err := ce.Backward([]int{0})
	assert.Error(t, err)
}

func TestCrossEntropyRejectsBadLabels(t *testing.T) {
	logits, err := tensor.Zeros(1, 3)
	require.NoError(t, err)
	ce := NewCrossEntropyLoss()

	_, err = ce.Forward(logits, []int{3})
	assert.Error(t, err)
	_, err = ce.Forward(logits, []int{0, 1})
	assert.Error(t, err)
}

func TestCountCorrect(t *testing.T) {
	logits, err := tensor.NewTensor([]int{3, 2}, []float32{
		2, 1, // pred 0
		0, 5, // pred 1
		3, 4, // pred 1
	})
	require.NoError(t, err)

	correct, err := CountCorrect(logits, []int{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, correct)
}

func TestPhaseStringAndTerminal(t *testing.T) {
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "EarlyStopped", EarlyStopped.String())
	assert.False(t, Running.Terminal())
	assert.False(t, Checkpointing.Terminal())
	assert.True(t, Completed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, EarlyStopped.Terminal())
}
