package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/accessvision/tilenet/tensor"
)

// The backward passes are verified against central finite differences of a
// scalar projection loss L = sum(out * w) with fixed projection weights, so
// dL/dout = w exactly.

func projectionWeights(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	w := make([]float32, n)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	return w
}

func projectionLoss(out *tensor.Tensor, w []float32) float32 {
	var sum float32
	for i, v := range out.Data {
		sum += v * w[i]
	}
	return sum
}

func randomTensor(t *testing.T, seed int64, shape ...int) *tensor.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	tt, err := tensor.NewTensor(shape, data)
	if err != nil {
		t.Fatalf("Failed to create random tensor: %v", err)
	}
	return tt
}

func relativeError(analytic, numeric float64) float64 {
	denom := math.Abs(analytic) + math.Abs(numeric)
	if denom < 1e-6 {
		return 0
	}
	return math.Abs(analytic-numeric) / denom
}

// checkInputGradient compares the analytic input gradient against finite
// differences at a sample of input positions.
func checkInputGradient(t *testing.T, layer Layer, x *tensor.Tensor, eps float32, tol float64) {
	t.Helper()

	out, err := layer.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	w := projectionWeights(out.NumElems, 7)
	gradOut, err := tensor.NewTensor(out.Size(), append([]float32(nil), w...))
	if err != nil {
		t.Fatalf("Failed to create gradient tensor: %v", err)
	}

	ZeroGradients(layer.Parameters())
	dx, err := layer.Backward(gradOut)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	stride := len(x.Data) / 12
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < len(x.Data); i += stride {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		outPlus, err := layer.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		lPlus := projectionLoss(outPlus, w)

		x.Data[i] = orig - eps
		outMinus, err := layer.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		lMinus := projectionLoss(outMinus, w)
		x.Data[i] = orig

		numeric := float64(lPlus-lMinus) / float64(2*eps)
		analytic := float64(dx.Data[i])
		if relErr := relativeError(analytic, numeric); relErr > tol {
			t.Errorf("Input gradient mismatch at %d: analytic=%f numeric=%f (rel %f)", i, analytic, numeric, relErr)
		}
	}
}

// checkParamGradient compares a parameter's analytic gradient against
// finite differences at a sample of positions.
func checkParamGradient(t *testing.T, layer Layer, x *tensor.Tensor, param *Parameter, eps float32, tol float64) {
	t.Helper()

	out, err := layer.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	w := projectionWeights(out.NumElems, 11)
	gradOut, err := tensor.NewTensor(out.Size(), append([]float32(nil), w...))
	if err != nil {
		t.Fatalf("Failed to create gradient tensor: %v", err)
	}

	ZeroGradients(layer.Parameters())
	if _, err := layer.Backward(gradOut); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	stride := len(param.Data.Data) / 12
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < len(param.Data.Data); i += stride {
		orig := param.Data.Data[i]
		param.Data.Data[i] = orig + eps
		outPlus, err := layer.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		lPlus := projectionLoss(outPlus, w)

		param.Data.Data[i] = orig - eps
		outMinus, err := layer.Forward(x, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		lMinus := projectionLoss(outMinus, w)
		param.Data.Data[i] = orig

		numeric := float64(lPlus-lMinus) / float64(2*eps)
		analytic := float64(param.Grad.Data[i])
		if relErr := relativeError(analytic, numeric); relErr > tol {
			t.Errorf("Gradient mismatch for %s at %d: analytic=%f numeric=%f (rel %f)", param.Name, i, analytic, numeric, relErr)
		}
	}
}
