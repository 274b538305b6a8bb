package layers

import (
	"testing"

	"github.com/accessvision/tilenet/tensor"
)

func TestDenseForwardKnownValues(t *testing.T) {
	dense, err := NewDense("fc", 3, 2, true)
	if err != nil {
		t.Fatalf("Failed to create dense: %v", err)
	}
	// W [3, 2], b [2]
	copy(dense.Weight.Data.Data, []float32{
		1, 2,
		3, 4,
		5, 6,
	})
	copy(dense.Bias.Data.Data, []float32{0.5, -0.5})

	x, _ := tensor.NewTensor([]int{1, 3}, []float32{1, 1, 1})
	out, err := dense.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// [1+3+5+0.5, 2+4+6-0.5]
	if out.Data[0] != 9.5 || out.Data[1] != 11.5 {
		t.Errorf("Output mismatch: expected [9.5 11.5], got %v", out.Data)
	}
}

func TestDenseGradients(t *testing.T) {
	dense, err := NewDense("fc", 4, 3, true)
	if err != nil {
		t.Fatalf("Failed to create dense: %v", err)
	}
	w := randomTensor(t, 31, 4, 3)
	copy(dense.Weight.Data.Data, w.Data)
	dense.Weight.Data.Scale(0.5)

	x := randomTensor(t, 32, 5, 4)

	checkInputGradient(t, dense, x, 1e-2, 0.02)
	checkParamGradient(t, dense, x, dense.Weight, 1e-2, 0.02)
	checkParamGradient(t, dense, x, dense.Bias, 1e-2, 0.02)
}

func TestDenseNoBias(t *testing.T) {
	dense, err := NewDense("fc", 2, 2, false)
	if err != nil {
		t.Fatalf("Failed to create dense: %v", err)
	}
	if dense.Bias != nil {
		t.Error("Expected nil bias")
	}
	if len(dense.Parameters()) != 1 {
		t.Errorf("Expected 1 parameter, got %d", len(dense.Parameters()))
	}
}

func TestDenseInputValidation(t *testing.T) {
	dense, _ := NewDense("fc", 4, 2, true)

	wrong, _ := tensor.Zeros(2, 3)
	if _, err := dense.Forward(wrong, false); err == nil {
		t.Error("Expected error for wrong input width")
	}

	g, _ := tensor.Zeros(2, 2)
	fresh, _ := NewDense("fc2", 4, 2, true)
	if _, err := fresh.Backward(g); err == nil {
		t.Error("Expected error for backward before forward")
	}
}
