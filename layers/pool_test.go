package layers

import (
	"testing"

	"github.com/accessvision/tilenet/tensor"
)

func TestMaxPoolForwardKnownValues(t *testing.T) {
	pool, err := NewMaxPool2D("pool", 2, 2, 0)
	if err != nil {
		t.Fatalf("Failed to create maxpool: %v", err)
	}

	x, _ := tensor.NewTensor([]int{1, 1, 4, 4}, []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	})
	out, err := pool.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	expected := []float32{4, 8, 12, 16}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Output mismatch at %d: expected %f, got %f", i, v, out.Data[i])
		}
	}
}

func TestMaxPoolBackwardRoutesToArgmax(t *testing.T) {
	pool, _ := NewMaxPool2D("pool", 2, 2, 0)
	x, _ := tensor.NewTensor([]int{1, 1, 2, 2}, []float32{
		1, 2,
		4, 3,
	})
	if _, err := pool.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	g, _ := tensor.NewTensor([]int{1, 1, 1, 1}, []float32{5})
	dx, err := pool.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// only position (1,0), the max, receives the gradient
	expected := []float32{0, 0, 5, 0}
	for i, v := range expected {
		if dx.Data[i] != v {
			t.Errorf("Gradient mismatch at %d: expected %f, got %f", i, v, dx.Data[i])
		}
	}
}

func TestMaxPoolStride2Padding1(t *testing.T) {
	// the residual backbone stem pool: 3x3 window, stride 2, padding 1
	pool, _ := NewMaxPool2D("pool", 3, 2, 1)
	x := randomTensor(t, 41, 1, 2, 8, 8)
	out, err := pool.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[2] != 4 || out.Shape[3] != 4 {
		t.Errorf("Expected 4x4 spatial output, got %dx%d", out.Shape[2], out.Shape[3])
	}
}

func TestGlobalAvgPoolForward(t *testing.T) {
	pool := NewGlobalAvgPool("avgpool")
	x, _ := tensor.NewTensor([]int{1, 2, 2, 2}, []float32{
		1, 2, 3, 4, // channel 0: mean 2.5
		10, 20, 30, 40, // channel 1: mean 25
	})
	out, err := pool.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Dim() != 2 || out.Shape[0] != 1 || out.Shape[1] != 2 {
		t.Fatalf("Expected [1, 2] output, got %v", out.Shape)
	}
	if out.Data[0] != 2.5 || out.Data[1] != 25 {
		t.Errorf("Output mismatch: expected [2.5 25], got %v", out.Data)
	}
}

func TestGlobalAvgPoolGradients(t *testing.T) {
	pool := NewGlobalAvgPool("avgpool")
	x := randomTensor(t, 42, 2, 3, 4, 4)
	checkInputGradient(t, pool, x, 1e-2, 0.02)
}

func TestGlobalAvgPoolBackwardSpreadsEvenly(t *testing.T) {
	pool := NewGlobalAvgPool("avgpool")
	x, _ := tensor.Zeros(1, 1, 2, 2)
	if _, err := pool.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	g, _ := tensor.NewTensor([]int{1, 1}, []float32{8})
	dx, err := pool.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, v := range dx.Data {
		if v != 2 {
			t.Errorf("Gradient mismatch at %d: expected 2, got %f", i, v)
		}
	}
}
