package layers

import (
	"testing"

	"github.com/accessvision/tilenet/tensor"
)

func TestDropoutEvalIsIdentity(t *testing.T) {
	drop, err := NewDropout("drop", 0.5, 1)
	if err != nil {
		t.Fatalf("Failed to create dropout: %v", err)
	}
	x := randomTensor(t, 51, 4, 8)

	out, err := drop.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.Equal(x) {
		t.Error("Eval-mode dropout should be the identity")
	}
}

func TestDropoutZeroProbabilityIsIdentity(t *testing.T) {
	drop, _ := NewDropout("drop", 0, 1)
	x := randomTensor(t, 52, 4, 8)
	out, err := drop.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.Equal(x) {
		t.Error("p=0 dropout should be the identity")
	}
}

func TestDropoutDeterministicWithSeed(t *testing.T) {
	x := randomTensor(t, 53, 8, 8)

	d1, _ := NewDropout("drop", 0.4, 99)
	d2, _ := NewDropout("drop", 0.4, 99)

	out1, _ := d1.Forward(x, true)
	out2, _ := d2.Forward(x, true)
	if !out1.Equal(out2) {
		t.Error("Same seed should produce identical masks")
	}

	d1.Reseed(99)
	out3, _ := d1.Forward(x, true)
	if !out1.Equal(out3) {
		t.Error("Reseed should restart the mask sequence")
	}
}

func TestDropoutScalesSurvivors(t *testing.T) {
	drop, _ := NewDropout("drop", 0.5, 7)
	x, _ := tensor.Full(1.0, 1, 1000)

	out, _ := drop.Forward(x, true)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else if v != 2.0 {
			t.Fatalf("Survivor not scaled by 1/(1-p): got %f", v)
		}
	}
	// roughly half should be dropped
	if zeros < 400 || zeros > 600 {
		t.Errorf("Unexpected drop count for p=0.5: %d of 1000", zeros)
	}
}

func TestDropoutBackwardMatchesMask(t *testing.T) {
	drop, _ := NewDropout("drop", 0.3, 5)
	x, _ := tensor.Full(1.0, 2, 10)

	out, _ := drop.Forward(x, true)
	g, _ := tensor.Full(1.0, 2, 10)
	dx, err := drop.Backward(g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	// the backward mask equals the forward scaling exactly
	for i := range out.Data {
		if dx.Data[i] != out.Data[i] {
			t.Errorf("Backward mask mismatch at %d: forward %f, backward %f", i, out.Data[i], dx.Data[i])
		}
	}
}

func TestDropoutInvalidProbability(t *testing.T) {
	if _, err := NewDropout("drop", 1.0, 1); err == nil {
		t.Error("Expected error for p=1")
	}
	if _, err := NewDropout("drop", -0.1, 1); err == nil {
		t.Error("Expected error for negative p")
	}
}
