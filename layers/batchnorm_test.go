package layers

import (
	"math"
	"testing"

	"github.com/accessvision/tilenet/tensor"
)

func TestBatchNormNormalizesChannels(t *testing.T) {
	bn, err := NewBatchNorm2D("bn", 3)
	if err != nil {
		t.Fatalf("Failed to create batchnorm: %v", err)
	}

	x := randomTensor(t, 21, 4, 3, 5, 5)
	// shift channel 1 so there is something to normalize away
	for i := 0; i < 4; i++ {
		base := (i*3 + 1) * 25
		for j := 0; j < 25; j++ {
			x.Data[base+j] += 10
		}
	}

	out, err := bn.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// with gamma=1 beta=0 each channel of the output has mean ~0 and var ~1
	for c := 0; c < 3; c++ {
		var sum, sqSum float64
		count := 0
		for i := 0; i < 4; i++ {
			base := (i*3 + c) * 25
			for j := 0; j < 25; j++ {
				v := float64(out.Data[base+j])
				sum += v
				sqSum += v * v
				count++
			}
		}
		mean := sum / float64(count)
		variance := sqSum/float64(count) - mean*mean
		if math.Abs(mean) > 1e-4 {
			t.Errorf("Channel %d mean not normalized: got %f", c, mean)
		}
		if math.Abs(variance-1) > 1e-2 {
			t.Errorf("Channel %d variance not normalized: got %f", c, variance)
		}
	}
}

func TestBatchNormRunningStatsUpdate(t *testing.T) {
	bn, _ := NewBatchNorm2D("bn", 1)

	x, _ := tensor.Full(4.0, 2, 1, 2, 2)
	if _, err := bn.Forward(x, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// momentum 0.1: running mean moves from 0 toward the batch mean 4
	expected := float32(0.4)
	if diff := bn.RunningMean.Data[0] - expected; diff > 1e-5 || diff < -1e-5 {
		t.Errorf("Running mean mismatch: expected %f, got %f", expected, bn.RunningMean.Data[0])
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	bn, _ := NewBatchNorm2D("bn", 1)
	bn.RunningMean.Data[0] = 2.0
	bn.RunningVar.Data[0] = 4.0

	x, _ := tensor.Full(6.0, 1, 1, 1, 1)
	out, err := bn.Forward(x, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// (6-2)/sqrt(4+eps) ~= 2
	if math.Abs(float64(out.Data[0])-2.0) > 1e-3 {
		t.Errorf("Eval output mismatch: expected ~2, got %f", out.Data[0])
	}

	// eval forward must not move the running stats
	if bn.RunningMean.Data[0] != 2.0 || bn.RunningVar.Data[0] != 4.0 {
		t.Error("Eval forward mutated running statistics")
	}
}

func TestBatchNormGradients(t *testing.T) {
	bn, err := NewBatchNorm2D("bn", 2)
	if err != nil {
		t.Fatalf("Failed to create batchnorm: %v", err)
	}
	// non-trivial affine parameters
	bn.Gamma.Data.Data[0] = 1.5
	bn.Gamma.Data.Data[1] = 0.8
	bn.Beta.Data.Data[0] = 0.2
	bn.Beta.Data.Data[1] = -0.3

	x := randomTensor(t, 22, 3, 2, 4, 4)
	x.Scale(2.0)

	checkInputGradient(t, bn, x, 1e-3, 0.05)
	checkParamGradient(t, bn, x, bn.Gamma, 1e-3, 0.05)
	checkParamGradient(t, bn, x, bn.Beta, 1e-3, 0.05)
}

func TestBatchNormBuffers(t *testing.T) {
	bn, _ := NewBatchNorm2D("stem.bn", 4)
	buffers := bn.Buffers()
	if len(buffers) != 2 {
		t.Fatalf("Expected 2 buffers, got %d", len(buffers))
	}
	if buffers[0].Name != "stem.bn.running_mean" {
		t.Errorf("Buffer name mismatch: got %s", buffers[0].Name)
	}
	if buffers[1].Name != "stem.bn.running_var" {
		t.Errorf("Buffer name mismatch: got %s", buffers[1].Name)
	}
}

func TestBatchNormBackwardRequiresTrainingForward(t *testing.T) {
	bn, _ := NewBatchNorm2D("bn", 1)
	x, _ := tensor.Zeros(1, 1, 2, 2)
	if _, err := bn.Forward(x, false); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	g, _ := tensor.Zeros(1, 1, 2, 2)
	if _, err := bn.Backward(g); err == nil {
		t.Error("Expected error for backward after eval forward")
	}
}
