package tensor

import (
	"math"
	"testing"
)

func TestFloat16RoundTripExactValues(t *testing.T) {
	// Values exactly representable in half precision survive unchanged.
	values := []float32{0, 1, -1, 0.5, 2, 1024, -0.25, 65504}
	for _, v := range values {
		got := Float16BitsToFloat32(Float32ToFloat16Bits(v))
		if got != v {
			t.Errorf("Round trip mismatch for %f: got %f", v, got)
		}
	}
}

func TestFloat16Overflow(t *testing.T) {
	// Values beyond the half-precision range become infinities.
	got := Float16BitsToFloat32(Float32ToFloat16Bits(1e6))
	if !math.IsInf(float64(got), 1) {
		t.Errorf("Expected +Inf for 1e6, got %f", got)
	}

	got = Float16BitsToFloat32(Float32ToFloat16Bits(-1e6))
	if !math.IsInf(float64(got), -1) {
		t.Errorf("Expected -Inf for -1e6, got %f", got)
	}
}

func TestFloat16NaN(t *testing.T) {
	got := Float16BitsToFloat32(Float32ToFloat16Bits(float32(math.NaN())))
	if !math.IsNaN(float64(got)) {
		t.Errorf("Expected NaN, got %f", got)
	}
}

func TestFloat16Subnormal(t *testing.T) {
	// 2^-15 is below the normal half range but representable as subnormal.
	v := float32(math.Ldexp(1, -15))
	got := Float16BitsToFloat32(Float32ToFloat16Bits(v))
	if got != v {
		t.Errorf("Subnormal round trip mismatch: expected %g, got %g", v, got)
	}

	// Values below half the smallest subnormal flush to zero.
	tiny := float32(math.Ldexp(1, -26))
	got = Float16BitsToFloat32(Float32ToFloat16Bits(tiny))
	if got != 0 {
		t.Errorf("Expected underflow to zero for %g, got %g", tiny, got)
	}
}

func TestFloat16RoundingError(t *testing.T) {
	// Half precision has 11 significand bits, so the relative rounding
	// error stays below 2^-11.
	values := []float32{0.1, 3.14159, 123.456, 0.001234}
	for _, v := range values {
		got := Float16BitsToFloat32(Float32ToFloat16Bits(v))
		rel := math.Abs(float64(got-v)) / math.Abs(float64(v))
		if rel > 1.0/2048 {
			t.Errorf("Rounding error too large for %f: got %f (rel %e)", v, got, rel)
		}
	}
}

func TestRoundTripFloat16Tensor(t *testing.T) {
	tensor, _ := NewTensor([]int{3}, []float32{1.0, 1e6, 0.1})
	tensor.RoundTripFloat16()

	if tensor.Data[0] != 1.0 {
		t.Errorf("Exact value changed: got %f", tensor.Data[0])
	}
	if !math.IsInf(float64(tensor.Data[1]), 1) {
		t.Errorf("Expected overflow to Inf, got %f", tensor.Data[1])
	}
	if !tensor.HasNonFinite() {
		t.Error("Overflowed tensor should report non-finite values")
	}
}
