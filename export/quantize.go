package export

// Per-tensor symmetric int8 quantization: q = round(x / scale) with
// scale = maxAbs / 127 and zero point 0. Weights only; activations stay
// float32, which keeps the exported graphs simple while still shrinking
// the artifact roughly 4x.

// quantizeTensor returns the int8 values and the scale. An all-zero
// tensor quantizes with scale 1 so dequantization is exact.
func quantizeTensor(data []float32) ([]int8, float32) {
	var maxAbs float32
	for _, v := range data {
		a := v
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}
	q := make([]int8, len(data))
	for i, v := range data {
		r := v / scale
		if r >= 0 {
			r += 0.5
		} else {
			r -= 0.5
		}
		switch {
		case r > 127:
			q[i] = 127
		case r < -127:
			q[i] = -127
		default:
			q[i] = int8(r)
		}
	}
	return q, scale
}

// dequantizeTensor reverses quantizeTensor.
func dequantizeTensor(q []int8, scale float32) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v) * scale
	}
	return out
}
