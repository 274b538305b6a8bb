package tensor

import "math"

// Float16 conversion used by the mixed-precision path. Gradients are
// round-tripped through IEEE 754 half precision so that values beyond the
// half range (about 6.5e4) become infinities the overflow detector can see,
// matching the numeric behavior of a true reduced-precision backward pass.

// Float32ToFloat16Bits converts a float32 to IEEE 754 half-precision bits
// with round-to-nearest-even.
func Float32ToFloat16Bits(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff

	if (bits>>23)&0xff == 0xff {
		if mant != 0 {
			return sign | 0x7e00 // NaN
		}
		return sign | 0x7c00 // Inf
	}
	if exp >= 0x1f {
		return sign | 0x7c00 // overflow to Inf
	}
	if exp <= 0 {
		if exp < -10 {
			return sign // underflow to zero
		}
		// subnormal half: shift the 24-bit significand into place
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint32(1) << (shift - 1)
		m := mant >> shift
		if mant&half != 0 && (mant&(half-1) != 0 || m&1 != 0) {
			m++
		}
		return sign | uint16(m)
	}

	m := mant >> 13
	if mant&0x1000 != 0 && (mant&0xfff != 0 || m&1 != 0) {
		m++
		if m == 0x400 {
			m = 0
			exp++
			if exp >= 0x1f {
				return sign | 0x7c00
			}
		}
	}
	return sign | uint16(exp)<<10 | uint16(m)
}

// Float16BitsToFloat32 converts IEEE 754 half-precision bits to float32.
func Float16BitsToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal half: normalize into a float32
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		if mant == 0 {
			return math.Float32frombits(sign | 0x7f800000)
		}
		return math.Float32frombits(sign | 0x7fc00000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// RoundTripFloat16 quantizes every element through half precision in place.
func (t *Tensor) RoundTripFloat16() {
	for i, v := range t.Data {
		t.Data[i] = Float16BitsToFloat32(Float32ToFloat16Bits(v))
	}
}
