package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns the elementwise sum of two tensors.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("add failed: %w", err)
	}
	result := t1.Clone()
	for i, v := range t2.Data {
		result.Data[i] += v
	}
	return result, nil
}

// Sub returns the elementwise difference t1 - t2.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("sub failed: %w", err)
	}
	result := t1.Clone()
	for i, v := range t2.Data {
		result.Data[i] -= v
	}
	return result, nil
}

// Mul returns the elementwise product of two tensors.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("mul failed: %w", err)
	}
	result := t1.Clone()
	for i, v := range t2.Data {
		result.Data[i] *= v
	}
	return result, nil
}

// AddInPlace accumulates t2 into t1.
func AddInPlace(t1, t2 *Tensor) error {
	if err := checkCompatibility(t1, t2); err != nil {
		return fmt.Errorf("add failed: %w", err)
	}
	for i, v := range t2.Data {
		t1.Data[i] += v
	}
	return nil
}

// AddScaledInPlace accumulates alpha*t2 into t1.
func AddScaledInPlace(t1, t2 *Tensor, alpha float32) error {
	if err := checkCompatibility(t1, t2); err != nil {
		return fmt.Errorf("add scaled failed: %w", err)
	}
	for i, v := range t2.Data {
		t1.Data[i] += alpha * v
	}
	return nil
}

// Scale multiplies every element by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.Data {
		t.Data[i] *= alpha
	}
}

// MatMul computes the matrix product of two 2D tensors.
// t1 is [m, k], t2 is [k, n], result is [m, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.Dim() != 2 || t2.Dim() != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %dD and %dD", t1.Dim(), t2.Dim())
	}
	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("matmul dimension mismatch: [%d, %d] x [%d, %d]", m, k, k2, n)
	}

	result, err := Zeros(m, n)
	if err != nil {
		return nil, err
	}
	a, b, out := t1.Data, t2.Data, result.Data
	// i-k-j loop order keeps the inner loop sequential over both b and out.
	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			av := a[i*k+kk]
			if av == 0 {
				continue
			}
			bRow := b[kk*n : kk*n+n]
			outRow := out[i*n : i*n+n]
			for j := range bRow {
				outRow[j] += av * bRow[j]
			}
		}
	}
	return result, nil
}

// Transpose2D returns the transpose of a 2D tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if t.Dim() != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %dD", t.Dim())
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros(cols, rows)
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	return sum
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float32 {
	if t.NumElems == 0 {
		return 0
	}
	return t.Sum() / float32(t.NumElems)
}

// MaxAbs returns the largest absolute element value.
func (t *Tensor) MaxAbs() float32 {
	var max float32
	for _, v := range t.Data {
		a := float32(math.Abs(float64(v)))
		if a > max {
			max = a
		}
	}
	return max
}

// HasNonFinite reports whether any element is NaN or infinite. The training
// loop uses this for loss-scale overflow detection.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ArgMaxRow returns the index of the largest value in row r of a 2D tensor.
func (t *Tensor) ArgMaxRow(r int) (int, error) {
	if t.Dim() != 2 {
		return 0, fmt.Errorf("argmax requires a 2D tensor, got %dD", t.Dim())
	}
	if r < 0 || r >= t.Shape[0] {
		return 0, fmt.Errorf("row %d out of bounds for %d rows", r, t.Shape[0])
	}
	cols := t.Shape[1]
	row := t.Data[r*cols : (r+1)*cols]
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best, nil
}

// MaxAbsDiff returns the largest absolute elementwise difference between two
// tensors of identical shape. Export equivalence checks compare outputs with
// this value against a tolerance.
func MaxAbsDiff(t1, t2 *Tensor) (float32, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return 0, fmt.Errorf("diff failed: %w", err)
	}
	var max float32
	for i, v := range t1.Data {
		d := float32(math.Abs(float64(v - t2.Data[i])))
		if d > max {
			max = d
		}
	}
	return max, nil
}
