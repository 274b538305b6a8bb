// Package tensor implements the dense float32 tensor that the training,
// evaluation and export pipelines compute on. Tensors are CPU-resident,
// row-major, and carry explicit strides so views and reshapes never copy
// element data.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is an n-dimensional array of float32 values in row-major order.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

// validateShape checks that a shape is well-formed
func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d at index %d: dimensions must be positive", dim, i)
		}
	}
	return nil
}

// calculateStrides computes row-major strides for a shape
func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// calculateNumElements computes the total number of elements for a shape
func calculateNumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// NewTensor creates a tensor with the given shape. If data is nil a zeroed
// buffer is allocated; otherwise data length must match the shape exactly
// and the tensor takes ownership of the slice.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match shape %v (expected %d elements)", len(data), shape, numElems)
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape ...int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Ones creates a tensor filled with 1.0.
func Ones(shape ...int) (*Tensor, error) {
	return Full(1.0, shape...)
}

// Full creates a tensor filled with the given value.
func Full(value float32, shape ...int) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Reshape returns a view over the same data with a different shape. One
// dimension may be -1 and is inferred from the element count.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	known := 1
	inferIdx := -1
	for i, dim := range newShape {
		if dim == -1 {
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferIdx = i
		} else if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		} else {
			known *= dim
		}
	}

	shape := make([]int, len(newShape))
	copy(shape, newShape)
	if inferIdx >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension: %d elements not divisible by %d", t.NumElems, known)
		}
		shape[inferIdx] = t.NumElems / known
		known *= shape[inferIdx]
	}
	if known != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, shape)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// At returns the element at the given multi-dimensional indices.
func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

// SetAt stores a value at the given multi-dimensional indices.
func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.linearIndex(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) linearIndex(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, index := range indices {
		if index < 0 || index >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", index, i, t.Shape[i])
		}
		idx += index * t.Strides[i]
	}
	return idx, nil
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int {
	result := make([]int, len(t.Shape))
	copy(result, t.Shape)
	return result
}

// Numel returns the total element count.
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Zero overwrites every element with 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Fill overwrites every element with the given value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// CopyFrom overwrites this tensor's data with other's. Shapes must match.
func (t *Tensor) CopyFrom(other *Tensor) error {
	if !shapesEqual(t.Shape, other.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, other.Shape)
	}
	copy(t.Data, other.Data)
	return nil
}

// Equal reports whether two tensors have identical shapes and element data.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := 0; i < t.NumElems; i++ {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the shape and the first few elements, for logs and tests.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor(shape=%v)", t.Shape)
	maxElements := 8
	n := t.NumElems
	if n > maxElements {
		n = maxElements
	}
	sb.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", t.Data[i])
	}
	if t.NumElems > maxElements {
		fmt.Fprintf(&sb, ", ... (%d more)", t.NumElems-maxElements)
	}
	sb.WriteString("]")
	return sb.String()
}
