package layers

import (
	"fmt"

	"github.com/accessvision/tilenet/tensor"
)

// ReLU applies max(0, x) elementwise.
type ReLU struct {
	name string
	mask []bool
}

func NewReLU(name string) *ReLU {
	return &ReLU{name: name}
}

func (r *ReLU) Type() LayerType          { return ReLULayer }
func (r *ReLU) Name() string             { return r.name }
func (r *ReLU) Parameters() []*Parameter { return nil }

func (r *ReLU) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	r.mask = make([]bool, len(out.Data))
	for i, v := range out.Data {
		if v > 0 {
			r.mask[i] = true
		} else {
			out.Data[i] = 0
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("relu %s backward called before forward", r.name)
	}
	if len(grad.Data) != len(r.mask) {
		return nil, fmt.Errorf("relu %s gradient size %d does not match forward size %d", r.name, len(grad.Data), len(r.mask))
	}
	dx := grad.Clone()
	for i := range dx.Data {
		if !r.mask[i] {
			dx.Data[i] = 0
		}
	}
	return dx, nil
}

// ReLU6 applies min(max(0, x), 6), the activation used by the mobile
// backbone. The gradient passes only where the input was strictly inside
// the (0, 6) band.
type ReLU6 struct {
	name string
	mask []bool
}

func NewReLU6(name string) *ReLU6 {
	return &ReLU6{name: name}
}

func (r *ReLU6) Type() LayerType          { return ReLU6Layer }
func (r *ReLU6) Name() string             { return r.name }
func (r *ReLU6) Parameters() []*Parameter { return nil }

func (r *ReLU6) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x.Clone()
	r.mask = make([]bool, len(out.Data))
	for i, v := range out.Data {
		switch {
		case v <= 0:
			out.Data[i] = 0
		case v >= 6:
			out.Data[i] = 6
		default:
			r.mask[i] = true
		}
	}
	return out, nil
}

func (r *ReLU6) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("relu6 %s backward called before forward", r.name)
	}
	if len(grad.Data) != len(r.mask) {
		return nil, fmt.Errorf("relu6 %s gradient size %d does not match forward size %d", r.name, len(grad.Data), len(r.mask))
	}
	dx := grad.Clone()
	for i := range dx.Data {
		if !r.mask[i] {
			dx.Data[i] = 0
		}
	}
	return dx, nil
}
