package layers

import (
	"fmt"

	"github.com/accessvision/tilenet/tensor"
)

// Dense is a fully connected layer computing y = x*W + b over [N, in]
// input. Weight layout [in, out] matches the checkpoint and export
// conventions, so no transpose happens at serialization boundaries.
type Dense struct {
	name        string
	InFeatures  int
	OutFeatures int

	Weight *Parameter // [in, out]
	Bias   *Parameter // [out], nil when the layer has no bias

	input *tensor.Tensor
}

func NewDense(name string, inFeatures, outFeatures int, useBias bool) (*Dense, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("invalid dense geometry for %s: in=%d out=%d", name, inFeatures, outFeatures)
	}
	weight, err := NewParameter(name+".weight", inFeatures, outFeatures)
	if err != nil {
		return nil, err
	}
	d := &Dense{
		name:        name,
		InFeatures:  inFeatures,
		OutFeatures: outFeatures,
		Weight:      weight,
	}
	if useBias {
		d.Bias, err = NewParameter(name+".bias", outFeatures)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dense) Type() LayerType { return DenseLayer }
func (d *Dense) Name() string    { return d.name }

func (d *Dense) Parameters() []*Parameter {
	if d.Bias == nil {
		return []*Parameter{d.Weight}
	}
	return []*Parameter{d.Weight, d.Bias}
}

func (d *Dense) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 2 || x.Shape[1] != d.InFeatures {
		return nil, fmt.Errorf("dense %s expects [N, %d] input, got %v", d.name, d.InFeatures, x.Shape)
	}
	d.input = x

	out, err := tensor.MatMul(x, d.Weight.Data)
	if err != nil {
		return nil, fmt.Errorf("dense %s forward failed: %w", d.name, err)
	}
	if d.Bias != nil {
		n := out.Shape[0]
		for i := 0; i < n; i++ {
			row := out.Data[i*d.OutFeatures : (i+1)*d.OutFeatures]
			for j := range row {
				row[j] += d.Bias.Data.Data[j]
			}
		}
	}
	return out, nil
}

func (d *Dense) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("dense %s backward called before forward", d.name)
	}

	// dW = x^T * dY
	xt, err := tensor.Transpose2D(d.input)
	if err != nil {
		return nil, err
	}
	dw, err := tensor.MatMul(xt, grad)
	if err != nil {
		return nil, fmt.Errorf("dense %s weight gradient failed: %w", d.name, err)
	}
	for i, v := range dw.Data {
		d.Weight.Grad.Data[i] += v
	}

	if d.Bias != nil {
		n := grad.Shape[0]
		for i := 0; i < n; i++ {
			row := grad.Data[i*d.OutFeatures : (i+1)*d.OutFeatures]
			for j, v := range row {
				d.Bias.Grad.Data[j] += v
			}
		}
	}

	// dX = dY * W^T
	wt, err := tensor.Transpose2D(d.Weight.Data)
	if err != nil {
		return nil, err
	}
	dx, err := tensor.MatMul(grad, wt)
	if err != nil {
		return nil, fmt.Errorf("dense %s input gradient failed: %w", d.name, err)
	}
	return dx, nil
}
