// Package layers implements the neural network layers the backbone
// architectures are built from. Every layer computes its forward pass and
// its exact backward pass on CPU float32 tensors; gradients accumulate into
// the layer's parameters so the training loop can sum several microbatches
// before an optimizer step.
package layers

import (
	"fmt"

	"github.com/accessvision/tilenet/tensor"
)

// LayerType identifies the kind of a layer.
type LayerType int

const (
	Conv2DLayer LayerType = iota
	DepthwiseConv2DLayer
	BatchNorm2DLayer
	ReLULayer
	ReLU6Layer
	MaxPool2DLayer
	GlobalAvgPoolLayer
	DenseLayer
	DropoutLayer
	ResidualBlockLayer
	InvertedResidualLayer
)

// String returns the string representation of the layer type.
func (lt LayerType) String() string {
	switch lt {
	case Conv2DLayer:
		return "Conv2D"
	case DepthwiseConv2DLayer:
		return "DepthwiseConv2D"
	case BatchNorm2DLayer:
		return "BatchNorm2D"
	case ReLULayer:
		return "ReLU"
	case ReLU6Layer:
		return "ReLU6"
	case MaxPool2DLayer:
		return "MaxPool2D"
	case GlobalAvgPoolLayer:
		return "GlobalAvgPool"
	case DenseLayer:
		return "Dense"
	case DropoutLayer:
		return "Dropout"
	case ResidualBlockLayer:
		return "ResidualBlock"
	case InvertedResidualLayer:
		return "InvertedResidual"
	default:
		return fmt.Sprintf("Unknown(%d)", int(lt))
	}
}

// Parameter is a trainable tensor with its accumulated gradient. Frozen
// parameters keep receiving gradients during backward but the optimizer
// skips their update step.
type Parameter struct {
	Name   string
	Data   *tensor.Tensor
	Grad   *tensor.Tensor
	Frozen bool
}

// NewParameter allocates a parameter and its zeroed gradient buffer.
func NewParameter(name string, shape ...int) (*Parameter, error) {
	data, err := tensor.Zeros(shape...)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate parameter %s: %w", name, err)
	}
	grad, err := tensor.Zeros(shape...)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate gradient for %s: %w", name, err)
	}
	return &Parameter{Name: name, Data: data, Grad: grad}, nil
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Layer is the interface all compute layers implement. Forward caches
// whatever the matching Backward needs; Backward consumes the cache from
// the most recent Forward, accumulates parameter gradients, and returns the
// gradient with respect to the layer input.
type Layer interface {
	Type() LayerType
	Name() string
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// ZeroGradients clears the gradients of every parameter in the list.
func ZeroGradients(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// convOutputSize computes one spatial output dimension of a convolution or
// pooling window.
func convOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}
