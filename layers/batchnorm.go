package layers

import (
	"fmt"
	"math"

	"github.com/accessvision/tilenet/tensor"
)

// NamedBuffer is non-trainable layer state that still belongs in
// checkpoints and exported artifacts, like batch norm running statistics.
type NamedBuffer struct {
	Name string
	Data *tensor.Tensor
}

// BufferProvider is implemented by layers that carry named buffers.
type BufferProvider interface {
	Buffers() []*NamedBuffer
}

// Composite is implemented by block layers that wrap other layers, so
// checkpoint extraction and export can walk the full graph.
type Composite interface {
	Sublayers() []Layer
}

// BatchNorm2D normalizes each channel over the batch and spatial
// dimensions. Training mode normalizes with batch statistics and updates
// the running estimates; eval mode normalizes with the running estimates.
type BatchNorm2D struct {
	name     string
	Channels int
	Momentum float32
	Epsilon  float32

	Gamma *Parameter // scale, saved as "<name>.weight"
	Beta  *Parameter // shift, saved as "<name>.bias"

	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor

	input  *tensor.Tensor
	xhat   *tensor.Tensor
	invStd []float32
}

func NewBatchNorm2D(name string, channels int) (*BatchNorm2D, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d for batchnorm %s", channels, name)
	}
	gamma, err := NewParameter(name+".weight", channels)
	if err != nil {
		return nil, err
	}
	gamma.Data.Fill(1.0)
	beta, err := NewParameter(name+".bias", channels)
	if err != nil {
		return nil, err
	}
	runningMean, err := tensor.Zeros(channels)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Full(1.0, channels)
	if err != nil {
		return nil, err
	}
	return &BatchNorm2D{
		name:        name,
		Channels:    channels,
		Momentum:    0.1,
		Epsilon:     1e-5,
		Gamma:       gamma,
		Beta:        beta,
		RunningMean: runningMean,
		RunningVar:  runningVar,
	}, nil
}

func (bn *BatchNorm2D) Type() LayerType          { return BatchNorm2DLayer }
func (bn *BatchNorm2D) Name() string             { return bn.name }
func (bn *BatchNorm2D) Parameters() []*Parameter { return []*Parameter{bn.Gamma, bn.Beta} }

func (bn *BatchNorm2D) Buffers() []*NamedBuffer {
	return []*NamedBuffer{
		{Name: bn.name + ".running_mean", Data: bn.RunningMean},
		{Name: bn.name + ".running_var", Data: bn.RunningVar},
	}
}

func (bn *BatchNorm2D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != bn.Channels {
		return nil, fmt.Errorf("batchnorm %s expects [N, %d, H, W] input, got %v", bn.name, bn.Channels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	plane := h * w
	m := n * plane

	out, err := tensor.Zeros(x.Shape...)
	if err != nil {
		return nil, err
	}

	if !training {
		for c := 0; c < bn.Channels; c++ {
			mean := bn.RunningMean.Data[c]
			invStd := float32(1.0 / math.Sqrt(float64(bn.RunningVar.Data[c]+bn.Epsilon)))
			g, b := bn.Gamma.Data.Data[c], bn.Beta.Data.Data[c]
			for i := 0; i < n; i++ {
				base := (i*bn.Channels + c) * plane
				for j := 0; j < plane; j++ {
					out.Data[base+j] = g*(x.Data[base+j]-mean)*invStd + b
				}
			}
		}
		bn.input, bn.xhat, bn.invStd = nil, nil, nil
		return out, nil
	}

	xhat, err := tensor.Zeros(x.Shape...)
	if err != nil {
		return nil, err
	}
	invStds := make([]float32, bn.Channels)

	for c := 0; c < bn.Channels; c++ {
		var sum float32
		for i := 0; i < n; i++ {
			base := (i*bn.Channels + c) * plane
			for j := 0; j < plane; j++ {
				sum += x.Data[base+j]
			}
		}
		mean := sum / float32(m)

		var sqSum float32
		for i := 0; i < n; i++ {
			base := (i*bn.Channels + c) * plane
			for j := 0; j < plane; j++ {
				d := x.Data[base+j] - mean
				sqSum += d * d
			}
		}
		variance := sqSum / float32(m)
		invStd := float32(1.0 / math.Sqrt(float64(variance+bn.Epsilon)))
		invStds[c] = invStd

		// running estimates use the unbiased variance
		unbiased := variance
		if m > 1 {
			unbiased = sqSum / float32(m-1)
		}
		bn.RunningMean.Data[c] = (1-bn.Momentum)*bn.RunningMean.Data[c] + bn.Momentum*mean
		bn.RunningVar.Data[c] = (1-bn.Momentum)*bn.RunningVar.Data[c] + bn.Momentum*unbiased

		g, b := bn.Gamma.Data.Data[c], bn.Beta.Data.Data[c]
		for i := 0; i < n; i++ {
			base := (i*bn.Channels + c) * plane
			for j := 0; j < plane; j++ {
				xh := (x.Data[base+j] - mean) * invStd
				xhat.Data[base+j] = xh
				out.Data[base+j] = g*xh + b
			}
		}
	}

	bn.input = x
	bn.xhat = xhat
	bn.invStd = invStds
	return out, nil
}

func (bn *BatchNorm2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("batchnorm %s backward called without a training forward", bn.name)
	}
	n, h, w := grad.Shape[0], grad.Shape[2], grad.Shape[3]
	plane := h * w
	m := float32(n * plane)

	dx, err := tensor.Zeros(grad.Shape...)
	if err != nil {
		return nil, err
	}

	for c := 0; c < bn.Channels; c++ {
		var sumDy, sumDyXhat float32
		for i := 0; i < n; i++ {
			base := (i*bn.Channels + c) * plane
			for j := 0; j < plane; j++ {
				dy := grad.Data[base+j]
				sumDy += dy
				sumDyXhat += dy * bn.xhat.Data[base+j]
			}
		}
		bn.Beta.Grad.Data[c] += sumDy
		bn.Gamma.Grad.Data[c] += sumDyXhat

		scale := bn.Gamma.Data.Data[c] * bn.invStd[c] / m
		for i := 0; i < n; i++ {
			base := (i*bn.Channels + c) * plane
			for j := 0; j < plane; j++ {
				dy := grad.Data[base+j]
				dx.Data[base+j] = scale * (m*dy - sumDy - bn.xhat.Data[base+j]*sumDyXhat)
			}
		}
	}
	return dx, nil
}
