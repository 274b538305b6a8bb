package layers

import (
	"fmt"
	"math"

	"github.com/accessvision/tilenet/tensor"
)

// MaxPool2D takes the maximum over square windows. The backward pass routes
// each output gradient to the input position that won the forward max.
type MaxPool2D struct {
	name       string
	KernelSize int
	Stride     int
	Padding    int

	inputShape []int
	argmax     []int
}

func NewMaxPool2D(name string, kernelSize, stride, padding int) (*MaxPool2D, error) {
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid maxpool geometry for %s: kernel=%d stride=%d padding=%d", name, kernelSize, stride, padding)
	}
	return &MaxPool2D{name: name, KernelSize: kernelSize, Stride: stride, Padding: padding}, nil
}

func (p *MaxPool2D) Type() LayerType          { return MaxPool2DLayer }
func (p *MaxPool2D) Name() string             { return p.name }
func (p *MaxPool2D) Parameters() []*Parameter { return nil }

func (p *MaxPool2D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, fmt.Errorf("maxpool %s expects 4D input, got %v", p.name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k, s, pad := p.KernelSize, p.Stride, p.Padding
	outH := convOutputSize(h, k, s, pad)
	outW := convOutputSize(w, k, s, pad)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool %s output would be empty for input %v", p.name, x.Shape)
	}

	out, err := tensor.Zeros(n, c, outH, outW)
	if err != nil {
		return nil, err
	}
	p.inputShape = x.Size()
	p.argmax = make([]int, out.NumElems)

	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(i*c+ch)*h*w:]
			dstBase := (i*c + ch) * outH * outW
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for ky := 0; ky < k; ky++ {
						iy := oy*s + ky - pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*s + kx - pad
							if ix < 0 || ix >= w {
								continue
							}
							if v := src[iy*w+ix]; v > best {
								best = v
								bestIdx = (i*c+ch)*h*w + iy*w + ix
							}
						}
					}
					oi := dstBase + oy*outW + ox
					out.Data[oi] = best
					p.argmax[oi] = bestIdx
				}
			}
		}
	}
	return out, nil
}

func (p *MaxPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, fmt.Errorf("maxpool %s backward called before forward", p.name)
	}
	if len(grad.Data) != len(p.argmax) {
		return nil, fmt.Errorf("maxpool %s gradient size %d does not match forward size %d", p.name, len(grad.Data), len(p.argmax))
	}
	dx, err := tensor.Zeros(p.inputShape...)
	if err != nil {
		return nil, err
	}
	for i, g := range grad.Data {
		if idx := p.argmax[i]; idx >= 0 {
			dx.Data[idx] += g
		}
	}
	return dx, nil
}

// GlobalAvgPool averages each channel over its spatial extent and emits a
// flat [N, C] tensor ready for the classification head.
type GlobalAvgPool struct {
	name       string
	inputShape []int
}

func NewGlobalAvgPool(name string) *GlobalAvgPool {
	return &GlobalAvgPool{name: name}
}

func (p *GlobalAvgPool) Type() LayerType          { return GlobalAvgPoolLayer }
func (p *GlobalAvgPool) Name() string             { return p.name }
func (p *GlobalAvgPool) Parameters() []*Parameter { return nil }

func (p *GlobalAvgPool) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, fmt.Errorf("global avgpool %s expects 4D input, got %v", p.name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	plane := h * w
	p.inputShape = x.Size()

	out, err := tensor.Zeros(n, c)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane]
			var sum float32
			for _, v := range src {
				sum += v
			}
			out.Data[i*c+ch] = sum / float32(plane)
		}
	}
	return out, nil
}

func (p *GlobalAvgPool) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inputShape == nil {
		return nil, fmt.Errorf("global avgpool %s backward called before forward", p.name)
	}
	n, c, h, w := p.inputShape[0], p.inputShape[1], p.inputShape[2], p.inputShape[3]
	plane := h * w

	dx, err := tensor.Zeros(p.inputShape...)
	if err != nil {
		return nil, err
	}
	inv := 1.0 / float32(plane)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			g := grad.Data[i*c+ch] * inv
			dst := dx.Data[(i*c+ch)*plane : (i*c+ch+1)*plane]
			for j := range dst {
				dst[j] = g
			}
		}
	}
	return dx, nil
}
