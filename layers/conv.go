package layers

import (
	"fmt"

	"github.com/accessvision/tilenet/tensor"
)

// Conv2D is a 2D convolution over [N, C, H, W] input with a square kernel.
// The forward pass lowers each sample to an im2col matrix so the convolution
// becomes a single matrix product; the backward pass recomputes the im2col
// matrix instead of caching it, trading time for memory.
type Conv2D struct {
	name        string
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	Weight *Parameter // [outC, inC, k, k]
	Bias   *Parameter // [outC], nil when the layer has no bias

	input *tensor.Tensor
}

// NewConv2D creates a convolution layer with zeroed weights. Initialization
// is the model factory's job so that parameter draws happen in one
// deterministic order.
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, useBias bool) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d geometry for %s: in=%d out=%d kernel=%d stride=%d padding=%d",
			name, inChannels, outChannels, kernelSize, stride, padding)
	}
	weight, err := NewParameter(name+".weight", outChannels, inChannels, kernelSize, kernelSize)
	if err != nil {
		return nil, err
	}
	c := &Conv2D{
		name:        name,
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		Weight:      weight,
	}
	if useBias {
		c.Bias, err = NewParameter(name+".bias", outChannels)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Conv2D) Type() LayerType { return Conv2DLayer }
func (c *Conv2D) Name() string    { return c.name }

func (c *Conv2D) Parameters() []*Parameter {
	if c.Bias == nil {
		return []*Parameter{c.Weight}
	}
	return []*Parameter{c.Weight, c.Bias}
}

func (c *Conv2D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv2d %s expects [N, %d, H, W] input, got %v", c.name, c.InChannels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH := convOutputSize(h, c.KernelSize, c.Stride, c.Padding)
	outW := convOutputSize(w, c.KernelSize, c.Stride, c.Padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d %s output would be empty for input %v", c.name, x.Shape)
	}
	c.input = x

	out, err := tensor.Zeros(n, c.OutChannels, outH, outW)
	if err != nil {
		return nil, err
	}

	k := c.KernelSize
	wmat, err := tensor.NewTensor([]int{c.OutChannels, c.InChannels * k * k}, c.Weight.Data.Data)
	if err != nil {
		return nil, err
	}

	sampleIn := c.InChannels * h * w
	sampleOut := c.OutChannels * outH * outW
	for i := 0; i < n; i++ {
		cols, err := im2col(x.Data[i*sampleIn:(i+1)*sampleIn], c.InChannels, h, w, k, c.Stride, c.Padding)
		if err != nil {
			return nil, err
		}
		y, err := tensor.MatMul(wmat, cols)
		if err != nil {
			return nil, fmt.Errorf("conv2d %s forward failed: %w", c.name, err)
		}
		dst := out.Data[i*sampleOut : (i+1)*sampleOut]
		copy(dst, y.Data)
		if c.Bias != nil {
			plane := outH * outW
			for oc := 0; oc < c.OutChannels; oc++ {
				b := c.Bias.Data.Data[oc]
				row := dst[oc*plane : (oc+1)*plane]
				for j := range row {
					row[j] += b
				}
			}
		}
	}
	return out, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv2d %s backward called before forward", c.name)
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH, outW := grad.Shape[2], grad.Shape[3]
	k := c.KernelSize

	dx, err := tensor.Zeros(x.Shape...)
	if err != nil {
		return nil, err
	}
	wmat, err := tensor.NewTensor([]int{c.OutChannels, c.InChannels * k * k}, c.Weight.Data.Data)
	if err != nil {
		return nil, err
	}
	wmatT, err := tensor.Transpose2D(wmat)
	if err != nil {
		return nil, err
	}

	plane := outH * outW
	sampleIn := c.InChannels * h * w
	sampleOut := c.OutChannels * plane
	for i := 0; i < n; i++ {
		dyMat, err := tensor.NewTensor([]int{c.OutChannels, plane}, grad.Data[i*sampleOut:(i+1)*sampleOut])
		if err != nil {
			return nil, err
		}
		cols, err := im2col(x.Data[i*sampleIn:(i+1)*sampleIn], c.InChannels, h, w, k, c.Stride, c.Padding)
		if err != nil {
			return nil, err
		}

		colsT, err := tensor.Transpose2D(cols)
		if err != nil {
			return nil, err
		}
		dw, err := tensor.MatMul(dyMat, colsT)
		if err != nil {
			return nil, fmt.Errorf("conv2d %s weight gradient failed: %w", c.name, err)
		}
		for j, v := range dw.Data {
			c.Weight.Grad.Data[j] += v
		}

		if c.Bias != nil {
			for oc := 0; oc < c.OutChannels; oc++ {
				var sum float32
				row := dyMat.Data[oc*plane : (oc+1)*plane]
				for _, v := range row {
					sum += v
				}
				c.Bias.Grad.Data[oc] += sum
			}
		}

		dcols, err := tensor.MatMul(wmatT, dyMat)
		if err != nil {
			return nil, fmt.Errorf("conv2d %s input gradient failed: %w", c.name, err)
		}
		col2im(dcols, dx.Data[i*sampleIn:(i+1)*sampleIn], c.InChannels, h, w, k, c.Stride, c.Padding)
	}
	return dx, nil
}

// im2col unfolds one [C, H, W] sample into a [C*k*k, outH*outW] matrix where
// each column holds the receptive field of one output position.
func im2col(src []float32, channels, h, w, k, stride, padding int) (*tensor.Tensor, error) {
	outH := convOutputSize(h, k, stride, padding)
	outW := convOutputSize(w, k, stride, padding)
	cols, err := tensor.Zeros(channels*k*k, outH*outW)
	if err != nil {
		return nil, err
	}
	for c := 0; c < channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (c*k+ky)*k + kx
				dst := cols.Data[row*outH*outW:]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride + ky - padding
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*stride + kx - padding
						if ix < 0 || ix >= w {
							continue
						}
						dst[oy*outW+ox] = src[(c*h+iy)*w+ix]
					}
				}
			}
		}
	}
	return cols, nil
}

// col2im folds a [C*k*k, outH*outW] gradient matrix back onto the input
// layout, accumulating overlapping windows.
func col2im(cols *tensor.Tensor, dst []float32, channels, h, w, k, stride, padding int) {
	outH := convOutputSize(h, k, stride, padding)
	outW := convOutputSize(w, k, stride, padding)
	for c := 0; c < channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := (c*k+ky)*k + kx
				src := cols.Data[row*outH*outW:]
				for oy := 0; oy < outH; oy++ {
					iy := oy*stride + ky - padding
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < outW; ox++ {
						ix := ox*stride + kx - padding
						if ix < 0 || ix >= w {
							continue
						}
						dst[(c*h+iy)*w+ix] += src[oy*outW+ox]
					}
				}
			}
		}
	}
}

// DepthwiseConv2D convolves each input channel with its own single-channel
// kernel, the mobile-backbone building block. Weight layout [C, 1, k, k]
// matches the grouped-convolution convention with groups == channels.
type DepthwiseConv2D struct {
	name       string
	Channels   int
	KernelSize int
	Stride     int
	Padding    int

	Weight *Parameter // [C, 1, k, k]

	input *tensor.Tensor
}

func NewDepthwiseConv2D(name string, channels, kernelSize, stride, padding int) (*DepthwiseConv2D, error) {
	if channels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid depthwise conv geometry for %s", name)
	}
	weight, err := NewParameter(name+".weight", channels, 1, kernelSize, kernelSize)
	if err != nil {
		return nil, err
	}
	return &DepthwiseConv2D{
		name:       name,
		Channels:   channels,
		KernelSize: kernelSize,
		Stride:     stride,
		Padding:    padding,
		Weight:     weight,
	}, nil
}

func (d *DepthwiseConv2D) Type() LayerType          { return DepthwiseConv2DLayer }
func (d *DepthwiseConv2D) Name() string             { return d.name }
func (d *DepthwiseConv2D) Parameters() []*Parameter { return []*Parameter{d.Weight} }

func (d *DepthwiseConv2D) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != d.Channels {
		return nil, fmt.Errorf("depthwise conv %s expects [N, %d, H, W] input, got %v", d.name, d.Channels, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	k, s, p := d.KernelSize, d.Stride, d.Padding
	outH := convOutputSize(h, k, s, p)
	outW := convOutputSize(w, k, s, p)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("depthwise conv %s output would be empty for input %v", d.name, x.Shape)
	}
	d.input = x

	out, err := tensor.Zeros(n, d.Channels, outH, outW)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for c := 0; c < d.Channels; c++ {
			src := x.Data[(i*d.Channels+c)*h*w:]
			kernel := d.Weight.Data.Data[c*k*k:]
			dst := out.Data[(i*d.Channels+c)*outH*outW:]
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var sum float32
					for ky := 0; ky < k; ky++ {
						iy := oy*s + ky - p
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*s + kx - p
							if ix < 0 || ix >= w {
								continue
							}
							sum += src[iy*w+ix] * kernel[ky*k+kx]
						}
					}
					dst[oy*outW+ox] = sum
				}
			}
		}
	}
	return out, nil
}

func (d *DepthwiseConv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("depthwise conv %s backward called before forward", d.name)
	}
	x := d.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	k, s, p := d.KernelSize, d.Stride, d.Padding
	outH, outW := grad.Shape[2], grad.Shape[3]

	dx, err := tensor.Zeros(x.Shape...)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		for c := 0; c < d.Channels; c++ {
			src := x.Data[(i*d.Channels+c)*h*w:]
			kernel := d.Weight.Data.Data[c*k*k:]
			kgrad := d.Weight.Grad.Data[c*k*k:]
			dy := grad.Data[(i*d.Channels+c)*outH*outW:]
			dsrc := dx.Data[(i*d.Channels+c)*h*w:]
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					g := dy[oy*outW+ox]
					if g == 0 {
						continue
					}
					for ky := 0; ky < k; ky++ {
						iy := oy*s + ky - p
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*s + kx - p
							if ix < 0 || ix >= w {
								continue
							}
							kgrad[ky*k+kx] += src[iy*w+ix] * g
							dsrc[iy*w+ix] += kernel[ky*k+kx] * g
						}
					}
				}
			}
		}
	}
	return dx, nil
}
