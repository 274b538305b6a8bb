package model

import (
	"fmt"

	"github.com/accessvision/tilenet/layers"
	"github.com/accessvision/tilenet/tensor"
)

// forwardSeq runs x through a layer sequence.
func forwardSeq(seq []layers.Layer, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, l := range seq {
		out, err = l.Forward(out, training)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// backwardSeq propagates grad through a layer sequence in reverse.
func backwardSeq(seq []layers.Layer, grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(seq) - 1; i >= 0; i-- {
		grad, err = seq[i].Backward(grad)
		if err != nil {
			return nil, err
		}
	}
	return grad, nil
}

// collectParams gathers every parameter under a layer, descending into
// composite blocks, in deterministic construction order.
func collectParams(l layers.Layer) []*layers.Parameter {
	params := append([]*layers.Parameter(nil), l.Parameters()...)
	if composite, ok := l.(layers.Composite); ok {
		for _, sub := range composite.Sublayers() {
			params = append(params, collectParams(sub)...)
		}
	}
	return params
}

// ResidualBlock is the basic residual unit: two 3x3 conv+batchnorm stages
// with a skip connection, ReLU after the sum. When the block changes
// resolution or width, the skip path carries a 1x1 conv+batchnorm
// projection.
type ResidualBlock struct {
	name string
	main []layers.Layer
	down []layers.Layer // nil for identity skip
	act  *layers.ReLU
}

// NewResidualBlock builds a basic block mapping inChannels to outChannels
// with the given stride on the first conv.
func NewResidualBlock(name string, inChannels, outChannels, stride int) (*ResidualBlock, error) {
	conv1, err := layers.NewConv2D(name+".conv1", inChannels, outChannels, 3, stride, 1, false)
	if err != nil {
		return nil, err
	}
	bn1, err := layers.NewBatchNorm2D(name+".bn1", outChannels)
	if err != nil {
		return nil, err
	}
	conv2, err := layers.NewConv2D(name+".conv2", outChannels, outChannels, 3, 1, 1, false)
	if err != nil {
		return nil, err
	}
	bn2, err := layers.NewBatchNorm2D(name+".bn2", outChannels)
	if err != nil {
		return nil, err
	}
	b := &ResidualBlock{
		name: name,
		main: []layers.Layer{conv1, bn1, layers.NewReLU(name + ".relu1"), conv2, bn2},
		act:  layers.NewReLU(name + ".relu2"),
	}
	if stride != 1 || inChannels != outChannels {
		downConv, err := layers.NewConv2D(name+".downsample.0", inChannels, outChannels, 1, stride, 0, false)
		if err != nil {
			return nil, err
		}
		downBN, err := layers.NewBatchNorm2D(name+".downsample.1", outChannels)
		if err != nil {
			return nil, err
		}
		b.down = []layers.Layer{downConv, downBN}
	}
	return b, nil
}

func (b *ResidualBlock) Type() layers.LayerType          { return layers.ResidualBlockLayer }
func (b *ResidualBlock) Name() string                    { return b.name }
func (b *ResidualBlock) Parameters() []*layers.Parameter { return nil }

// MainPath returns the conv-bn-relu-conv-bn sequence, for export
// lowering.
func (b *ResidualBlock) MainPath() []layers.Layer { return b.main }

// DownPath returns the skip projection, or nil for an identity skip.
func (b *ResidualBlock) DownPath() []layers.Layer { return b.down }

// Sublayers exposes the block internals for graph walks; parameters live
// on the sublayers, never on the block itself.
func (b *ResidualBlock) Sublayers() []layers.Layer {
	seq := append([]layers.Layer(nil), b.main...)
	seq = append(seq, b.down...)
	return append(seq, b.act)
}

func (b *ResidualBlock) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	mainOut, err := forwardSeq(b.main, x, training)
	if err != nil {
		return nil, fmt.Errorf("block %s main path: %w", b.name, err)
	}
	skipOut := x
	if b.down != nil {
		skipOut, err = forwardSeq(b.down, x, training)
		if err != nil {
			return nil, fmt.Errorf("block %s skip path: %w", b.name, err)
		}
	}
	sum, err := tensor.Add(mainOut, skipOut)
	if err != nil {
		return nil, fmt.Errorf("block %s residual add: %w", b.name, err)
	}
	return b.act.Forward(sum, training)
}

func (b *ResidualBlock) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := b.act.Backward(grad)
	if err != nil {
		return nil, err
	}
	gMain, err := backwardSeq(b.main, g)
	if err != nil {
		return nil, fmt.Errorf("block %s main path backward: %w", b.name, err)
	}
	gSkip := g
	if b.down != nil {
		gSkip, err = backwardSeq(b.down, g)
		if err != nil {
			return nil, fmt.Errorf("block %s skip path backward: %w", b.name, err)
		}
	}
	return tensor.Add(gMain, gSkip)
}

// InvertedResidual is the mobile bottleneck unit: 1x1 expansion, 3x3
// depthwise, 1x1 linear projection, each followed by batchnorm, ReLU6
// after the first two. The identity skip applies only at stride 1 with
// matching channel counts.
type InvertedResidual struct {
	name    string
	seq     []layers.Layer
	useSkip bool
}

// NewInvertedResidual builds a bottleneck mapping inChannels to
// outChannels with the given stride and expansion ratio.
func NewInvertedResidual(name string, inChannels, outChannels, stride, expand int) (*InvertedResidual, error) {
	hidden := inChannels * expand
	var seq []layers.Layer

	if expand != 1 {
		expandConv, err := layers.NewConv2D(name+".expand", inChannels, hidden, 1, 1, 0, false)
		if err != nil {
			return nil, err
		}
		expandBN, err := layers.NewBatchNorm2D(name+".expand_bn", hidden)
		if err != nil {
			return nil, err
		}
		seq = append(seq, expandConv, expandBN, layers.NewReLU6(name+".expand_act"))
	}

	dw, err := layers.NewDepthwiseConv2D(name+".depthwise", hidden, 3, stride, 1)
	if err != nil {
		return nil, err
	}
	dwBN, err := layers.NewBatchNorm2D(name+".depthwise_bn", hidden)
	if err != nil {
		return nil, err
	}
	project, err := layers.NewConv2D(name+".project", hidden, outChannels, 1, 1, 0, false)
	if err != nil {
		return nil, err
	}
	projectBN, err := layers.NewBatchNorm2D(name+".project_bn", outChannels)
	if err != nil {
		return nil, err
	}
	seq = append(seq, dw, dwBN, layers.NewReLU6(name+".depthwise_act"), project, projectBN)

	return &InvertedResidual{
		name:    name,
		seq:     seq,
		useSkip: stride == 1 && inChannels == outChannels,
	}, nil
}

func (b *InvertedResidual) Type() layers.LayerType          { return layers.InvertedResidualLayer }
func (b *InvertedResidual) Name() string                    { return b.name }
func (b *InvertedResidual) Parameters() []*layers.Parameter { return nil }
func (b *InvertedResidual) Sublayers() []layers.Layer       { return b.seq }

func (b *InvertedResidual) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out, err := forwardSeq(b.seq, x, training)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", b.name, err)
	}
	if b.useSkip {
		return tensor.Add(out, x)
	}
	return out, nil
}

func (b *InvertedResidual) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := backwardSeq(b.seq, grad)
	if err != nil {
		return nil, fmt.Errorf("block %s backward: %w", b.name, err)
	}
	if b.useSkip {
		return tensor.Add(g, grad)
	}
	return g, nil
}
