package model

import (
	"fmt"

	"github.com/accessvision/tilenet/layers"
)

// resnetStageChannels are the output widths of the four residual stages.
var resnetStageChannels = [4]int{64, 128, 256, 512}

// buildResNet assembles a residual network with the given blocks per
// stage: [2,2,2,2] for resnet18, [3,4,6,3] for resnet34. The freezable
// groups are the stem and the four stages, input to output.
func buildResNet(arch string, blocksPerStage [4]int, numClasses, inputSize int, init *initializer) (*Model, error) {
	conv1, err := layers.NewConv2D("conv1", 3, 64, 7, 2, 3, false)
	if err != nil {
		return nil, err
	}
	bn1, err := layers.NewBatchNorm2D("bn1", 64)
	if err != nil {
		return nil, err
	}
	maxpool, err := layers.NewMaxPool2D("maxpool", 3, 2, 1)
	if err != nil {
		return nil, err
	}
	stem := []layers.Layer{conv1, bn1, layers.NewReLU("relu"), maxpool}

	seq := append([]layers.Layer(nil), stem...)
	groups := []ParamGroup{{Name: "stem", Params: paramsOf(stem)}}

	inChannels := 64
	for stage := 0; stage < 4; stage++ {
		outChannels := resnetStageChannels[stage]
		stride := 2
		if stage == 0 {
			stride = 1 // resolution already reduced by the stem
		}
		var stageLayers []layers.Layer
		for i := 0; i < blocksPerStage[stage]; i++ {
			blockStride := 1
			if i == 0 {
				blockStride = stride
			}
			block, err := NewResidualBlock(fmt.Sprintf("layer%d.%d", stage+1, i), inChannels, outChannels, blockStride)
			if err != nil {
				return nil, err
			}
			stageLayers = append(stageLayers, block)
			inChannels = outChannels
		}
		seq = append(seq, stageLayers...)
		groups = append(groups, ParamGroup{
			Name:   fmt.Sprintf("layer%d", stage+1),
			Params: paramsOf(stageLayers),
		})
	}

	seq = append(seq, layers.NewGlobalAvgPool("avgpool"))

	fc, err := layers.NewDense("fc", 512, numClasses, true)
	if err != nil {
		return nil, err
	}
	seq = append(seq, fc)

	m := &Model{
		arch:       arch,
		numClasses: numClasses,
		inputSize:  inputSize,
		layerSeq:   seq,
		groups:     groups,
		head:       ParamGroup{Name: "fc", Params: fc.Parameters()},
	}
	for _, l := range m.layerSeq {
		init.initLayer(l)
	}
	return m, nil
}

// paramsOf gathers the parameters of a layer slice in order.
func paramsOf(seq []layers.Layer) []*layers.Parameter {
	var params []*layers.Parameter
	for _, l := range seq {
		params = append(params, collectParams(l)...)
	}
	return params
}
