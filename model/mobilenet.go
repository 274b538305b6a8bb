package model

import (
	"fmt"

	"github.com/accessvision/tilenet/layers"
)

// mobilenetSetting is one bottleneck stage: expansion ratio, output
// channels, block repeat count, first-block stride.
type mobilenetSetting struct {
	expand  int
	out     int
	repeats int
	stride  int
}

var mobilenetSettings = []mobilenetSetting{
	{1, 16, 1, 1},
	{6, 24, 2, 2},
	{6, 32, 3, 2},
	{6, 64, 4, 2},
	{6, 96, 3, 1},
	{6, 160, 3, 2},
	{6, 320, 1, 1},
}

// buildMobileNetV2 assembles the mobile-optimized backbone: a strided
// stem, seven inverted-residual stages, and a 1x1 feature head into the
// classifier. Freezable groups are the stem, each stage, and the feature
// head.
func buildMobileNetV2(numClasses, inputSize int, seed int64, init *initializer) (*Model, error) {
	stemConv, err := layers.NewConv2D("stem.conv", 3, 32, 3, 2, 1, false)
	if err != nil {
		return nil, err
	}
	stemBN, err := layers.NewBatchNorm2D("stem.bn", 32)
	if err != nil {
		return nil, err
	}
	stem := []layers.Layer{stemConv, stemBN, layers.NewReLU6("stem.act")}

	seq := append([]layers.Layer(nil), stem...)
	groups := []ParamGroup{{Name: "stem", Params: paramsOf(stem)}}

	inChannels := 32
	for s, setting := range mobilenetSettings {
		var stageLayers []layers.Layer
		for i := 0; i < setting.repeats; i++ {
			stride := 1
			if i == 0 {
				stride = setting.stride
			}
			block, err := NewInvertedResidual(fmt.Sprintf("stage%d.%d", s+1, i),
				inChannels, setting.out, stride, setting.expand)
			if err != nil {
				return nil, err
			}
			stageLayers = append(stageLayers, block)
			inChannels = setting.out
		}
		seq = append(seq, stageLayers...)
		groups = append(groups, ParamGroup{
			Name:   fmt.Sprintf("stage%d", s+1),
			Params: paramsOf(stageLayers),
		})
	}

	headConv, err := layers.NewConv2D("features.conv", inChannels, 1280, 1, 1, 0, false)
	if err != nil {
		return nil, err
	}
	headBN, err := layers.NewBatchNorm2D("features.bn", 1280)
	if err != nil {
		return nil, err
	}
	features := []layers.Layer{headConv, headBN, layers.NewReLU6("features.act")}
	seq = append(seq, features...)
	groups = append(groups, ParamGroup{Name: "features", Params: paramsOf(features)})

	seq = append(seq, layers.NewGlobalAvgPool("avgpool"))

	dropout, err := layers.NewDropout("classifier.dropout", 0.2, seed)
	if err != nil {
		return nil, err
	}
	fc, err := layers.NewDense("classifier.fc", 1280, numClasses, true)
	if err != nil {
		return nil, err
	}
	seq = append(seq, dropout, fc)

	m := &Model{
		arch:       "mobilenet_v2",
		numClasses: numClasses,
		inputSize:  inputSize,
		layerSeq:   seq,
		groups:     groups,
		head:       ParamGroup{Name: "classifier", Params: fc.Parameters()},
	}
	for _, l := range m.layerSeq {
		init.initLayer(l)
	}
	return m, nil
}
