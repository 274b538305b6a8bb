package model

import (
	"math"
	"math/rand"

	"github.com/accessvision/tilenet/layers"
)

// initializer fills freshly constructed parameters from a single seeded
// source. Layers are initialized in construction order, so identical build
// configs produce identical weights.
type initializer struct {
	rng *rand.Rand
}

func newInitializer(seed int64) *initializer {
	return &initializer{rng: rand.New(rand.NewSource(seed))}
}

// normal draws from N(0, std^2) and fills the parameter.
func (in *initializer) normal(p *layers.Parameter, std float64) {
	for i := range p.Data.Data {
		p.Data.Data[i] = float32(in.rng.NormFloat64() * std)
	}
}

// kaimingConv applies He initialization for a conv weight of shape
// [out, in, k, k]: std = sqrt(2 / fanIn) with fanIn = in*k*k.
func (in *initializer) kaimingConv(p *layers.Parameter) {
	shape := p.Data.Shape
	fanIn := shape[1] * shape[2] * shape[3]
	in.normal(p, math.Sqrt(2.0/float64(fanIn)))
}

// kaimingDepthwise treats each channel's k*k filter as its own fan-in.
func (in *initializer) kaimingDepthwise(p *layers.Parameter) {
	shape := p.Data.Shape
	fanIn := shape[1] * shape[2]
	in.normal(p, math.Sqrt(2.0/float64(fanIn)))
}

// xavierDense applies Xavier uniform initialization for a dense weight of
// shape [in, out]: bound = sqrt(6 / (fanIn + fanOut)).
func (in *initializer) xavierDense(p *layers.Parameter) {
	shape := p.Data.Shape
	bound := math.Sqrt(6.0 / float64(shape[0]+shape[1]))
	for i := range p.Data.Data {
		p.Data.Data[i] = float32((in.rng.Float64()*2 - 1) * bound)
	}
}

// initLayer initializes one layer's weights by type. BatchNorm keeps its
// construction-time gamma=1 beta=0; bias parameters stay zero.
func (in *initializer) initLayer(l layers.Layer) {
	switch v := l.(type) {
	case *layers.Conv2D:
		in.kaimingConv(v.Weight)
	case *layers.DepthwiseConv2D:
		in.kaimingDepthwise(v.Weight)
	case *layers.Dense:
		in.xavierDense(v.Weight)
	}
	if composite, ok := l.(layers.Composite); ok {
		for _, sub := range composite.Sublayers() {
			in.initLayer(sub)
		}
	}
}
