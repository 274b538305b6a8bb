// Package model builds the classifier networks the training pipeline
// consumes. A Model owns an ordered layer graph, its freezable parameter
// groups, and the train/eval mode flag. Backbones come from the closed
// registry in registry.go; there is no dynamic registration.
package model

import (
	"fmt"

	"github.com/accessvision/tilenet/layers"
	"github.com/accessvision/tilenet/tensor"
)

// NamedTensor pairs a canonical tensor name with its data. Checkpoints,
// pretrained weight files and exported artifacts all use these names.
type NamedTensor struct {
	Name string
	Data *tensor.Tensor
}

// ParamGroup is one freezable span of parameters, ordered from input to
// output. The freeze depth in the build config selects a prefix of these.
type ParamGroup struct {
	Name   string
	Params []*layers.Parameter
}

// Model is a compiled classifier: a layer sequence, its parameter groups
// and the classification head.
type Model struct {
	arch       string
	numClasses int
	inputSize  int

	layerSeq []layers.Layer
	groups   []ParamGroup
	head     ParamGroup

	training bool
}

// Arch returns the backbone tag the model was built from.
func (m *Model) Arch() string { return m.arch }

// NumClasses returns the classifier output width.
func (m *Model) NumClasses() int { return m.numClasses }

// InputSize returns the square input resolution the model was built for.
// Probe inputs and benchmark inputs use this size.
func (m *Model) InputSize() int { return m.inputSize }

// Layers returns the top-level layer sequence, blocks included.
func (m *Model) Layers() []layers.Layer { return m.layerSeq }

// Train switches the model to training mode.
func (m *Model) Train() { m.training = true }

// Eval switches the model to evaluation mode.
func (m *Model) Eval() { m.training = false }

// IsTraining returns whether the model is in training mode.
func (m *Model) IsTraining() bool { return m.training }

// Forward runs the full network and returns class logits [N, classes].
func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, layer := range m.layerSeq {
		out, err = layer.Forward(out, m.training)
		if err != nil {
			return nil, fmt.Errorf("forward failed at %s: %w", layer.Name(), err)
		}
	}
	return out, nil
}

// Backward propagates the loss gradient through the network in reverse
// order, accumulating parameter gradients.
func (m *Model) Backward(grad *tensor.Tensor) error {
	var err error
	for i := len(m.layerSeq) - 1; i >= 0; i-- {
		grad, err = m.layerSeq[i].Backward(grad)
		if err != nil {
			return fmt.Errorf("backward failed at %s: %w", m.layerSeq[i].Name(), err)
		}
	}
	return nil
}

// Parameters returns every parameter in deterministic input-to-output
// order, frozen ones included.
func (m *Model) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range m.groups {
		params = append(params, g.Params...)
	}
	params = append(params, m.head.Params...)
	return params
}

// TrainableParameters returns the parameters the optimizer may update.
func (m *Model) TrainableParameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, p := range m.Parameters() {
		if !p.Frozen {
			params = append(params, p)
		}
	}
	return params
}

// ZeroGrad clears every accumulated gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// ParameterCount returns the total number of scalar parameters.
func (m *Model) ParameterCount() int64 {
	var count int64
	for _, p := range m.Parameters() {
		count += int64(p.Data.Numel())
	}
	return count
}

// TrainableParameterCount returns the number of scalar parameters the
// optimizer updates. Deterministic for identical build configs.
func (m *Model) TrainableParameterCount() int64 {
	var count int64
	for _, p := range m.TrainableParameters() {
		count += int64(p.Data.Numel())
	}
	return count
}

// FreezableGroupCount returns how many leading parameter groups a build
// may freeze. The classification head is never part of this count.
func (m *Model) FreezableGroupCount() int { return len(m.groups) }

// GroupNames returns the freezable group names in order, for logs.
func (m *Model) GroupNames() []string {
	names := make([]string, len(m.groups))
	for i, g := range m.groups {
		names[i] = g.Name
	}
	return names
}

// freezePrefix marks the first depth groups non-trainable.
func (m *Model) freezePrefix(depth int) {
	for i := 0; i < depth; i++ {
		for _, p := range m.groups[i].Params {
			p.Frozen = true
		}
	}
}

// walkLayers visits every layer depth-first, descending into composite
// blocks.
func walkLayers(seq []layers.Layer, visit func(layers.Layer)) {
	for _, layer := range seq {
		visit(layer)
		if composite, ok := layer.(layers.Composite); ok {
			walkLayers(composite.Sublayers(), visit)
		}
	}
}

// NamedTensors returns every parameter and buffer tensor with its
// canonical name, in deterministic order. This is the serialization
// surface for checkpoints, pretrained weights and exports.
func (m *Model) NamedTensors() []NamedTensor {
	var tensors []NamedTensor
	walkLayers(m.layerSeq, func(l layers.Layer) {
		for _, p := range l.Parameters() {
			tensors = append(tensors, NamedTensor{Name: p.Name, Data: p.Data})
		}
		if bp, ok := l.(layers.BufferProvider); ok {
			for _, b := range bp.Buffers() {
				tensors = append(tensors, NamedTensor{Name: b.Name, Data: b.Data})
			}
		}
	})
	return tensors
}

// LoadNamedTensors overwrites parameters and buffers from a name-to-data
// map. Every model tensor must be present with a matching element count;
// extra names in the map are ignored.
func (m *Model) LoadNamedTensors(weights map[string][]float32) error {
	for _, nt := range m.NamedTensors() {
		data, ok := weights[nt.Name]
		if !ok {
			return fmt.Errorf("missing tensor %q", nt.Name)
		}
		if len(data) != nt.Data.Numel() {
			return fmt.Errorf("tensor %q has %d elements, expected %d", nt.Name, len(data), nt.Data.Numel())
		}
		copy(nt.Data.Data, data)
	}
	return nil
}

// loadBackboneTensors is LoadNamedTensors restricted to non-head tensors,
// used by pretrained initialization so the head stays freshly initialized.
func (m *Model) loadBackboneTensors(weights map[string][]float32) error {
	headNames := make(map[string]bool)
	for _, p := range m.head.Params {
		headNames[p.Name] = true
	}
	for _, nt := range m.NamedTensors() {
		if headNames[nt.Name] {
			continue
		}
		data, ok := weights[nt.Name]
		if !ok {
			return fmt.Errorf("missing backbone tensor %q", nt.Name)
		}
		if len(data) != nt.Data.Numel() {
			return fmt.Errorf("backbone tensor %q has %d elements, expected %d", nt.Name, len(data), nt.Data.Numel())
		}
		copy(nt.Data.Data, data)
	}
	return nil
}

// ReseedDropout reseeds every dropout layer. The trainer calls this at
// each epoch boundary with an epoch-derived seed so interrupted and
// uninterrupted runs draw identical masks.
func (m *Model) ReseedDropout(seed int64) {
	walkLayers(m.layerSeq, func(l layers.Layer) {
		if d, ok := l.(*layers.Dropout); ok {
			d.Reseed(seed)
		}
	})
}
