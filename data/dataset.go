// Package data provides the tile datasets the pipeline trains on and the
// batching loaders that feed the training loop. Record order is always
// deterministic: the splitter derives its partition from a seed, and the
// training loader derives each epoch's shuffle from the base seed and the
// epoch index so interrupted and uninterrupted runs see identical batches.
package data

import (
	"fmt"

	"github.com/accessvision/tilenet/tensor"
)

// Dataset is a random-access collection of labeled tiles. Get returns the
// tile as a [C, H, W] float32 tensor and its class index.
type Dataset interface {
	Len() int
	Get(index int) (*tensor.Tensor, int, error)
}

// ClassNamer is implemented by datasets that know their class labels.
type ClassNamer interface {
	ClassNames() []string
}

// Subset is a stable-ordered view of a parent dataset through an index
// list. The splitter produces three of these.
type Subset struct {
	parent  Dataset
	indices []int
}

// NewSubset creates a view over parent restricted to indices.
func NewSubset(parent Dataset, indices []int) *Subset {
	return &Subset{parent: parent, indices: indices}
}

func (s *Subset) Len() int { return len(s.indices) }

// Indices returns the parent indices backing the view.
func (s *Subset) Indices() []int { return s.indices }

func (s *Subset) Get(index int) (*tensor.Tensor, int, error) {
	if index < 0 || index >= len(s.indices) {
		return nil, 0, fmt.Errorf("subset index %d out of range [0, %d)", index, len(s.indices))
	}
	return s.parent.Get(s.indices[index])
}

// ClassNames forwards to the parent when it knows its labels.
func (s *Subset) ClassNames() []string {
	if cn, ok := s.parent.(ClassNamer); ok {
		return cn.ClassNames()
	}
	return nil
}
