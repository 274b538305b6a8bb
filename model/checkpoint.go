package model

import (
	"fmt"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/errors"
)

// Snapshot encodes every model tensor for a checkpoint, parameters and
// buffers alike, in deterministic order.
func Snapshot(m *Model) []checkpoints.WeightTensor {
	named := m.NamedTensors()
	weights := make([]checkpoints.WeightTensor, 0, len(named))
	for _, nt := range named {
		weights = append(weights, checkpoints.NewWeightTensor(nt.Name, nt.Data))
	}
	return weights
}

// FromCheckpoint rebuilds the model a checkpoint was saved from and loads
// its weights. The rebuilt model starts in evaluation mode.
func FromCheckpoint(ckpt *checkpoints.Checkpoint) (*Model, error) {
	m, err := Build(ckpt.Arch, false, 0,
		WithNumClasses(ckpt.NumClasses),
		WithInputSize(ckpt.InputSize),
		WithSeed(ckpt.Seed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s from checkpoint: %w", ckpt.Arch, err)
	}
	weights, err := ckpt.WeightMap()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointCorrupt, "decode checkpoint weights").
			WithArtifact(ckpt.Metadata.RunID).
			WithHint("the checkpoint file is damaged; restore an earlier epoch")
	}
	if err := m.LoadNamedTensors(weights); err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointCorrupt, "checkpoint weights do not match the architecture").
			WithArtifact(ckpt.Metadata.RunID).
			WithHint("the checkpoint was written by a different model revision")
	}
	m.Eval()
	return m, nil
}
