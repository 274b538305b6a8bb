// Package optimizer implements the gradient-descent optimizers the
// training loop steps. Optimizers update trainable parameters only;
// frozen parameters keep accumulating gradients but are never touched by
// Step. Each optimizer exposes its full mutable state as named tensors so
// checkpoints can restore it exactly.
package optimizer

import (
	"fmt"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/layers"
	"github.com/accessvision/tilenet/tensor"
)

// Optimizer is the update rule driven by the training loop.
type Optimizer interface {
	// Step applies one update from the currently accumulated gradients.
	Step() error
	// ZeroGrad clears the accumulated gradients of every parameter.
	ZeroGrad()
	// LR returns the current learning rate.
	LR() float64
	// SetLR overrides the learning rate; the scheduler calls this after
	// every boundary step.
	SetLR(lr float64)
	// Name identifies the optimizer kind in checkpoints and logs.
	Name() string
	// State snapshots the optimizer for checkpointing.
	State() (*checkpoints.OptimizerState, error)
	// LoadState restores a snapshot produced by State.
	LoadState(state *checkpoints.OptimizerState) error
}

// New builds the optimizer named by kind over the given parameters.
func New(kind string, params []*layers.Parameter, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch kind {
	case "sgd":
		return NewSGD(params, lr, momentum, weightDecay), nil
	case "adamw":
		return NewAdamW(params, lr, 0.9, 0.999, 1e-8, weightDecay), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q (supported: sgd, adamw)", kind)
	}
}

// stateTensor encodes one optimizer state buffer under a stable name.
func stateTensor(paramName, suffix string, data []float32, shape []int) (checkpoints.WeightTensor, error) {
	t, err := tensor.NewTensor(shape, data)
	if err != nil {
		return checkpoints.WeightTensor{}, err
	}
	return checkpoints.NewWeightTensor(paramName+"."+suffix, t), nil
}

// stateMap indexes decoded state tensors by name.
func stateMap(state *checkpoints.OptimizerState) (map[string][]float32, error) {
	m := make(map[string][]float32, len(state.State))
	for i := range state.State {
		data, err := state.State[i].Floats()
		if err != nil {
			return nil, fmt.Errorf("failed to decode optimizer state %q: %w", state.State[i].Name, err)
		}
		m[state.State[i].Name] = data
	}
	return m, nil
}
