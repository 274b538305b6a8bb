package optimizer

import (
	"fmt"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/layers"
)

// SGD implements stochastic gradient descent with classical momentum and
// L2 weight decay.
type SGD struct {
	params      []*layers.Parameter
	lr          float64
	momentum    float64
	weightDecay float64

	velocities map[string][]float32
}

// NewSGD creates the optimizer. Momentum 0 disables the velocity term.
func NewSGD(params []*layers.Parameter, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocities:  make(map[string][]float32),
	}
}

func (s *SGD) Name() string      { return "sgd" }
func (s *SGD) LR() float64       { return s.lr }
func (s *SGD) SetLR(lr float64)  { s.lr = lr }

func (s *SGD) ZeroGrad() {
	layers.ZeroGradients(s.params)
}

// Step applies v = momentum*v + grad + wd*w; w -= lr*v to every
// trainable parameter.
func (s *SGD) Step() error {
	lr := float32(s.lr)
	mom := float32(s.momentum)
	wd := float32(s.weightDecay)
	for _, p := range s.params {
		if p.Frozen {
			continue
		}
		w := p.Data.Data
		g := p.Grad.Data
		if s.momentum == 0 {
			for i := range w {
				w[i] -= lr * (g[i] + wd*w[i])
			}
			continue
		}
		v, ok := s.velocities[p.Name]
		if !ok {
			v = make([]float32, len(w))
			s.velocities[p.Name] = v
		}
		for i := range w {
			v[i] = mom*v[i] + g[i] + wd*w[i]
			w[i] -= lr * v[i]
		}
	}
	return nil
}

// State snapshots the velocity buffers under "<param>.velocity" names.
func (s *SGD) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: s.Name(),
		Parameters: map[string]float64{
			"lr":           s.lr,
			"momentum":     s.momentum,
			"weight_decay": s.weightDecay,
		},
	}
	for _, p := range s.params {
		v, ok := s.velocities[p.Name]
		if !ok {
			continue
		}
		wt, err := stateTensor(p.Name, "velocity", v, p.Data.Shape)
		if err != nil {
			return nil, err
		}
		state.State = append(state.State, wt)
	}
	return state, nil
}

// LoadState restores velocities and hyperparameters from a snapshot.
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != s.Name() {
		return fmt.Errorf("optimizer state is %q, expected %q", state.Type, s.Name())
	}
	if lr, ok := state.Parameters["lr"]; ok {
		s.lr = lr
	}
	if m, ok := state.Parameters["momentum"]; ok {
		s.momentum = m
	}
	if wd, ok := state.Parameters["weight_decay"]; ok {
		s.weightDecay = wd
	}
	decoded, err := stateMap(state)
	if err != nil {
		return err
	}
	s.velocities = make(map[string][]float32)
	for _, p := range s.params {
		v, ok := decoded[p.Name+".velocity"]
		if !ok {
			continue
		}
		if len(v) != p.Data.Numel() {
			return fmt.Errorf("velocity for %q has %d elements, expected %d", p.Name, len(v), p.Data.Numel())
		}
		s.velocities[p.Name] = v
	}
	return nil
}
