package optimizer

import (
	"fmt"
	"math"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/layers"
)

// AdamW implements Adam with decoupled weight decay: the decay is applied
// directly to the weights, not mixed into the adaptive gradient estimate.
type AdamW struct {
	params      []*layers.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	step        int

	m map[string][]float32
	v map[string][]float32
}

// NewAdamW creates the optimizer with the usual defaults when betas are
// 0.9/0.999 and epsilon is 1e-8.
func NewAdamW(params []*layers.Parameter, lr, beta1, beta2, epsilon, weightDecay float64) *AdamW {
	return &AdamW{
		params:      params,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func (a *AdamW) Name() string     { return "adamw" }
func (a *AdamW) LR() float64      { return a.lr }
func (a *AdamW) SetLR(lr float64) { a.lr = lr }

func (a *AdamW) ZeroGrad() {
	layers.ZeroGradients(a.params)
}

// Step applies one bias-corrected Adam update plus decoupled decay.
func (a *AdamW) Step() error {
	a.step++
	bias1 := 1 - math.Pow(a.beta1, float64(a.step))
	bias2 := 1 - math.Pow(a.beta2, float64(a.step))
	stepSize := a.lr / bias1

	b1 := float32(a.beta1)
	b2 := float32(a.beta2)
	for _, p := range a.params {
		if p.Frozen {
			continue
		}
		w := p.Data.Data
		g := p.Grad.Data
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float32, len(w))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float32, len(w))
			a.v[p.Name] = v
		}
		for i := range w {
			m[i] = b1*m[i] + (1-b1)*g[i]
			v[i] = b2*v[i] + (1-b2)*g[i]*g[i]
			vHat := float64(v[i]) / bias2
			update := stepSize * float64(m[i]) / (math.Sqrt(vHat) + a.epsilon)
			w[i] -= float32(update + a.lr*a.weightDecay*float64(w[i]))
		}
	}
	return nil
}

// State snapshots the moment buffers under "<param>.m" / "<param>.v"
// names, plus the step counter the bias correction depends on.
func (a *AdamW) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: a.Name(),
		Parameters: map[string]float64{
			"lr":           a.lr,
			"beta1":        a.beta1,
			"beta2":        a.beta2,
			"epsilon":      a.epsilon,
			"weight_decay": a.weightDecay,
			"step":         float64(a.step),
		},
	}
	for _, p := range a.params {
		if m, ok := a.m[p.Name]; ok {
			wt, err := stateTensor(p.Name, "m", m, p.Data.Shape)
			if err != nil {
				return nil, err
			}
			state.State = append(state.State, wt)
		}
		if v, ok := a.v[p.Name]; ok {
			wt, err := stateTensor(p.Name, "v", v, p.Data.Shape)
			if err != nil {
				return nil, err
			}
			state.State = append(state.State, wt)
		}
	}
	return state, nil
}

// LoadState restores moments, hyperparameters and the step counter.
func (a *AdamW) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != a.Name() {
		return fmt.Errorf("optimizer state is %q, expected %q", state.Type, a.Name())
	}
	if lr, ok := state.Parameters["lr"]; ok {
		a.lr = lr
	}
	if b, ok := state.Parameters["beta1"]; ok {
		a.beta1 = b
	}
	if b, ok := state.Parameters["beta2"]; ok {
		a.beta2 = b
	}
	if e, ok := state.Parameters["epsilon"]; ok {
		a.epsilon = e
	}
	if wd, ok := state.Parameters["weight_decay"]; ok {
		a.weightDecay = wd
	}
	if s, ok := state.Parameters["step"]; ok {
		a.step = int(s)
	}
	decoded, err := stateMap(state)
	if err != nil {
		return err
	}
	a.m = make(map[string][]float32)
	a.v = make(map[string][]float32)
	for _, p := range a.params {
		if m, ok := decoded[p.Name+".m"]; ok {
			if len(m) != p.Data.Numel() {
				return fmt.Errorf("first moment for %q has %d elements, expected %d", p.Name, len(m), p.Data.Numel())
			}
			a.m[p.Name] = m
		}
		if v, ok := decoded[p.Name+".v"]; ok {
			if len(v) != p.Data.Numel() {
				return fmt.Errorf("second moment for %q has %d elements, expected %d", p.Name, len(v), p.Data.Numel())
			}
			a.v[p.Name] = v
		}
	}
	return nil
}
