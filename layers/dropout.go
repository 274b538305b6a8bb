package layers

import (
	"fmt"
	"math/rand"

	"github.com/accessvision/tilenet/tensor"
)

// Dropout zeroes a random fraction of activations during training and
// rescales the survivors by 1/(1-p), so eval-mode forward is the identity.
// The mask source is an explicit seeded generator; the trainer reseeds it
// at every epoch boundary so a resumed run draws the same masks an
// uninterrupted run would have drawn.
type Dropout struct {
	name string
	P    float32

	rng  *rand.Rand
	mask []float32
}

func NewDropout(name string, p float32, seed int64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("invalid dropout probability %f for %s: must be in [0, 1)", p, name)
	}
	return &Dropout{
		name: name,
		P:    p,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

func (d *Dropout) Type() LayerType          { return DropoutLayer }
func (d *Dropout) Name() string             { return d.name }
func (d *Dropout) Parameters() []*Parameter { return nil }

// Reseed resets the mask generator. Deterministic resume depends on the
// trainer calling this with an epoch-derived seed.
func (d *Dropout) Reseed(seed int64) {
	d.rng = rand.New(rand.NewSource(seed))
}

func (d *Dropout) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || d.P == 0 {
		d.mask = nil
		return x, nil
	}
	out := x.Clone()
	d.mask = make([]float32, len(out.Data))
	scale := 1.0 / (1.0 - d.P)
	for i := range out.Data {
		if d.rng.Float32() < d.P {
			out.Data[i] = 0
		} else {
			d.mask[i] = scale
			out.Data[i] *= scale
		}
	}
	return out, nil
}

func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		// eval-mode or p=0 forward was the identity
		return grad, nil
	}
	if len(grad.Data) != len(d.mask) {
		return nil, fmt.Errorf("dropout %s gradient size %d does not match forward size %d", d.name, len(grad.Data), len(d.mask))
	}
	dx := grad.Clone()
	for i, m := range d.mask {
		dx.Data[i] *= m
	}
	return dx, nil
}
