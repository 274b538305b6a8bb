package training

import (
	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/layers"
)

// GradScaler is the dynamic loss-scale state machine used with mixed
// precision: gradients are computed against a scaled loss to keep small
// values representable in reduced precision, then unscaled before the
// optimizer step. An overflow (non-finite gradient) halves the scale and
// skips the step; a configurable streak of overflow-free steps doubles
// it. The whole state is two numbers, inspectable and checkpointable.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthInterval int
	streak         int
}

// NewGradScaler creates the scaler. When disabled, the scale is fixed at
// 1 and overflow checks still guard against non-finite gradients.
func NewGradScaler(enabled bool, initScale float64, growthInterval int) *GradScaler {
	if !enabled {
		return &GradScaler{enabled: false, scale: 1, growthInterval: growthInterval}
	}
	return &GradScaler{enabled: true, scale: initScale, growthInterval: growthInterval}
}

// Enabled reports whether mixed precision scaling is active.
func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the current loss-scale factor.
func (s *GradScaler) Scale() float64 { return s.scale }

// Streak returns the current overflow-free step count.
func (s *GradScaler) Streak() int { return s.streak }

// Overflow reports whether any accumulated gradient is non-finite.
func (s *GradScaler) Overflow(params []*layers.Parameter) bool {
	for _, p := range params {
		if p.Grad.HasNonFinite() {
			return true
		}
	}
	return false
}

// Unscale divides the accumulated gradients by scale*microbatches, which
// removes the loss scale and averages the accumulation window in one
// pass.
func (s *GradScaler) Unscale(params []*layers.Parameter, microbatches int) {
	inv := float32(1.0 / (s.scale * float64(microbatches)))
	for _, p := range params {
		p.Grad.Scale(inv)
	}
}

// Update advances the state machine after a boundary step: halve on
// overflow, double after growthInterval clean steps. Disabled scalers
// never move.
func (s *GradScaler) Update(overflow bool) {
	if !s.enabled {
		return
	}
	if overflow {
		s.scale /= 2
		if s.scale < 1 {
			s.scale = 1
		}
		s.streak = 0
		return
	}
	s.streak++
	if s.streak >= s.growthInterval {
		s.scale *= 2
		s.streak = 0
	}
}

// State snapshots the scaler for checkpointing.
func (s *GradScaler) State() *checkpoints.ScalerState {
	return &checkpoints.ScalerState{
		Enabled:        s.enabled,
		Scale:          s.scale,
		GrowthInterval: s.growthInterval,
		Streak:         s.streak,
	}
}

// LoadState restores a snapshot produced by State.
func (s *GradScaler) LoadState(state *checkpoints.ScalerState) {
	s.enabled = state.Enabled
	s.scale = state.Scale
	s.growthInterval = state.GrowthInterval
	s.streak = state.Streak
}
