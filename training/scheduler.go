package training

import (
	"fmt"
	"math"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/config"
)

// LRScheduler decides the learning rate applied after every boundary
// step. Schedulers are stateful so a resumed run continues the schedule
// instead of restarting it; the state round-trips through checkpoints.
type LRScheduler interface {
	// Name identifies the scheduler kind in checkpoints and logs.
	Name() string
	// OnStep advances the per-step counter once per optimizer boundary
	// step and returns the learning rate to apply.
	OnStep() float64
	// OnEpochEnd observes the epoch's validation loss and advances the
	// epoch counter.
	OnEpochEnd(valLoss float64)
	// SetEpoch positions the scheduler at the given epoch on resume.
	SetEpoch(epoch int)
	// State snapshots the scheduler for checkpointing.
	State() *checkpoints.SchedulerState
	// LoadState restores a snapshot produced by State.
	LoadState(state *checkpoints.SchedulerState) error
}

// NewScheduler builds the scheduler selected by the config.
func NewScheduler(cfg config.SchedulerConfig, baseLR float64) (LRScheduler, error) {
	switch cfg.Kind {
	case "constant":
		return &constantLR{base: schedulerBase{kind: "constant", baseLR: baseLR}}, nil
	case "step":
		return &stepLR{
			base:     schedulerBase{kind: "step", baseLR: baseLR},
			stepSize: cfg.StepSize,
			gamma:    cfg.Gamma,
		}, nil
	case "exponential":
		return &exponentialLR{
			base:  schedulerBase{kind: "exponential", baseLR: baseLR},
			gamma: cfg.Gamma,
		}, nil
	case "cosine":
		return &cosineLR{
			base:        schedulerBase{kind: "cosine", baseLR: baseLR},
			tMax:        cfg.TMax,
			etaMin:      cfg.EtaMin,
			warmupSteps: cfg.WarmupSteps,
		}, nil
	case "plateau":
		return &plateauLR{
			base:      schedulerBase{kind: "plateau", baseLR: baseLR},
			factor:    cfg.Factor,
			patience:  cfg.Patience,
			threshold: cfg.Threshold,
			best:      math.Inf(1),
			current:   1,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler %q", cfg.Kind)
	}
}

// schedulerBase carries the counters every scheduler shares.
type schedulerBase struct {
	kind      string
	baseLR    float64
	stepCount int
	epoch     int
	lastLR    float64
}

func (b *schedulerBase) SetEpoch(epoch int) { b.epoch = epoch }

func (b *schedulerBase) baseState() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Kind:      b.kind,
		StepCount: b.stepCount,
		LastLR:    b.lastLR,
	}
}

func (b *schedulerBase) loadBase(state *checkpoints.SchedulerState) error {
	if state.Kind != b.kind {
		return fmt.Errorf("scheduler state is %q, expected %q", state.Kind, b.kind)
	}
	b.stepCount = state.StepCount
	b.lastLR = state.LastLR
	return nil
}

type constantLR struct {
	base schedulerBase
}

func (s *constantLR) Name() string { return s.base.kind }
func (s *constantLR) OnStep() float64 {
	s.base.stepCount++
	s.base.lastLR = s.base.baseLR
	return s.base.lastLR
}
func (s *constantLR) OnEpochEnd(float64)                     { s.base.epoch++ }
func (s *constantLR) SetEpoch(epoch int)                     { s.base.SetEpoch(epoch) }
func (s *constantLR) State() *checkpoints.SchedulerState     { return s.base.baseState() }
func (s *constantLR) LoadState(st *checkpoints.SchedulerState) error { return s.base.loadBase(st) }

// stepLR decays the rate by gamma every stepSize epochs.
type stepLR struct {
	base     schedulerBase
	stepSize int
	gamma    float64
}

func (s *stepLR) Name() string { return s.base.kind }
func (s *stepLR) OnStep() float64 {
	s.base.stepCount++
	s.base.lastLR = s.base.baseLR * math.Pow(s.gamma, float64(s.base.epoch/s.stepSize))
	return s.base.lastLR
}
func (s *stepLR) OnEpochEnd(float64)                     { s.base.epoch++ }
func (s *stepLR) SetEpoch(epoch int)                     { s.base.SetEpoch(epoch) }
func (s *stepLR) State() *checkpoints.SchedulerState     { return s.base.baseState() }
func (s *stepLR) LoadState(st *checkpoints.SchedulerState) error { return s.base.loadBase(st) }

// exponentialLR decays the rate by gamma every epoch.
type exponentialLR struct {
	base  schedulerBase
	gamma float64
}

func (s *exponentialLR) Name() string { return s.base.kind }
func (s *exponentialLR) OnStep() float64 {
	s.base.stepCount++
	s.base.lastLR = s.base.baseLR * math.Pow(s.gamma, float64(s.base.epoch))
	return s.base.lastLR
}
func (s *exponentialLR) OnEpochEnd(float64)                     { s.base.epoch++ }
func (s *exponentialLR) SetEpoch(epoch int)                     { s.base.SetEpoch(epoch) }
func (s *exponentialLR) State() *checkpoints.SchedulerState     { return s.base.baseState() }
func (s *exponentialLR) LoadState(st *checkpoints.SchedulerState) error { return s.base.loadBase(st) }

// cosineLR anneals from baseLR to etaMin over tMax epochs, with an
// optional linear per-step warmup at the start of the schedule. The step
// counter persists through checkpoints, so a resumed run never
// re-triggers warmup.
type cosineLR struct {
	base        schedulerBase
	tMax        int
	etaMin      float64
	warmupSteps int
}

func (s *cosineLR) Name() string { return s.base.kind }
func (s *cosineLR) OnStep() float64 {
	s.base.stepCount++
	if s.warmupSteps > 0 && s.base.stepCount <= s.warmupSteps {
		s.base.lastLR = s.base.baseLR * float64(s.base.stepCount) / float64(s.warmupSteps)
		return s.base.lastLR
	}
	epoch := s.base.epoch
	if epoch >= s.tMax {
		s.base.lastLR = s.etaMin
		return s.base.lastLR
	}
	s.base.lastLR = s.etaMin + (s.base.baseLR-s.etaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.tMax)))/2
	return s.base.lastLR
}
func (s *cosineLR) OnEpochEnd(float64)                     { s.base.epoch++ }
func (s *cosineLR) SetEpoch(epoch int)                     { s.base.SetEpoch(epoch) }
func (s *cosineLR) State() *checkpoints.SchedulerState     { return s.base.baseState() }
func (s *cosineLR) LoadState(st *checkpoints.SchedulerState) error { return s.base.loadBase(st) }

// plateauLR multiplies the rate by factor when the validation loss stops
// improving for patience consecutive epochs.
type plateauLR struct {
	base      schedulerBase
	factor    float64
	patience  int
	threshold float64

	best      float64
	badEpochs int
	current   float64 // accumulated decay factor
}

func (s *plateauLR) Name() string { return s.base.kind }

func (s *plateauLR) OnStep() float64 {
	s.base.stepCount++
	s.base.lastLR = s.base.baseLR * s.current
	return s.base.lastLR
}

func (s *plateauLR) OnEpochEnd(valLoss float64) {
	s.base.epoch++
	if valLoss < s.best-s.threshold {
		s.best = valLoss
		s.badEpochs = 0
		return
	}
	s.badEpochs++
	if s.badEpochs > s.patience {
		s.current *= s.factor
		s.badEpochs = 0
	}
}

func (s *plateauLR) SetEpoch(epoch int) { s.base.SetEpoch(epoch) }

func (s *plateauLR) State() *checkpoints.SchedulerState {
	st := s.base.baseState()
	st.BestMetric = s.best
	st.BadEpochs = s.badEpochs
	st.Factor = s.current
	return st
}

func (s *plateauLR) LoadState(st *checkpoints.SchedulerState) error {
	if err := s.base.loadBase(st); err != nil {
		return err
	}
	s.best = st.BestMetric
	s.badEpochs = st.BadEpochs
	s.current = st.Factor
	if s.current == 0 {
		s.current = 1
	}
	return nil
}
