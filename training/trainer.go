package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/config"
	"github.com/accessvision/tilenet/data"
	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/model"
	"github.com/accessvision/tilenet/optimizer"
)

// runState is the transient per-run state. It lives only inside the
// Trainer, is passed nowhere by reference, and is rebuilt from a
// checkpoint on resume; there is exactly one writer.
type runState struct {
	epoch         int // completed epochs
	stepsInEpoch  int // boundary steps applied in the current epoch
	globalStep    int // boundary steps since the start of the schedule
	microInWindow int // microbatches accumulated since the last boundary
	bestScore     float64
	earlyStop     int
}

// Trainer orchestrates the epoch/step loop: gradient accumulation, mixed
// precision, checkpointing, early stopping and resume. One Trainer drives
// one run; it is not safe for concurrent use.
type Trainer struct {
	cfg    *config.Config
	logger *slog.Logger

	model     *model.Model
	opt       optimizer.Optimizer
	sched     LRScheduler
	scaler    *GradScaler
	criterion *CrossEntropyLoss

	trainLoader *data.PrefetchLoader
	valLoader   *data.BatchLoader

	writer     *checkpoints.Writer
	metricsLog *MetricsLog

	runID   string
	phase   Phase
	state   runState
	records []MetricsRecord

	lastGood     *checkpoints.Checkpoint
	lastGoodPath string
}

// New builds a trainer from a validated configuration and the train and
// validation splits. When resumePath is non-empty the run state restores
// from that checkpoint and training continues from the next epoch.
func New(cfg *config.Config, trainSplit, valSplit data.Dataset, resumePath string, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Trainer{
		cfg:        cfg,
		logger:     logger,
		criterion:  NewCrossEntropyLoss(),
		writer:     checkpoints.NewWriter(cfg.CheckpointDir),
		metricsLog: NewMetricsLog(cfg.CheckpointDir),
		runID:      uuid.NewString(),
		phase:      Initializing,
	}

	m, err := model.Build(cfg.Backbone, cfg.Pretrained, cfg.FreezeLayers,
		model.WithNumClasses(cfg.NumClasses()),
		model.WithInputSize(cfg.InputSize),
		model.WithSeed(cfg.Seed),
		model.WithWeightsDir(cfg.WeightsDir),
		model.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	t.model = m

	t.opt, err = optimizer.New(cfg.Optimizer, m.Parameters(), cfg.LearningRate, cfg.Momentum, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}
	t.sched, err = NewScheduler(cfg.Scheduler, cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	t.scaler = NewGradScaler(cfg.MixedPrecision, cfg.LossScale.Init, cfg.LossScale.GrowthInterval)

	inner, err := data.NewBatchLoader(trainSplit, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return nil, err
	}
	t.trainLoader = data.NewPrefetchLoader(inner, cfg.Dataset.PrefetchWorkers)
	t.valLoader, err = data.NewBatchLoader(valSplit, cfg.BatchSize, false, cfg.Seed)
	if err != nil {
		return nil, err
	}

	if resumePath != "" {
		if err := t.restore(resumePath); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Phase returns the orchestrator's current state machine position.
func (t *Trainer) Phase() Phase { return t.phase }

// RunID returns the run identifier carried in checkpoints and metrics.
func (t *Trainer) RunID() string { return t.runID }

// Model exposes the model under training, for tests and evaluation.
func (t *Trainer) Model() *model.Model { return t.model }

// Scaler exposes the loss-scale state machine for inspection.
func (t *Trainer) Scaler() *GradScaler { return t.scaler }

// Records returns the metrics records produced so far, one per epoch.
func (t *Trainer) Records() []MetricsRecord { return t.records }

// StepsPerEpoch is the number of optimizer steps an epoch of totalBatches
// mini-batches produces under the given accumulation window: ceil
// division, because a trailing partial window still steps at epoch end.
func StepsPerEpoch(totalBatches, accumulationSteps int) int {
	return (totalBatches + accumulationSteps - 1) / accumulationSteps
}

// restore rebuilds run state from a checkpoint. The checkpoint's
// optimizer, scheduler and scaler state apply exactly; the schedule is
// not restarted and warmup does not re-trigger.
func (t *Trainer) restore(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	if ckpt.Arch != t.cfg.Backbone {
		return errors.New(errors.KindCheckpointCorrupt).
			WithMessagef("checkpoint is for backbone %q, config wants %q", ckpt.Arch, t.cfg.Backbone).
			WithArtifact(path).
			WithHint("point resume at a checkpoint trained with the configured backbone")
	}
	if ckpt.Seed != t.cfg.Seed {
		return errors.New(errors.KindCheckpointCorrupt).
			WithMessagef("checkpoint was trained with seed %d, config wants %d", ckpt.Seed, t.cfg.Seed).
			WithArtifact(path).
			WithHint("resume with the original seed so the data order matches the interrupted run")
	}
	weights, err := ckpt.WeightMap()
	if err != nil {
		return errors.Wrap(err, errors.KindCheckpointCorrupt, "decode checkpoint weights").WithArtifact(path)
	}
	if err := t.model.LoadNamedTensors(weights); err != nil {
		return errors.Wrap(err, errors.KindCheckpointCorrupt, "restore model weights").WithArtifact(path).
			WithHint("the checkpoint does not match the configured architecture")
	}
	if ckpt.Optimizer != nil {
		if err := t.opt.LoadState(ckpt.Optimizer); err != nil {
			return errors.Wrap(err, errors.KindCheckpointCorrupt, "restore optimizer state").WithArtifact(path)
		}
	}
	if ckpt.Scheduler != nil {
		if err := t.sched.LoadState(ckpt.Scheduler); err != nil {
			return errors.Wrap(err, errors.KindCheckpointCorrupt, "restore scheduler state").WithArtifact(path)
		}
	}
	if ckpt.Scaler != nil {
		t.scaler.LoadState(ckpt.Scaler)
	}

	t.state.epoch = ckpt.Training.EpochCompleted
	t.state.globalStep = ckpt.Training.GlobalStep
	t.state.bestScore = ckpt.Training.BestScore
	t.state.earlyStop = ckpt.Training.EarlyStopCounter
	t.sched.SetEpoch(t.state.epoch)
	t.runID = ckpt.Metadata.RunID

	t.logger.Info("resumed from checkpoint",
		"path", path,
		"epochs_completed", t.state.epoch,
		"best_score", t.state.bestScore,
	)
	return nil
}

// Run drives the training loop to a terminal phase. It holds the
// checkpoint directory's exclusive lock for the whole run and releases it
// on every exit path. Cancelling the context finishes the in-flight
// mini-batch, persists a checkpoint, and returns the context's error.
func (t *Trainer) Run(ctx context.Context) error {
	lock, err := checkpoints.NewDirLock(t.cfg.CheckpointDir)
	if err != nil {
		t.phase = Failed
		return err
	}
	if err := lock.AcquireExclusive(); err != nil {
		t.phase = Failed
		return err
	}
	defer lock.Release()
	defer t.trainLoader.StopPrefetch()

	t.logger.Info("training run starting",
		"run_id", t.runID,
		"backbone", t.cfg.Backbone,
		"epochs", t.cfg.Epochs,
		"batch_size", t.cfg.BatchSize,
		"accumulation_steps", t.cfg.AccumulationSteps,
		"effective_batch_size", t.cfg.EffectiveBatchSize(),
		"trainable_params", t.model.TrainableParameterCount(),
		"start_epoch", t.state.epoch,
	)

	t.phase = Running
	for epoch := t.state.epoch; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()

		trainLoss, trainAcc, err := t.runEpoch(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil {
				return t.persistOnCancel(ctx, epoch)
			}
			return t.fail(err)
		}

		valLoss, valAcc, err := t.validate()
		if err != nil {
			return t.fail(err)
		}
		t.sched.OnEpochEnd(valLoss)

		rec := MetricsRecord{
			RunID:         t.runID,
			Epoch:         epoch + 1,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			LearningRate:  t.opt.LR(),
			DurationSec:   time.Since(start).Seconds(),
			Timestamp:     now().Format(time.RFC3339),
		}

		improved := valAcc > t.state.bestScore
		if improved {
			t.state.bestScore = valAcc
			t.state.earlyStop = 0
		} else {
			t.state.earlyStop++
		}
		t.state.epoch = epoch + 1

		t.phase = Checkpointing
		if err := t.checkpointEpoch(improved); err != nil {
			return t.fail(err)
		}
		if err := t.metricsLog.Append(&rec); err != nil {
			return t.fail(fmt.Errorf("failed to append metrics: %w", err))
		}
		t.records = append(t.records, rec)
		t.phase = Running

		t.logger.Info("epoch finished",
			"epoch", rec.Epoch,
			"train_loss", rec.TrainLoss,
			"train_acc", rec.TrainAccuracy,
			"val_loss", rec.ValLoss,
			"val_acc", rec.ValAccuracy,
			"lr", rec.LearningRate,
			"improved", improved,
			"duration_sec", rec.DurationSec,
		)

		if t.state.earlyStop > t.cfg.EarlyStopPatience {
			t.phase = EarlyStopped
			t.logger.Info("early stopping",
				"epoch", rec.Epoch,
				"patience", t.cfg.EarlyStopPatience,
				"best_score", t.state.bestScore,
			)
			return nil
		}
	}
	t.phase = Completed
	t.logger.Info("training run completed", "run_id", t.runID, "best_score", t.state.bestScore)
	return nil
}

// runEpoch consumes the epoch's mini-batches in their seed-determined
// order, accumulating gradients across the configured window and stepping
// the optimizer on every boundary. Returns the mean microbatch loss and
// the training accuracy.
func (t *Trainer) runEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	t.model.Train()
	t.model.ReseedDropout(data.OrderSeed(t.cfg.Seed, epoch))
	t.trainLoader.StartEpoch(epoch)
	defer t.trainLoader.StopPrefetch()

	t.state.stepsInEpoch = 0
	t.state.microInWindow = 0
	var lossSum float64
	var microCount, correct, seen int

	for {
		batch, err := t.trainLoader.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load batch: %w", err)
		}
		if batch == nil {
			break
		}

		loss, batchCorrect, err := t.microStep(batch)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss
		microCount++
		correct += batchCorrect
		seen += batch.Size()
		t.state.microInWindow++

		if t.state.microInWindow == t.cfg.AccumulationSteps {
			if err := t.boundaryStep(); err != nil {
				return 0, 0, err
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	// Cancellation leaves the window part-filled; a mid-epoch partial
	// window never steps the optimizer, only a genuinely exhausted loader
	// reaches the trailing-window step below.
	if ctx.Err() != nil {
		return 0, 0, ctx.Err()
	}

	// A trailing partial window still steps at epoch end, averaged over
	// the microbatches it actually contains.
	if t.state.microInWindow > 0 {
		if err := t.boundaryStep(); err != nil {
			return 0, 0, err
		}
	}
	if microCount == 0 {
		return 0, 0, fmt.Errorf("training split produced no batches")
	}
	return lossSum / float64(microCount), float64(correct) / float64(seen), nil
}

// microStep runs forward and backward for one mini-batch, leaving scaled
// gradients accumulated on the parameters.
func (t *Trainer) microStep(batch *data.Batch) (float64, int, error) {
	logits, err := t.model.Forward(batch.Images)
	if err != nil {
		return 0, 0, err
	}
	if t.scaler.Enabled() {
		// emulate the reduced-precision representation the loss and
		// gradients flow through
		logits.RoundTripFloat16()
	}
	loss, err := t.criterion.Forward(logits, batch.Labels)
	if err != nil {
		return 0, 0, err
	}
	batchCorrect, err := CountCorrect(logits, batch.Labels)
	if err != nil {
		return 0, 0, err
	}
	grad, err := t.criterion.Backward(batch.Labels)
	if err != nil {
		return 0, 0, err
	}
	if t.scaler.Enabled() {
		grad.Scale(float32(t.scaler.Scale()))
		grad.RoundTripFloat16()
	}
	if err := t.model.Backward(grad); err != nil {
		return 0, 0, err
	}
	return loss, batchCorrect, nil
}

// boundaryStep closes one accumulation window: detect overflow, unscale
// and average the gradients, step the optimizer (or skip the update on
// overflow), zero gradients, advance the scaler and the scheduler. The
// scheduler advances exactly once per boundary, never per microbatch.
func (t *Trainer) boundaryStep() error {
	params := t.model.Parameters()
	overflow := t.scaler.Overflow(params)
	if !overflow {
		t.scaler.Unscale(params, t.state.microInWindow)
		if err := t.opt.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %w", err)
		}
	} else {
		t.logger.Debug("gradient overflow, skipping optimizer step",
			"scale", t.scaler.Scale(), "epoch", t.state.epoch)
	}
	t.model.ZeroGrad()
	t.scaler.Update(overflow)
	t.opt.SetLR(t.sched.OnStep())
	t.state.microInWindow = 0
	t.state.stepsInEpoch++
	t.state.globalStep++
	return nil
}

// validate runs a full sequential pass over the validation split with no
// gradient computation, restoring training mode afterward.
func (t *Trainer) validate() (float64, float64, error) {
	t.model.Eval()
	defer t.model.Train()

	t.valLoader.SetEpoch(0)
	var lossSum float64
	var batches, correct, seen int
	for t.valLoader.HasNext() {
		batch, err := t.valLoader.Next()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load validation batch: %w", err)
		}
		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, 0, err
		}
		loss, err := t.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		batchCorrect, err := CountCorrect(logits, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss
		batches++
		correct += batchCorrect
		seen += batch.Size()
	}
	if batches == 0 {
		return 0, 0, fmt.Errorf("validation split produced no batches")
	}
	return lossSum / float64(batches), float64(correct) / float64(seen), nil
}

// snapshot captures the complete training state as a checkpoint.
func (t *Trainer) snapshot() (*checkpoints.Checkpoint, error) {
	optState, err := t.opt.State()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot optimizer: %w", err)
	}
	return &checkpoints.Checkpoint{
		FormatVersion: checkpoints.FormatVersion,
		Arch:          t.model.Arch(),
		NumClasses:    t.model.NumClasses(),
		InputSize:     t.model.InputSize(),
		Seed:          t.cfg.Seed,
		Training: checkpoints.TrainingState{
			EpochCompleted:   t.state.epoch,
			GlobalStep:       t.state.globalStep,
			BestScore:        t.state.bestScore,
			EarlyStopCounter: t.state.earlyStop,
		},
		Weights:   model.Snapshot(t.model),
		Optimizer: optState,
		Scheduler: t.sched.State(),
		Scaler:    t.scaler.State(),
		Metadata: checkpoints.Metadata{
			RunID:     t.runID,
			Framework: "tilenet",
			CreatedAt: now(),
		},
	}, nil
}

// checkpointEpoch writes the periodic epoch checkpoint and, on a
// validation improvement, the best checkpoint as well.
func (t *Trainer) checkpointEpoch(improved bool) error {
	ckpt, err := t.snapshot()
	if err != nil {
		return err
	}
	path := checkpoints.EpochPath(t.cfg.CheckpointDir, t.state.epoch)
	if err := t.writer.Save(ckpt, path); err != nil {
		return err
	}
	t.lastGood = ckpt
	t.lastGoodPath = path
	if improved {
		if err := t.writer.Save(ckpt, checkpoints.BestPath(t.cfg.CheckpointDir)); err != nil {
			return err
		}
	}
	return nil
}

// persistOnCancel saves the current state after an external interrupt.
// The in-flight mini-batch has already completed; the checkpoint records
// the last fully completed epoch, so resume replays the interrupted epoch
// in its original order.
func (t *Trainer) persistOnCancel(ctx context.Context, epoch int) error {
	t.phase = Checkpointing
	t.logger.Info("cancellation requested, persisting checkpoint", "epoch", epoch)
	ckpt, err := t.snapshot()
	if err == nil {
		err = t.writer.Save(ckpt, checkpoints.InterruptPath(t.cfg.CheckpointDir))
	}
	if err != nil {
		t.logger.Error("failed to persist checkpoint on cancellation", "error", err)
		t.phase = Failed
	}
	return fmt.Errorf("training cancelled: %w", ctx.Err())
}

// fail transitions to Failed, flushing the last known-good checkpoint
// before the error propagates.
func (t *Trainer) fail(err error) error {
	t.phase = Failed
	if t.lastGood != nil {
		if flushErr := t.writer.Save(t.lastGood, t.lastGoodPath); flushErr != nil {
			t.logger.Error("failed to flush last known-good checkpoint", "error", flushErr)
		}
	}
	t.logger.Error("training run failed", "run_id", t.runID, "error", err)
	return err
}
