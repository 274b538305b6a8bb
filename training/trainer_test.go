package training

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/config"
	"github.com/accessvision/tilenet/data"
	"github.com/accessvision/tilenet/errors"
)

func testConfig(t *testing.T, dir string, epochs int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.InputSize = 16
	cfg.Epochs = epochs
	cfg.BatchSize = 4
	cfg.AccumulationSteps = 2
	cfg.LearningRate = 0.01
	cfg.CheckpointDir = dir
	cfg.Dataset.Classes = []string{"ramp", "obstacle"}
	cfg.Dataset.SyntheticSamples = 24
	cfg.Dataset.PrefetchWorkers = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTrainer(t *testing.T, cfg *config.Config, resume string) *Trainer {
	t.Helper()
	ds, err := data.NewSyntheticDataset(cfg.Dataset.Classes, cfg.Dataset.SyntheticSamples, cfg.InputSize, cfg.Seed)
	require.NoError(t, err)
	train, val, _, err := data.Split(ds,
		cfg.Dataset.TrainRatio, cfg.Dataset.ValRatio, cfg.Dataset.TestRatio, cfg.Seed)
	require.NoError(t, err)

	tr, err := New(cfg, train, val, resume, quietLogger())
	require.NoError(t, err)
	return tr
}

func TestStepsPerEpoch(t *testing.T) {
	cases := []struct {
		batches, accum, want int
	}{
		{8, 1, 8},
		{8, 2, 4},
		{8, 4, 2},
		{9, 4, 3}, // trailing partial window still steps
		{1, 4, 1},
		{12, 5, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StepsPerEpoch(tc.batches, tc.accum),
			"batches=%d accum=%d", tc.batches, tc.accum)
	}
}

func TestTrainingRunCompletes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 2)
	tr := newTestTrainer(t, cfg, "")

	assert.Equal(t, Initializing, tr.Phase())
	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, Completed, tr.Phase())
	assert.True(t, tr.Phase().Terminal())

	recs := tr.Records()
	require.Len(t, recs, 2)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Epoch)
		assert.Equal(t, tr.RunID(), rec.RunID)
		assert.GreaterOrEqual(t, rec.TrainLoss, 0.0)
		assert.GreaterOrEqual(t, rec.ValLoss, 0.0)
		assert.GreaterOrEqual(t, rec.TrainAccuracy, 0.0)
		assert.LessOrEqual(t, rec.TrainAccuracy, 1.0)
		assert.GreaterOrEqual(t, rec.ValAccuracy, 0.0)
		assert.LessOrEqual(t, rec.ValAccuracy, 1.0)
		assert.Equal(t, cfg.LearningRate, rec.LearningRate)
	}

	// one checkpoint per epoch plus the best checkpoint
	for _, path := range []string{
		checkpoints.EpochPath(dir, 1),
		checkpoints.EpochPath(dir, 2),
		checkpoints.BestPath(dir),
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	// the metrics stream mirrors the in-memory records
	fromDisk, err := ReadMetrics(NewMetricsLog(dir).Path())
	require.NoError(t, err)
	assert.Equal(t, recs, fromDisk)

	// checkpoints carry the run identity and progress
	ckpt, err := checkpoints.Load(checkpoints.EpochPath(dir, 2))
	require.NoError(t, err)
	assert.Equal(t, tr.RunID(), ckpt.Metadata.RunID)
	assert.Equal(t, 2, ckpt.Training.EpochCompleted)
	assert.Equal(t, "resnet18", ckpt.Arch)
	// 16 train records at batch 4 give 4 batches, 2 boundary steps each epoch
	assert.Equal(t, StepsPerEpoch(4, 2)*2, ckpt.Training.GlobalStep)
}

func TestResumeReproducesUninterruptedRun(t *testing.T) {
	// Reference: two epochs straight through.
	refDir := t.TempDir()
	ref := newTestTrainer(t, testConfig(t, refDir, 2), "")
	require.NoError(t, ref.Run(context.Background()))
	require.Len(t, ref.Records(), 2)

	// Interrupted: one epoch, then a fresh process resumes for epoch two.
	dir := t.TempDir()
	first := newTestTrainer(t, testConfig(t, dir, 1), "")
	require.NoError(t, first.Run(context.Background()))

	resumed := newTestTrainer(t, testConfig(t, dir, 2), checkpoints.EpochPath(dir, 1))
	require.NoError(t, resumed.Run(context.Background()))
	require.Len(t, resumed.Records(), 1)

	// The resumed run keeps the original run identity.
	assert.Equal(t, first.RunID(), resumed.RunID())

	// Epoch two's metrics are identical to the uninterrupted run's.
	want := ref.Records()[1]
	got := resumed.Records()[0]
	assert.Equal(t, want.Epoch, got.Epoch)
	assert.Equal(t, want.TrainLoss, got.TrainLoss)
	assert.Equal(t, want.TrainAccuracy, got.TrainAccuracy)
	assert.Equal(t, want.ValLoss, got.ValLoss)
	assert.Equal(t, want.ValAccuracy, got.ValAccuracy)
	assert.Equal(t, want.LearningRate, got.LearningRate)
}

func TestEarlyStoppingFires(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 8)
	cfg.EarlyStopPatience = 0

	tr := newTestTrainer(t, cfg, "")
	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, EarlyStopped, tr.Phase())
	assert.True(t, tr.Phase().Terminal())

	// Improvement requires strictly higher validation accuracy, and a
	// 3-record validation split only admits four distinct values, so with
	// zero patience the run must stop within the first few epochs.
	recs := tr.Records()
	require.NotEmpty(t, recs)
	assert.LessOrEqual(t, len(recs), 4)

	// the stopping epoch's checkpoint carries the exceeded counter
	last := recs[len(recs)-1]
	ckpt, err := checkpoints.Load(checkpoints.EpochPath(dir, last.Epoch))
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.Training.EarlyStopCounter)
}

func TestRunFailsWhenDirectoryLocked(t *testing.T) {
	dir := t.TempDir()
	lock, err := checkpoints.NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.AcquireExclusive())
	defer lock.Release()

	tr := newTestTrainer(t, testConfig(t, dir, 1), "")
	err = tr.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointLocked))
	assert.Equal(t, Failed, tr.Phase())
}

func TestCancelledRunPersistsInterruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTrainer(t, testConfig(t, dir, 3), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Checkpointing, tr.Phase())

	ckpt, err := checkpoints.Load(checkpoints.InterruptPath(dir))
	require.NoError(t, err)
	assert.Equal(t, 0, ckpt.Training.EpochCompleted)
}

func TestCancelledRunDoesNotStepPartialWindow(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 3)
	cfg.AccumulationSteps = 4
	tr := newTestTrainer(t, cfg, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The in-flight mini-batch only part-fills the accumulation window.
	// A mid-epoch partial window must not step the optimizer, so the
	// interrupt checkpoint carries no step at all.
	ckpt, err := checkpoints.Load(checkpoints.InterruptPath(dir))
	require.NoError(t, err)
	assert.Equal(t, 0, ckpt.Training.GlobalStep)
	assert.Equal(t, 0, ckpt.Training.EpochCompleted)
}

func TestResumeRejectsSeedMismatch(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTrainer(t, testConfig(t, dir, 1), "")
	require.NoError(t, tr.Run(context.Background()))

	// a different seed would change the shuffle order, so resume refuses it
	cfg := testConfig(t, t.TempDir(), 2)
	cfg.Seed = 43
	ds, err := data.NewSyntheticDataset(cfg.Dataset.Classes, cfg.Dataset.SyntheticSamples, cfg.InputSize, cfg.Seed)
	require.NoError(t, err)
	train, val, _, err := data.Split(ds,
		cfg.Dataset.TrainRatio, cfg.Dataset.ValRatio, cfg.Dataset.TestRatio, cfg.Seed)
	require.NoError(t, err)

	_, err = New(cfg, train, val, checkpoints.EpochPath(dir, 1), quietLogger())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointCorrupt))
	assert.Contains(t, err.Error(), "seed")
}

func TestResumeRejectsBackboneMismatch(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTrainer(t, testConfig(t, dir, 1), "")
	require.NoError(t, tr.Run(context.Background()))

	cfg := testConfig(t, t.TempDir(), 2)
	cfg.Backbone = "mobilenet_v2"
	ds, err := data.NewSyntheticDataset(cfg.Dataset.Classes, cfg.Dataset.SyntheticSamples, cfg.InputSize, cfg.Seed)
	require.NoError(t, err)
	train, val, _, err := data.Split(ds,
		cfg.Dataset.TrainRatio, cfg.Dataset.ValRatio, cfg.Dataset.TestRatio, cfg.Seed)
	require.NoError(t, err)

	_, err = New(cfg, train, val, checkpoints.EpochPath(dir, 1), quietLogger())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointCorrupt))
}

func TestMixedPrecisionRunCompletes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 1)
	cfg.MixedPrecision = true
	cfg.LossScale.Init = 1024
	cfg.LossScale.GrowthInterval = 2

	tr := newTestTrainer(t, cfg, "")
	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, Completed, tr.Phase())
	assert.True(t, tr.Scaler().Enabled())
	assert.GreaterOrEqual(t, tr.Scaler().Scale(), 1.0)

	ckpt, err := checkpoints.Load(checkpoints.EpochPath(dir, 1))
	require.NoError(t, err)
	require.NotNil(t, ckpt.Scaler)
	assert.True(t, ckpt.Scaler.Enabled)
}
