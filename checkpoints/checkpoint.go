// Package checkpoints persists and restores training state. A checkpoint
// is a versioned, gzip-compressed JSON container holding model weights,
// optimizer, scheduler and loss-scaler state, and the training progress
// needed to resume exactly. Checkpoints are immutable after write; every
// epoch writes a new instance.
package checkpoints

import (
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/tensor"
)

// FormatVersion is the current checkpoint container version. Readers
// reject any other version deterministically.
const FormatVersion = 3

// WeightTensor is one named tensor with base64-encoded little-endian
// float32 data.
type WeightTensor struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// NewWeightTensor encodes a tensor for storage.
func NewWeightTensor(name string, t *tensor.Tensor) WeightTensor {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  base64.StdEncoding.EncodeToString(buf),
	}
}

// Floats decodes the tensor data.
func (w *WeightTensor) Floats() ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tensor %q: %w", w.Name, err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor %q has truncated data (%d bytes)", w.Name, len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// Tensor decodes the stored data into a new tensor.
func (w *WeightTensor) Tensor() (*tensor.Tensor, error) {
	data, err := w.Floats()
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor(w.Shape, data)
}

// TrainingState is the progress snapshot a resume continues from.
type TrainingState struct {
	EpochCompleted   int     `json:"epoch_completed"`
	GlobalStep       int     `json:"global_step"`
	BestScore        float64 `json:"best_score"`
	EarlyStopCounter int     `json:"early_stop_counter"`
}

// OptimizerState carries the optimizer kind, its hyperparameters and its
// per-parameter state tensors (momentum, first/second moments).
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	State      []WeightTensor     `json:"state"`
}

// SchedulerState carries the scheduler kind and its mutable state so a
// resumed run neither restarts the schedule nor re-triggers warmup.
type SchedulerState struct {
	Kind       string  `json:"kind"`
	StepCount  int     `json:"step_count"`
	LastLR     float64 `json:"last_lr"`
	BestMetric float64 `json:"best_metric"`
	BadEpochs  int     `json:"bad_epochs"`
	Factor     float64 `json:"factor"`
}

// ScalerState carries the dynamic loss-scale state machine.
type ScalerState struct {
	Enabled        bool    `json:"enabled"`
	Scale          float64 `json:"scale"`
	GrowthInterval int     `json:"growth_interval"`
	Streak         int     `json:"streak"`
}

// Metadata identifies the producing run.
type Metadata struct {
	RunID       string    `json:"run_id"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Checkpoint is the complete self-consistent training snapshot.
type Checkpoint struct {
	FormatVersion int `json:"format_version"`

	Arch       string `json:"arch"`
	NumClasses int    `json:"num_classes"`
	InputSize  int    `json:"input_size"`
	Seed       int64  `json:"seed"`

	Training  TrainingState   `json:"training"`
	Weights   []WeightTensor  `json:"weights"`
	Optimizer *OptimizerState `json:"optimizer,omitempty"`
	Scheduler *SchedulerState `json:"scheduler,omitempty"`
	Scaler    *ScalerState    `json:"scaler,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightMap indexes the stored weights by name.
func (c *Checkpoint) WeightMap() (map[string][]float32, error) {
	m := make(map[string][]float32, len(c.Weights))
	for i := range c.Weights {
		data, err := c.Weights[i].Floats()
		if err != nil {
			return nil, err
		}
		m[c.Weights[i].Name] = data
	}
	return m, nil
}

// validate checks the required fields of a decoded checkpoint.
func (c *Checkpoint) validate(path string) error {
	missing := func(field string) error {
		return errors.New(errors.KindCheckpointCorrupt).
			WithMessagef("checkpoint is missing required field %s", field).
			WithArtifact(path).
			WithHint("the file is truncated or was not written by this pipeline")
	}
	if c.Arch == "" {
		return missing("arch")
	}
	if c.NumClasses <= 0 {
		return missing("num_classes")
	}
	if c.InputSize <= 0 {
		return missing("input_size")
	}
	if len(c.Weights) == 0 {
		return missing("weights")
	}
	if c.Metadata.RunID == "" {
		return missing("metadata.run_id")
	}
	return nil
}

// Load reads and validates a checkpoint file. An incompatible
// format_version fails with CheckpointVersionError; a missing version tag
// or missing required field fails with CheckpointCorruptError.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "open checkpoint").
			WithArtifact(path).
			WithHint("check that the checkpoint path exists and is readable")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointCorrupt, "checkpoint is not a gzip container").
			WithArtifact(path).
			WithHint("the file is not a checkpoint or was truncated during write")
	}
	defer gz.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(gz).Decode(&ckpt); err != nil {
		return nil, errors.Wrap(err, errors.KindCheckpointCorrupt, "decode checkpoint").
			WithArtifact(path).
			WithHint("the file is not a checkpoint or was truncated during write")
	}
	if ckpt.FormatVersion == 0 {
		return nil, errors.New(errors.KindCheckpointCorrupt).
			WithMessage("checkpoint has no format_version tag").
			WithArtifact(path).
			WithHint("the file predates versioned checkpoints and cannot be trusted")
	}
	if ckpt.FormatVersion != FormatVersion {
		return nil, errors.New(errors.KindCheckpointVersion).
			WithMessagef("checkpoint format version %d is not supported (want %d)", ckpt.FormatVersion, FormatVersion).
			WithArtifact(path).
			WithHint("re-train with this version or convert the checkpoint with the matching release")
	}
	if err := ckpt.validate(path); err != nil {
		return nil, err
	}
	return &ckpt, nil
}

// EpochPath names the periodic checkpoint for a completed epoch.
func EpochPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("epoch_%04d.ckpt.gz", epoch))
}

// BestPath names the best-validation-score checkpoint.
func BestPath(dir string) string {
	return filepath.Join(dir, "best.ckpt.gz")
}

// InterruptPath names the checkpoint written when a run is cancelled
// mid-epoch. Epoch checkpoints are immutable, so the interrupt snapshot
// gets its own file.
func InterruptPath(dir string) string {
	return filepath.Join(dir, "interrupt.ckpt.gz")
}
