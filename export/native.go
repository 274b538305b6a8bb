package export

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/model"
)

// NativeFormatVersion tags the gob container layout. The detection
// serving API refuses other versions.
const NativeFormatVersion = 1

// NativeTensor is one tensor in the native container. Exactly one of
// Data (float32) or Quant+Scale (symmetric int8) is populated.
type NativeTensor struct {
	Name  string
	Shape []int
	Data  []float32
	Quant []int8
	Scale float32
}

// NativeModel is the on-disk layout of the native format: a versioned
// gob stream of the architecture tag, the build geometry and every model
// tensor in deterministic order. Encoding the same checkpoint twice
// yields byte-identical files.
type NativeModel struct {
	FormatVersion int
	Arch          string
	NumClasses    int
	InputSize     int
	Seed          int64
	RunID         string
	Quantized     bool
	Tensors       []NativeTensor
}

// exportNative writes the native container and reloads it for the probe
// equivalence check.
func exportNative(ckpt *checkpoints.Checkpoint, src *model.Model, path string, quantize bool) (*model.Model, error) {
	nm := &NativeModel{
		FormatVersion: NativeFormatVersion,
		Arch:          ckpt.Arch,
		NumClasses:    ckpt.NumClasses,
		InputSize:     ckpt.InputSize,
		Seed:          ckpt.Seed,
		RunID:         ckpt.Metadata.RunID,
		Quantized:     quantize,
	}
	for _, nt := range src.NamedTensors() {
		t := NativeTensor{Name: nt.Name, Shape: append([]int(nil), nt.Data.Shape...)}
		// Quantize multi-dimensional weights only; 1-D tensors
		// (biases, batch norm parameters and statistics) stay float32.
		if quantize && nt.Data.Dim() >= 2 {
			t.Quant, t.Scale = quantizeTensor(nt.Data.Data)
		} else {
			t.Data = append([]float32(nil), nt.Data.Data...)
		}
		nm.Tensors = append(nm.Tensors, t)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create native artifact: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(nm); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to encode native artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close native artifact: %w", err)
	}
	return LoadNative(path)
}

// LoadNative reads a native artifact back into a runnable model. This is
// the loader the serving API uses.
func LoadNative(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open native artifact: %w", err)
	}
	defer f.Close()

	var nm NativeModel
	if err := gob.NewDecoder(f).Decode(&nm); err != nil {
		return nil, fmt.Errorf("failed to decode native artifact %s: %w", path, err)
	}
	if nm.FormatVersion != NativeFormatVersion {
		return nil, fmt.Errorf("native artifact %s has format version %d, want %d", path, nm.FormatVersion, NativeFormatVersion)
	}

	m, err := model.Build(nm.Arch, false, 0,
		model.WithNumClasses(nm.NumClasses),
		model.WithInputSize(nm.InputSize),
		model.WithSeed(nm.Seed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s from native artifact: %w", nm.Arch, err)
	}
	weights := make(map[string][]float32, len(nm.Tensors))
	for i := range nm.Tensors {
		t := &nm.Tensors[i]
		if t.Quant != nil {
			weights[t.Name] = dequantizeTensor(t.Quant, t.Scale)
		} else {
			weights[t.Name] = t.Data
		}
	}
	if err := m.LoadNamedTensors(weights); err != nil {
		return nil, fmt.Errorf("native artifact %s does not match %s: %w", path, nm.Arch, err)
	}
	m.Eval()
	return m, nil
}
