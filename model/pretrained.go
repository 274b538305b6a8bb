package model

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/accessvision/tilenet/checkpoints"
)

// WeightsFile is the on-disk layout of a pretrained backbone:
// gzip-compressed JSON with the architecture tag and the backbone
// tensors. Head tensors present in the file are ignored; the head is
// always freshly initialized.
type WeightsFile struct {
	Arch    string                      `json:"arch"`
	Weights []checkpoints.WeightTensor  `json:"weights"`
}

// WeightsPath names the pretrained weights file for a backbone.
func WeightsPath(dir, arch string) string {
	return filepath.Join(dir, arch+".json.gz")
}

// loadPretrained overwrites the backbone tensors from the weights
// directory. A missing file is not an error: the model keeps its seeded
// random initialization and the fallback is logged, so smoke runs work
// without a weights download.
func loadPretrained(m *Model, dir string, logger *slog.Logger) error {
	path := WeightsPath(dir, m.Arch())
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.Warn("pretrained weights not found, keeping random initialization",
			"backbone", m.Arch(), "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open pretrained weights: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read pretrained weights %s: %w", path, err)
	}
	defer gz.Close()

	var wf WeightsFile
	if err := json.NewDecoder(gz).Decode(&wf); err != nil {
		return fmt.Errorf("failed to decode pretrained weights %s: %w", path, err)
	}
	if wf.Arch != m.Arch() {
		return fmt.Errorf("pretrained weights %s are for %q, model is %q", path, wf.Arch, m.Arch())
	}

	weights := make(map[string][]float32, len(wf.Weights))
	for i := range wf.Weights {
		data, err := wf.Weights[i].Floats()
		if err != nil {
			return fmt.Errorf("failed to decode pretrained weights %s: %w", path, err)
		}
		weights[wf.Weights[i].Name] = data
	}
	if err := m.loadBackboneTensors(weights); err != nil {
		return fmt.Errorf("pretrained weights %s do not match %s: %w", path, m.Arch(), err)
	}
	logger.Info("loaded pretrained backbone weights", "backbone", m.Arch(), "path", path)
	return nil
}

// SaveWeights writes the model's backbone tensors as a pretrained weights
// file, the counterpart of loadPretrained.
func SaveWeights(m *Model, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create weights directory: %w", err)
	}
	headNames := make(map[string]bool)
	for _, p := range m.head.Params {
		headNames[p.Name] = true
	}
	wf := WeightsFile{Arch: m.Arch()}
	for _, nt := range m.NamedTensors() {
		if headNames[nt.Name] {
			continue
		}
		wf.Weights = append(wf.Weights, checkpoints.NewWeightTensor(nt.Name, nt.Data))
	}

	path := WeightsPath(dir, m.Arch())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(&wf); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode weights file: %w", err)
	}
	return gz.Close()
}
