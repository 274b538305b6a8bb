package export

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTestCheckpoint builds a model and persists it as a checkpoint,
// with the head biases spread far apart so the predicted class survives
// quantization noise.
func writeTestCheckpoint(t *testing.T, dir, arch string) (string, *model.Model) {
	t.Helper()
	m, err := model.Build(arch, false, 0,
		model.WithNumClasses(3),
		model.WithInputSize(16),
		model.WithSeed(7),
	)
	require.NoError(t, err)
	for _, p := range m.Parameters() {
		if p.Name == "fc.bias" || p.Name == "classifier.fc.bias" {
			p.Data.Data[0], p.Data.Data[1], p.Data.Data[2] = 2, 0, -2
		}
	}
	m.Eval()

	ckpt := &checkpoints.Checkpoint{
		FormatVersion: checkpoints.FormatVersion,
		Arch:          arch,
		NumClasses:    3,
		InputSize:     16,
		Seed:          7,
		Weights:       model.Snapshot(m),
		Metadata:      checkpoints.Metadata{RunID: "export-test", Framework: "tilenet"},
	}
	path := checkpoints.BestPath(dir)
	require.NoError(t, checkpoints.NewWriter(dir).Save(ckpt, path))
	return path, m
}

func TestParseFormats(t *testing.T) {
	formats, err := ParseFormats([]string{"onnx", "native", "onnx"})
	require.NoError(t, err)
	assert.Equal(t, []FormatTag{FormatONNX, FormatNative}, formats)

	_, err = ParseFormats([]string{"torchscript"})
	assert.Error(t, err)

	_, err = ParseFormats(nil)
	assert.Error(t, err)
}

func TestProbeInputIsFixed(t *testing.T) {
	a, err := ProbeInput(16)
	require.NoError(t, err)
	b, err := ProbeInput(16)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 16, 16}, a.Shape)
	assert.Equal(t, a.Data, b.Data)
}

func TestQuantizeRoundTripError(t *testing.T) {
	data := []float32{-1.27, -0.5, 0, 0.3, 1.27}
	q, scale := quantizeTensor(data)
	back := dequantizeTensor(q, scale)

	assert.InDelta(t, 1.27/127, scale, 1e-6)
	for i := range data {
		assert.InDelta(t, data[i], back[i], float64(scale)/2+1e-6)
	}
}

func TestQuantizeAllZeros(t *testing.T) {
	q, scale := quantizeTensor([]float32{0, 0, 0})
	assert.Equal(t, float32(1), scale)
	assert.Equal(t, []float32{0, 0, 0}, dequantizeTensor(q, scale))
}

func TestExportBothFormats(t *testing.T) {
	dir := t.TempDir()
	ckptPath, _ := writeTestCheckpoint(t, dir, "resnet18")
	out := filepath.Join(dir, "artifacts")

	artifacts, err := Export(context.Background(), ckptPath,
		[]FormatTag{FormatONNX, FormatNative},
		Options{OutputDir: out, Logger: discardLogger()})
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	assert.Equal(t, FormatONNX, artifacts[0].Format)
	assert.Equal(t, filepath.Join(out, "resnet18.onnx"), artifacts[0].Path)
	assert.Equal(t, FormatNative, artifacts[1].Format)
	assert.Equal(t, filepath.Join(out, "resnet18.gob"), artifacts[1].Path)
	for _, a := range artifacts {
		info, err := os.Stat(a.Path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
		assert.False(t, a.Quantized)
	}
}

func TestExportIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	ckptPath, _ := writeTestCheckpoint(t, dir, "resnet18")

	read := func(out string) []byte {
		_, err := Export(context.Background(), ckptPath, []FormatTag{FormatONNX},
			Options{OutputDir: out, Logger: discardLogger()})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(out, "resnet18.onnx"))
		require.NoError(t, err)
		return data
	}

	first := read(filepath.Join(dir, "a"))
	second := read(filepath.Join(dir, "b"))
	assert.Equal(t, first, second)
}

func TestNativeRoundTripMatchesSource(t *testing.T) {
	dir := t.TempDir()
	ckptPath, src := writeTestCheckpoint(t, dir, "resnet18")
	out := filepath.Join(dir, "artifacts")

	_, err := Export(context.Background(), ckptPath, []FormatTag{FormatNative},
		Options{OutputDir: out, Logger: discardLogger()})
	require.NoError(t, err)

	reloaded, err := LoadNative(filepath.Join(out, "resnet18.gob"))
	require.NoError(t, err)
	assert.Equal(t, "resnet18", reloaded.Arch())

	probe, err := ProbeInput(16)
	require.NoError(t, err)
	want, err := src.Forward(probe)
	require.NoError(t, err)
	got, err := reloaded.Forward(probe)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestQuantizedExport(t *testing.T) {
	dir := t.TempDir()
	ckptPath, _ := writeTestCheckpoint(t, dir, "resnet18")
	out := filepath.Join(dir, "artifacts")

	artifacts, err := Export(context.Background(), ckptPath,
		[]FormatTag{FormatONNX, FormatNative},
		Options{OutputDir: out, Quantize: true, Logger: discardLogger()})
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	assert.Equal(t, filepath.Join(out, "resnet18_int8.onnx"), artifacts[0].Path)
	assert.Equal(t, filepath.Join(out, "resnet18_int8.gob"), artifacts[1].Path)
	for _, a := range artifacts {
		assert.True(t, a.Quantized)
	}

	// the quantized container is materially smaller than the float one
	_, err = Export(context.Background(), ckptPath, []FormatTag{FormatNative},
		Options{OutputDir: out, Logger: discardLogger()})
	require.NoError(t, err)
	floatInfo, err := os.Stat(filepath.Join(out, "resnet18.gob"))
	require.NoError(t, err)
	quantInfo, err := os.Stat(filepath.Join(out, "resnet18_int8.gob"))
	require.NoError(t, err)
	assert.Less(t, quantInfo.Size(), floatInfo.Size()/2)
}

func TestMobilenetONNXIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	ckptPath, _ := writeTestCheckpoint(t, dir, "mobilenet_v2")
	out := filepath.Join(dir, "artifacts")

	artifacts, err := Export(context.Background(), ckptPath,
		[]FormatTag{FormatONNX, FormatNative},
		Options{OutputDir: out, Logger: discardLogger()})

	// native still succeeds; the onnx failure is reported alongside
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedExportTarget))
	require.Len(t, artifacts, 1)
	assert.Equal(t, FormatNative, artifacts[0].Format)
	assert.Equal(t, filepath.Join(out, "mobilenet_v2.gob"), artifacts[0].Path)
}

func TestExportFailsFastWhenTrainerHoldsLock(t *testing.T) {
	dir := t.TempDir()
	ckptPath, _ := writeTestCheckpoint(t, dir, "resnet18")

	lock, err := checkpoints.NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.AcquireExclusive())
	defer lock.Release()

	_, err = Export(context.Background(), ckptPath, []FormatTag{FormatNative},
		Options{OutputDir: t.TempDir(), Logger: discardLogger()})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCheckpointLocked))
}

func TestBenchmark(t *testing.T) {
	dir := t.TempDir()
	_, m := writeTestCheckpoint(t, dir, "resnet18")

	result, err := Benchmark(m, BenchmarkConfig{WarmupRuns: 1, TimedRuns: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Runs)
	assert.Greater(t, result.MeanMillis, 0.0)
	assert.GreaterOrEqual(t, result.P95Millis, result.MedianMillis)
	assert.Greater(t, result.Throughput, 0.0)

	_, err = Benchmark(m, BenchmarkConfig{TimedRuns: 0})
	assert.Error(t, err)
}

func TestWriteBenchmarkReport(t *testing.T) {
	dir := t.TempDir()
	result := &BenchmarkResult{Runs: 5, MeanMillis: 1.5, MedianMillis: 1.4, P95Millis: 2.0, Throughput: 666}
	require.NoError(t, WriteBenchmarkReport(dir, "onnx", result))

	data, err := os.ReadFile(filepath.Join(dir, "benchmark_onnx.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mean_ms": 1.5`)
}
