// Package export converts checkpoints into portable inference artifacts.
// Each artifact is verified for numerical equivalence against the source
// checkpoint with a fixed probe input before it is reported, optionally
// quantized to int8, benchmarked, and published to object storage.
package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/model"
	"github.com/accessvision/tilenet/tensor"
)

// FormatTag names a supported target format.
type FormatTag string

const (
	// FormatONNX is the ONNX opset-13 graph serialization.
	FormatONNX FormatTag = "onnx"
	// FormatNative is the versioned gob container the Go serving API
	// consumes.
	FormatNative FormatTag = "native"
)

// ParseFormats validates a list of format names.
func ParseFormats(names []string) ([]FormatTag, error) {
	var formats []FormatTag
	seen := make(map[FormatTag]bool)
	for _, n := range names {
		tag := FormatTag(n)
		switch tag {
		case FormatONNX, FormatNative:
		default:
			return nil, fmt.Errorf("unknown export format %q (supported: onnx, native)", n)
		}
		if !seen[tag] {
			seen[tag] = true
			formats = append(formats, tag)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no export formats requested")
	}
	return formats, nil
}

// Tolerances for probe equivalence. Quantization is expected to
// introduce small numerical drift, so its tolerance is looser and the
// predicted class must still match.
const (
	floatTolerance     = 1e-5
	quantizedTolerance = 0.25
)

// Options configure one export invocation.
type Options struct {
	OutputDir string
	Quantize  bool
	Benchmark bool
	Publisher *Publisher // nil disables publishing
	Logger    *slog.Logger
}

// Artifact describes one exported model file.
type Artifact struct {
	Format    FormatTag        `json:"format"`
	Path      string           `json:"path"`
	Quantized bool             `json:"quantized"`
	Benchmark *BenchmarkResult `json:"benchmark,omitempty"`
}

// Export converts the checkpoint at checkpointPath into every requested
// format. A failing format does not abort the others: all artifacts that
// succeeded are returned together with the per-format errors joined into
// one. The checkpoint opens read-only under the directory's shared lock,
// failing fast when a training run holds it.
func Export(ctx context.Context, checkpointPath string, formats []FormatTag, opts Options) ([]Artifact, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}

	lock, err := checkpoints.NewDirLock(filepath.Dir(checkpointPath))
	if err != nil {
		return nil, err
	}
	if err := lock.AcquireShared(); err != nil {
		return nil, err
	}
	defer lock.Release()

	ckpt, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return nil, err
	}
	src, err := model.FromCheckpoint(ckpt)
	if err != nil {
		return nil, err
	}

	probe, err := ProbeInput(src.InputSize())
	if err != nil {
		return nil, err
	}
	want, err := src.Forward(probe)
	if err != nil {
		return nil, fmt.Errorf("probe forward on source checkpoint failed: %w", err)
	}
	wantClass, err := want.ArgMaxRow(0)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var artifacts []Artifact
	var failures []error
	for _, format := range formats {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Errorf("export cancelled: %w", err))
			break
		}
		artifact, err := exportOne(ckpt, src, format, probe, want, wantClass, opts, logger)
		if err != nil {
			logger.Error("format export failed", "format", format, "error", err)
			failures = append(failures, err)
			continue
		}
		artifacts = append(artifacts, *artifact)
		logger.Info("format exported",
			"format", format, "path", artifact.Path, "quantized", artifact.Quantized)
	}

	if opts.Publisher != nil && len(artifacts) > 0 {
		if err := opts.Publisher.PublishArtifacts(ctx, artifacts); err != nil {
			failures = append(failures, err)
		}
	}
	return artifacts, stderrors.Join(failures...)
}

// exportOne writes one format, verifies probe equivalence, and
// benchmarks when requested.
func exportOne(ckpt *checkpoints.Checkpoint, src *model.Model, format FormatTag,
	probe, want *tensor.Tensor, wantClass int, opts Options, logger *slog.Logger) (*Artifact, error) {

	var (
		path     string
		reloaded *model.Model
		err      error
	)
	switch format {
	case FormatONNX:
		path = artifactPath(opts.OutputDir, ckpt.Arch, opts.Quantize, ".onnx")
		reloaded, err = exportONNX(ckpt, src, path, opts.Quantize)
	case FormatNative:
		path = artifactPath(opts.OutputDir, ckpt.Arch, opts.Quantize, ".gob")
		reloaded, err = exportNative(ckpt, src, path, opts.Quantize)
	default:
		return nil, errors.New(errors.KindUnsupportedExportTarget).
			WithMessagef("unknown export format %q", format).
			WithArtifact(string(format))
	}
	if err != nil {
		return nil, err
	}

	if err := verifyEquivalence(reloaded, probe, want, wantClass, opts.Quantize, string(format), path); err != nil {
		os.Remove(path)
		return nil, err
	}

	artifact := &Artifact{Format: format, Path: path, Quantized: opts.Quantize}
	if opts.Benchmark {
		result, err := Benchmark(reloaded, DefaultBenchmarkConfig())
		if err != nil {
			return nil, fmt.Errorf("benchmark failed for %s: %w", format, err)
		}
		artifact.Benchmark = result
		if err := WriteBenchmarkReport(opts.OutputDir, string(format), result); err != nil {
			return nil, err
		}
		logger.Info("benchmark finished",
			"format", format,
			"mean_ms", result.MeanMillis,
			"p95_ms", result.P95Millis,
			"throughput", result.Throughput,
		)
	}
	return artifact, nil
}

// verifyEquivalence runs the probe through the reloaded artifact and
// compares against the source checkpoint's output.
func verifyEquivalence(reloaded *model.Model, probe, want *tensor.Tensor, wantClass int,
	quantized bool, format, path string) error {

	got, err := reloaded.Forward(probe)
	if err != nil {
		return errors.Wrap(err, errors.KindExportEquivalence, "probe forward on exported model failed").
			WithArtifact(path)
	}
	diff, err := tensor.MaxAbsDiff(want, got)
	if err != nil {
		return errors.Wrap(err, errors.KindExportEquivalence, "probe outputs are not comparable").
			WithArtifact(path)
	}
	tol := float32(floatTolerance)
	if quantized {
		tol = quantizedTolerance
	}
	if diff > tol {
		return errors.New(errors.KindExportEquivalence).
			WithMessagef("%s output diverges from checkpoint: max abs diff %g exceeds tolerance %g", format, diff, tol).
			WithArtifact(path).
			WithHint("the conversion is numerically wrong; do not deploy this artifact")
	}
	if quantized {
		gotClass, err := got.ArgMaxRow(0)
		if err != nil {
			return err
		}
		if gotClass != wantClass {
			return errors.New(errors.KindExportEquivalence).
				WithMessagef("quantized %s predicts class %d, checkpoint predicts %d", format, gotClass, wantClass).
				WithArtifact(path).
				WithHint("quantization changed the predicted class; export without --quantize")
		}
	}
	return nil
}

func artifactPath(dir, arch string, quantized bool, ext string) string {
	name := arch
	if quantized {
		name += "_int8"
	}
	return filepath.Join(dir, name+ext)
}
