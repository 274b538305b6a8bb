// Package config loads and validates the run configuration. The
// configuration is a single YAML document read once at startup; validation
// collects every missing or invalid field into one ConfigValidationError
// instead of stopping at the first problem.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/accessvision/tilenet/errors"
)

// SchedulerConfig selects the learning rate schedule and its parameters.
// Fields not used by the selected kind are ignored.
type SchedulerConfig struct {
	Kind        string  `yaml:"kind"`         // "constant", "step", "exponential", "cosine", "plateau"
	StepSize    int     `yaml:"step_size"`    // step: epochs between decays
	Gamma       float64 `yaml:"gamma"`        // step/exponential: decay factor
	TMax        int     `yaml:"t_max"`        // cosine: annealing horizon in epochs
	EtaMin      float64 `yaml:"eta_min"`      // cosine: floor learning rate
	WarmupSteps int     `yaml:"warmup_steps"` // cosine: linear warmup in optimizer steps
	Factor      float64 `yaml:"factor"`       // plateau: decay factor
	Patience    int     `yaml:"patience"`     // plateau: epochs without improvement
	Threshold   float64 `yaml:"threshold"`    // plateau: minimum improvement
}

// LossScaleConfig tunes the dynamic loss scaling used with mixed precision.
type LossScaleConfig struct {
	Init           float64 `yaml:"init"`            // initial scale factor
	GrowthInterval int     `yaml:"growth_interval"` // overflow-free steps before doubling
}

// DatasetConfig describes where training records come from. When Root is
// set, tiles load from a class-per-subdirectory folder; otherwise a
// deterministic synthetic tile set of SyntheticSamples records is
// generated, which is the test and smoke-run path.
type DatasetConfig struct {
	Root             string   `yaml:"root"`
	Classes          []string `yaml:"classes"`
	SyntheticSamples int      `yaml:"synthetic_samples"`
	TrainRatio       float64  `yaml:"train_ratio"`
	ValRatio         float64  `yaml:"val_ratio"`
	TestRatio        float64  `yaml:"test_ratio"`
	PrefetchWorkers  int      `yaml:"prefetch_workers"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`   // rotated log file; empty logs to stdout only
}

// PublishConfig configures optional artifact upload to S3-compatible
// object storage. Export skips publishing when the block is absent.
type PublishConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
	Prefix    string `yaml:"prefix"`
}

// Config is the immutable run configuration. Unknown YAML fields are
// ignored; required fields are checked by Validate.
type Config struct {
	Backbone     string `yaml:"backbone"`
	Pretrained   bool   `yaml:"pretrained"`
	FreezeLayers int    `yaml:"freeze_layers"`
	InputSize    int    `yaml:"input_size"`

	Epochs            int     `yaml:"epochs"`
	BatchSize         int     `yaml:"batch_size"`
	AccumulationSteps int     `yaml:"accumulation_steps"`
	LearningRate      float64 `yaml:"learning_rate"`
	WeightDecay       float64 `yaml:"weight_decay"`
	Momentum          float64 `yaml:"momentum"`
	Optimizer         string  `yaml:"optimizer"` // "sgd" or "adamw"
	EarlyStopPatience int     `yaml:"early_stop_patience"`

	Scheduler      SchedulerConfig `yaml:"scheduler"`
	MixedPrecision bool            `yaml:"mixed_precision"`
	LossScale      LossScaleConfig `yaml:"loss_scale"`

	Seed          int64  `yaml:"seed"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	Resume        string `yaml:"resume"`
	WeightsDir    string `yaml:"weights_dir"`

	Dataset DatasetConfig  `yaml:"dataset"`
	Logging LoggingConfig  `yaml:"logging"`
	Publish *PublishConfig `yaml:"publish"`
}

// Default returns a configuration with every optional field at its
// documented default. Load unmarshals the YAML document over this value.
func Default() *Config {
	return &Config{
		Backbone:          "resnet18",
		InputSize:         64,
		Epochs:            10,
		BatchSize:         16,
		AccumulationSteps: 1,
		LearningRate:      0.01,
		Momentum:          0.9,
		Optimizer:         "sgd",
		EarlyStopPatience: 5,
		Scheduler: SchedulerConfig{
			Kind:      "constant",
			StepSize:  30,
			Gamma:     0.1,
			EtaMin:    0,
			Factor:    0.1,
			Patience:  3,
			Threshold: 1e-4,
		},
		LossScale: LossScaleConfig{
			Init:           65536,
			GrowthInterval: 200,
		},
		Seed:          42,
		CheckpointDir: "checkpoints",
		Dataset: DatasetConfig{
			Classes:          []string{"curb_cut", "ramp", "obstacle", "surface_problem", "no_feature"},
			SyntheticSamples: 256,
			TrainRatio:       0.7,
			ValRatio:         0.15,
			TestRatio:        0.15,
			PrefetchWorkers:  2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigValidation, "read config file").
			WithArtifact(path).
			WithHint("check that the config path exists and is readable")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigValidation, "parse config file").
			WithArtifact(path).
			WithHint("the config must be a valid YAML document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EffectiveBatchSize returns the logical batch size one optimizer step
// corresponds to.
func (c *Config) EffectiveBatchSize() int {
	return c.BatchSize * c.AccumulationSteps
}

// NumClasses returns the classifier output width.
func (c *Config) NumClasses() int {
	return len(c.Dataset.Classes)
}

// Validate checks every field and reports all problems in a single
// ConfigValidationError.
func (c *Config) Validate() error {
	e := errors.New(errors.KindConfigValidation).
		WithMessage("invalid configuration").
		WithHint("fix every listed field and re-run")

	if c.Backbone == "" {
		e.WithField("backbone", "is required")
	}
	if c.FreezeLayers < 0 {
		e.WithField("freeze_layers", fmt.Sprintf("must be >= 0, got %d", c.FreezeLayers))
	}
	if c.InputSize < 16 {
		e.WithField("input_size", fmt.Sprintf("must be >= 16, got %d", c.InputSize))
	}
	if c.Epochs <= 0 {
		e.WithField("epochs", fmt.Sprintf("must be positive, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		e.WithField("batch_size", fmt.Sprintf("must be positive, got %d", c.BatchSize))
	}
	if c.AccumulationSteps <= 0 {
		e.WithField("accumulation_steps", fmt.Sprintf("must be positive, got %d", c.AccumulationSteps))
	}
	if c.LearningRate <= 0 {
		e.WithField("learning_rate", fmt.Sprintf("must be positive, got %g", c.LearningRate))
	}
	if c.WeightDecay < 0 {
		e.WithField("weight_decay", fmt.Sprintf("must be >= 0, got %g", c.WeightDecay))
	}
	switch c.Optimizer {
	case "sgd", "adamw":
	default:
		e.WithField("optimizer", fmt.Sprintf("unsupported optimizer %q (supported: sgd, adamw)", c.Optimizer))
	}
	if c.EarlyStopPatience < 0 {
		e.WithField("early_stop_patience", fmt.Sprintf("must be >= 0, got %d", c.EarlyStopPatience))
	}
	switch c.Scheduler.Kind {
	case "constant", "step", "exponential", "cosine", "plateau":
	default:
		e.WithField("scheduler.kind", fmt.Sprintf("unsupported scheduler %q", c.Scheduler.Kind))
	}
	if c.Scheduler.Kind == "step" && c.Scheduler.StepSize <= 0 {
		e.WithField("scheduler.step_size", fmt.Sprintf("must be positive, got %d", c.Scheduler.StepSize))
	}
	if c.Scheduler.Kind == "cosine" && c.Scheduler.TMax <= 0 {
		e.WithField("scheduler.t_max", fmt.Sprintf("must be positive, got %d", c.Scheduler.TMax))
	}
	if c.Scheduler.WarmupSteps < 0 {
		e.WithField("scheduler.warmup_steps", fmt.Sprintf("must be >= 0, got %d", c.Scheduler.WarmupSteps))
	}
	if c.MixedPrecision {
		if c.LossScale.Init <= 0 {
			e.WithField("loss_scale.init", fmt.Sprintf("must be positive, got %g", c.LossScale.Init))
		}
		if c.LossScale.GrowthInterval <= 0 {
			e.WithField("loss_scale.growth_interval", fmt.Sprintf("must be positive, got %d", c.LossScale.GrowthInterval))
		}
	}
	if c.CheckpointDir == "" {
		e.WithField("checkpoint_dir", "is required")
	}
	if len(c.Dataset.Classes) < 2 {
		e.WithField("dataset.classes", fmt.Sprintf("need at least 2 classes, got %d", len(c.Dataset.Classes)))
	}
	if c.Dataset.Root == "" && c.Dataset.SyntheticSamples <= 0 {
		e.WithField("dataset.synthetic_samples", "must be positive when dataset.root is not set")
	}
	sum := c.Dataset.TrainRatio + c.Dataset.ValRatio + c.Dataset.TestRatio
	if c.Dataset.TrainRatio <= 0 || c.Dataset.ValRatio <= 0 || c.Dataset.TestRatio < 0 {
		e.WithField("dataset.train_ratio", fmt.Sprintf("split ratios must be positive (train=%g val=%g test=%g)",
			c.Dataset.TrainRatio, c.Dataset.ValRatio, c.Dataset.TestRatio))
	} else if sum < 0.999 || sum > 1.001 {
		e.WithField("dataset.train_ratio", fmt.Sprintf("split ratios must sum to 1.0, got %g", sum))
	}
	if c.Dataset.PrefetchWorkers < 0 {
		e.WithField("dataset.prefetch_workers", fmt.Sprintf("must be >= 0, got %d", c.Dataset.PrefetchWorkers))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		e.WithField("logging.level", fmt.Sprintf("unsupported level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		e.WithField("logging.format", fmt.Sprintf("unsupported format %q", c.Logging.Format))
	}
	if c.Publish != nil {
		if c.Publish.Endpoint == "" {
			e.WithField("publish.endpoint", "is required when the publish block is set")
		}
		if c.Publish.Bucket == "" {
			e.WithField("publish.bucket", "is required when the publish block is set")
		}
	}

	if len(e.Fields) > 0 {
		return e
	}
	return nil
}
