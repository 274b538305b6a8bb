package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/accessvision/tilenet/config"
	"github.com/accessvision/tilenet/data"
	"github.com/accessvision/tilenet/logging"
)

var cfgFile string

// rootCmd is the base command for the tile classifier pipeline.
var rootCmd = &cobra.Command{
	Use:   "tilenet",
	Short: "Train, evaluate and export accessibility map-tile classifiers",
	Long: `tilenet is the training pipeline for accessibility map-tile
image classification. It fine-tunes a convolutional backbone on labeled
tiles, checkpoints progress so interrupted runs resume exactly, and
exports verified inference artifacts.

Example:
  tilenet train --config run.yaml
  tilenet evaluate --checkpoint checkpoints/best.ckpt.gz --split test
  tilenet export --checkpoint checkpoints/best.ckpt.gz --formats onnx,native`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML run configuration (defaults apply when omitted)")
}

// loadConfig reads the --config file, or starts from defaults when the
// flag is not set.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(cfg.Logging)
}

// buildSplits materializes the configured dataset and partitions it. A
// dataset root selects the on-disk class-per-directory layout; without
// one the deterministic synthetic tiles are used.
func buildSplits(cfg *config.Config, logger *slog.Logger) (train, val, test data.Dataset, err error) {
	var ds data.Dataset
	if cfg.Dataset.Root != "" {
		folder, err := data.NewFolderDataset(cfg.Dataset.Root, cfg.InputSize)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("loaded dataset",
			"root", cfg.Dataset.Root, "records", folder.Len(), "classes", len(folder.ClassNames()))
		ds = folder
	} else {
		synth, err := data.NewSyntheticDataset(cfg.Dataset.Classes, cfg.Dataset.SyntheticSamples, cfg.InputSize, cfg.Seed)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("using synthetic dataset",
			"records", synth.Len(), "classes", len(cfg.Dataset.Classes))
		ds = synth
	}

	trainSub, valSub, testSub, err := data.Split(ds,
		cfg.Dataset.TrainRatio, cfg.Dataset.ValRatio, cfg.Dataset.TestRatio, cfg.Seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to split dataset: %w", err)
	}
	logger.Info("dataset split",
		"train", trainSub.Len(), "val", valSub.Len(), "test", testSub.Len())
	return trainSub, valSub, testSub, nil
}

// classNames resolves the class list used for reports: the on-disk
// directory names when a dataset root is configured, the configured list
// otherwise.
func classNames(cfg *config.Config) ([]string, error) {
	if cfg.Dataset.Root != "" {
		folder, err := data.NewFolderDataset(cfg.Dataset.Root, cfg.InputSize)
		if err != nil {
			return nil, err
		}
		return folder.ClassNames(), nil
	}
	return cfg.Dataset.Classes, nil
}
