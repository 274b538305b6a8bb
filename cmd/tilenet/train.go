package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/accessvision/tilenet/training"
)

var resumeFrom string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune a backbone on the configured dataset",
	Long: `Train runs the full fine-tuning loop: per-epoch shuffled batches,
gradient accumulation, optional mixed precision with dynamic loss
scaling, validation after every epoch, and a checkpoint per epoch plus a
best-by-validation-accuracy checkpoint. SIGINT and SIGTERM save an interrupt
checkpoint before exiting, and --resume continues a run exactly where a
checkpoint left it.

Examples:
  tilenet train --config run.yaml
  tilenet train --config run.yaml --resume checkpoints/epoch_0004.ckpt.gz`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&resumeFrom, "resume", "", "checkpoint to resume from (overrides the config's resume field)")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if resumeFrom != "" {
		cfg.Resume = resumeFrom
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	trainSplit, valSplit, _, err := buildSplits(cfg, logger)
	if err != nil {
		return err
	}

	trainer, err := training.New(cfg, trainSplit, valSplit, cfg.Resume, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return trainer.Run(ctx)
}
