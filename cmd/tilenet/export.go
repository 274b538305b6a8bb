package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/accessvision/tilenet/export"
)

var (
	exportCheckpoint string
	exportFormats    []string
	exportQuantize   bool
	exportBenchmark  bool
	exportOut        string
	exportPublish    bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Convert a checkpoint into verified inference artifacts",
	Long: `Export converts a checkpoint into the requested formats, verifies
every artifact against the checkpoint with a fixed probe input, and
deletes artifacts that fail verification. One failing format never
aborts the others. With --publish the artifacts are uploaded to the
object store from the config's publish block.

Examples:
  tilenet export --checkpoint checkpoints/best.ckpt.gz --formats onnx,native
  tilenet export --checkpoint checkpoints/best.ckpt.gz --formats native --quantize --benchmark`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportCheckpoint, "checkpoint", "", "checkpoint to export (required)")
	exportCmd.Flags().StringSliceVar(&exportFormats, "formats", []string{"onnx"}, "target formats: onnx, native")
	exportCmd.Flags().BoolVar(&exportQuantize, "quantize", false, "quantize weights to int8")
	exportCmd.Flags().BoolVar(&exportBenchmark, "benchmark", false, "benchmark each artifact after verification")
	exportCmd.Flags().StringVar(&exportOut, "out", "artifacts", "output directory")
	exportCmd.Flags().BoolVar(&exportPublish, "publish", false, "upload artifacts to the configured object store")
	exportCmd.MarkFlagRequired("checkpoint")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	formats, err := export.ParseFormats(exportFormats)
	if err != nil {
		return err
	}

	opts := export.Options{
		OutputDir: exportOut,
		Quantize:  exportQuantize,
		Benchmark: exportBenchmark,
		Logger:    logger,
	}
	if exportPublish {
		if cfg.Publish == nil {
			return fmt.Errorf("--publish requires a publish block in the config")
		}
		publisher, err := export.NewPublisher(cfg.Publish, logger)
		if err != nil {
			return err
		}
		opts.Publisher = publisher
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifacts, exportErr := export.Export(ctx, exportCheckpoint, formats, opts)
	for _, a := range artifacts {
		fmt.Printf("exported %s -> %s", a.Format, a.Path)
		if a.Quantized {
			fmt.Print(" (int8)")
		}
		if a.Benchmark != nil {
			fmt.Printf("  mean %.2fms  p95 %.2fms  %.1f inf/s",
				a.Benchmark.MeanMillis, a.Benchmark.P95Millis, a.Benchmark.Throughput)
		}
		fmt.Println()
	}
	return exportErr
}
