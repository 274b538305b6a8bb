package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/accessvision/tilenet/data"
	"github.com/accessvision/tilenet/eval"
)

var (
	evalCheckpoint string
	evalSplit      string
	evalJSON       bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a checkpoint on a held-out split",
	Long: `Evaluate loads a checkpoint read-only and runs it over the chosen
split once, reporting accuracy, per-class precision/recall/F1, the
confusion matrix and the misclassified records. The checkpoint directory
is locked shared, so evaluation never races an active training run.

Examples:
  tilenet evaluate --checkpoint checkpoints/best.ckpt.gz --split test
  tilenet evaluate --checkpoint checkpoints/best.ckpt.gz --split val --json`,
	Args: cobra.NoArgs,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evalCheckpoint, "checkpoint", "", "checkpoint to evaluate (required)")
	evaluateCmd.Flags().StringVar(&evalSplit, "split", "test", `split to evaluate: "val" or "test"`)
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "emit the full report as JSON")
	evaluateCmd.MarkFlagRequired("checkpoint")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	_, valSplit, testSplit, err := buildSplits(cfg, logger)
	if err != nil {
		return err
	}
	var split data.Dataset
	switch evalSplit {
	case "val":
		split = valSplit
	case "test":
		split = testSplit
	default:
		return fmt.Errorf("unknown split %q (use val or test)", evalSplit)
	}

	classes, err := classNames(cfg)
	if err != nil {
		return err
	}

	report, err := eval.EvaluateCheckpoint(cmd.Context(), evalCheckpoint, split, classes,
		eval.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return err
	}

	if evalJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(report)
	return nil
}

func printReport(r *eval.Report) {
	fmt.Printf("Records:         %d\n", r.Records)
	fmt.Printf("Accuracy:        %.4f\n", r.Accuracy)
	fmt.Printf("Macro precision: %.4f\n", r.MacroPrecision)
	fmt.Printf("Macro recall:    %.4f\n", r.MacroRecall)
	fmt.Printf("Macro F1:        %.4f\n", r.MacroF1)
	fmt.Println()
	fmt.Printf("%-20s %9s %9s %9s %9s\n", "class", "precision", "recall", "f1", "support")
	for _, c := range r.PerClass {
		fmt.Printf("%-20s %9.4f %9.4f %9.4f %9d\n", c.Class, c.Precision, c.Recall, c.F1, c.Support)
	}
	fmt.Println()
	fmt.Println("Confusion matrix (rows=true, cols=predicted):")
	fmt.Print(r.Confusion.String())
	if len(r.Misclassified) > 0 {
		fmt.Printf("\nMisclassified records: %d\n", len(r.Misclassified))
		limit := len(r.Misclassified)
		if limit > 10 {
			limit = 10
		}
		for _, m := range r.Misclassified[:limit] {
			fmt.Printf("  #%d: %s predicted as %s (confidence %.3f)\n",
				m.Index, m.TrueClass, m.PredClass, m.Confidence)
		}
	}
}
