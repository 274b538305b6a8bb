package eval

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/accessvision/tilenet/checkpoints"
	"github.com/accessvision/tilenet/data"
	"github.com/accessvision/tilenet/errors"
	"github.com/accessvision/tilenet/model"
)

// ClassMetrics are one class's precision, recall, F1 and support.
type ClassMetrics struct {
	Class     string  `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Misclassified is one wrongly predicted record: its index in the split,
// the true and predicted labels, and the model's confidence in its wrong
// answer.
type Misclassified struct {
	Index      int     `json:"index"`
	TrueClass  string  `json:"true_class"`
	PredClass  string  `json:"pred_class"`
	Confidence float64 `json:"confidence"`
}

const defaultBatchSize = 16

type options struct {
	batchSize int
}

// Option adjusts how an evaluation pass runs.
type Option func(*options)

// WithBatchSize sets how many records each forward pass batches
// together. The report does not depend on it, only memory and speed do.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// Report is the full evaluation result for one split.
type Report struct {
	Records        int              `json:"records"`
	Accuracy       float64          `json:"accuracy"`
	MacroPrecision float64          `json:"macro_precision"`
	MacroRecall    float64          `json:"macro_recall"`
	MacroF1        float64          `json:"macro_f1"`
	PerClass       []ClassMetrics   `json:"per_class"`
	Confusion      *ConfusionMatrix `json:"confusion"`
	Misclassified  []Misclassified  `json:"misclassified"`
}

// Evaluate runs the model over every record of the split exactly once, in
// sequential order, with no gradient computation. The model's train/eval
// mode is restored afterward. An empty split fails with SplitEmptyError.
func Evaluate(ctx context.Context, m *model.Model, split data.Dataset, classes []string, opts ...Option) (*Report, error) {
	o := options{batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		return nil, fmt.Errorf("evaluation batch size must be positive, got %d", o.batchSize)
	}
	if split.Len() == 0 {
		return nil, errors.New(errors.KindSplitEmpty).
			WithMessage("evaluation split has zero records").
			WithHint("check the dataset path and the split ratios")
	}
	if len(classes) != m.NumClasses() {
		return nil, fmt.Errorf("model has %d classes, %d class names given", m.NumClasses(), len(classes))
	}

	wasTraining := m.IsTraining()
	m.Eval()
	defer func() {
		if wasTraining {
			m.Train()
		}
	}()

	cm := NewConfusionMatrix(len(classes))
	var misclassified []Misclassified

	loader, err := data.NewBatchLoader(split, o.batchSize, false, 0)
	if err != nil {
		return nil, err
	}
	recordIdx := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation cancelled: %w", err)
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to load evaluation batch: %w", err)
		}
		logits, err := m.Forward(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("evaluation forward failed: %w", err)
		}
		for i := 0; i < batch.Size(); i++ {
			pred, err := logits.ArgMaxRow(i)
			if err != nil {
				return nil, err
			}
			trueClass := batch.Labels[i]
			if err := cm.Add(trueClass, pred); err != nil {
				return nil, err
			}
			if pred != trueClass {
				misclassified = append(misclassified, Misclassified{
					Index:      recordIdx,
					TrueClass:  classes[trueClass],
					PredClass:  classes[pred],
					Confidence: rowSoftmaxMax(logits.Data[i*len(classes):(i+1)*len(classes)], pred),
				})
			}
			recordIdx++
		}
	}

	report := &Report{
		Records:        recordIdx,
		Accuracy:       cm.Accuracy(),
		MacroPrecision: cm.MacroPrecision(),
		MacroRecall:    cm.MacroRecall(),
		MacroF1:        cm.MacroF1(),
		Confusion:      cm,
		Misclassified:  misclassified,
	}
	for c, name := range classes {
		report.PerClass = append(report.PerClass, ClassMetrics{
			Class:     name,
			Precision: cm.Precision(c),
			Recall:    cm.Recall(c),
			F1:        cm.F1(c),
			Support:   cm.Support(c),
		})
	}
	return report, nil
}

// EvaluateCheckpoint loads a checkpoint read-only and evaluates it. The
// checkpoint directory's shared lock guards against an active training
// run; a held exclusive lock fails fast with CheckpointLockedError.
func EvaluateCheckpoint(ctx context.Context, path string, split data.Dataset, classes []string, opts ...Option) (*Report, error) {
	lock, err := checkpoints.NewDirLock(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	if err := lock.AcquireShared(); err != nil {
		return nil, err
	}
	defer lock.Release()

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := model.FromCheckpoint(ckpt)
	if err != nil {
		return nil, err
	}
	return Evaluate(ctx, m, split, classes, opts...)
}

// rowSoftmaxMax is the softmax probability of the predicted class given
// one row of logits.
func rowSoftmaxMax(row []float32, pred int) float64 {
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxVal))
	}
	return math.Exp(float64(row[pred]-maxVal)) / sum
}
