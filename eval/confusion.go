// Package eval runs a trained model over a held-out split and reports
// aggregate metrics, per-class metrics, the confusion matrix and the
// misclassified records.
package eval

import (
	"fmt"
	"strings"
)

// ConfusionMatrix counts predictions per (true class, predicted class)
// pair. Rows are true classes, columns predicted classes, both in the
// declared class order.
type ConfusionMatrix struct {
	NumClasses int     `json:"num_classes"`
	Matrix     [][]int `json:"matrix"`
	Total      int     `json:"total"`
}

// NewConfusionMatrix allocates a zeroed numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("class pair (%d, %d) out of range [0, %d)", trueClass, predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.Total++
	return nil
}

// Accuracy is the diagonal mass over the total.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Total)
}

// classCounts returns true positives, false positives and false
// negatives for one class.
func (cm *ConfusionMatrix) classCounts(class int) (tp, fp, fn int) {
	tp = cm.Matrix[class][class]
	for i := 0; i < cm.NumClasses; i++ {
		if i == class {
			continue
		}
		fp += cm.Matrix[i][class]
		fn += cm.Matrix[class][i]
	}
	return tp, fp, fn
}

// Precision for one class; 0 when the class was never predicted.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp, fp, _ := cm.classCounts(class)
	if tp+fp == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fp)
}

// Recall for one class; 0 when the class has no true records.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp, _, fn := cm.classCounts(class)
	if tp+fn == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fn)
}

// F1 for one class: the harmonic mean of precision and recall.
func (cm *ConfusionMatrix) F1(class int) float64 {
	p := cm.Precision(class)
	r := cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Support is the number of true records of one class.
func (cm *ConfusionMatrix) Support(class int) int {
	n := 0
	for j := 0; j < cm.NumClasses; j++ {
		n += cm.Matrix[class][j]
	}
	return n
}

// MacroF1 averages per-class F1 with equal class weight.
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += cm.F1(c)
	}
	return sum / float64(cm.NumClasses)
}

// MacroPrecision averages per-class precision with equal class weight.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += cm.Precision(c)
	}
	return sum / float64(cm.NumClasses)
}

// MacroRecall averages per-class recall with equal class weight.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += cm.Recall(c)
	}
	return sum / float64(cm.NumClasses)
}

// String renders the matrix with class indices, for logs.
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	b.WriteString("true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(&b, "\t%d", j)
	}
	b.WriteString("\n")
	for i := 0; i < cm.NumClasses; i++ {
		fmt.Fprintf(&b, "%d", i)
		for j := 0; j < cm.NumClasses; j++ {
			fmt.Fprintf(&b, "\t%d", cm.Matrix[i][j])
		}
		b.WriteString("\n")
	}
	return b.String()
}
