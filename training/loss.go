package training

import (
	"fmt"
	"math"

	"github.com/accessvision/tilenet/tensor"
)

// CrossEntropyLoss computes softmax cross entropy over class logits with
// mean reduction across the batch. Forward and Backward share the cached
// softmax probabilities from the most recent Forward call.
type CrossEntropyLoss struct {
	probs *tensor.Tensor
}

// NewCrossEntropyLoss creates the criterion.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward returns the mean negative log-likelihood of the true labels
// given logits of shape [N, classes].
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	if logits.Dim() != 2 {
		return 0, fmt.Errorf("cross entropy expects [N, classes] logits, got %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, fmt.Errorf("have %d labels for %d logits rows", len(labels), n)
	}

	probs, err := tensor.Zeros(n, classes)
	if err != nil {
		return 0, err
	}
	var total float64
	for i := 0; i < n; i++ {
		if labels[i] < 0 || labels[i] >= classes {
			return 0, fmt.Errorf("label %d out of range [0, %d)", labels[i], classes)
		}
		row := logits.Data[i*classes : (i+1)*classes]
		// softmax with max subtraction for stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			probs.Data[i*classes+j] = float32(e)
			sum += e
		}
		for j := 0; j < classes; j++ {
			probs.Data[i*classes+j] /= float32(sum)
		}
		p := float64(probs.Data[i*classes+labels[i]])
		if p < 1e-12 {
			p = 1e-12
		}
		total += -math.Log(p)
	}
	ce.probs = probs
	return total / float64(n), nil
}

// Backward returns dLoss/dLogits for the most recent Forward: the
// softmax-minus-one-hot gradient divided by the batch size.
func (ce *CrossEntropyLoss) Backward(labels []int) (*tensor.Tensor, error) {
	if ce.probs == nil {
		return nil, fmt.Errorf("cross entropy backward called before forward")
	}
	n, classes := ce.probs.Shape[0], ce.probs.Shape[1]
	grad := ce.probs.Clone()
	inv := 1.0 / float32(n)
	for i := 0; i < n; i++ {
		grad.Data[i*classes+labels[i]] -= 1
		for j := 0; j < classes; j++ {
			grad.Data[i*classes+j] *= inv
		}
	}
	return grad, nil
}

// CountCorrect returns how many argmax predictions match the labels.
func CountCorrect(logits *tensor.Tensor, labels []int) (int, error) {
	if logits.Dim() != 2 || logits.Shape[0] != len(labels) {
		return 0, fmt.Errorf("logits %v do not match %d labels", logits.Shape, len(labels))
	}
	correct := 0
	for i := range labels {
		pred, err := logits.ArgMaxRow(i)
		if err != nil {
			return 0, err
		}
		if pred == labels[i] {
			correct++
		}
	}
	return correct, nil
}
