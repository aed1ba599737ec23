package service

import (
	"errors"
	"fmt"
	"math"
)

// Argmax returns the index of the largest score, preferring the lowest index
// on ties, or -1 for an empty slice.
func Argmax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best
}

// Activation says how raw model outputs map to probabilities.
type Activation string

const (
	// ActivationAuto treats outputs as probabilities unless they fall clearly
	// outside [0, 1], in which case they are read as logits.
	ActivationAuto          Activation = "auto"
	ActivationProbabilities Activation = "probabilities"
	ActivationLogits        Activation = "logits"
)

// probabilityTolerance absorbs float noise around [0, 1] in softmax outputs.
const probabilityTolerance = 1e-3

func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case "":
		return ActivationAuto, nil
	case ActivationAuto, ActivationProbabilities, ActivationLogits:
		return a, nil
	}
	return "", fmt.Errorf("unknown output activation %q", s)
}

func looksLikeProbabilities(scores []float32) bool {
	for _, v := range scores {
		if v < -probabilityTolerance || v > 1+probabilityTolerance {
			return false
		}
	}
	return true
}

// Probability returns the confidence of scores[idx], always within [0, 1].
func Probability(scores []float32, idx int, act Activation) float64 {
	if idx < 0 || idx >= len(scores) {
		return 0
	}
	if act == ActivationLogits || (act != ActivationProbabilities && !looksLikeProbabilities(scores)) {
		return softmaxAt(scores, idx)
	}
	return min(max(float64(scores[idx]), 0), 1)
}

func softmaxAt(scores []float32, idx int) float64 {
	maxScore := math.Inf(-1)
	for _, v := range scores {
		maxScore = max(maxScore, float64(v))
	}
	var sum float64
	for _, v := range scores {
		sum += math.Exp(float64(v) - maxScore)
	}
	return math.Exp(float64(scores[idx])-maxScore) / sum
}

// Predict runs one forward pass and resolves the top class.
func Predict(tensor *Tensor, model Classifier, labels Labels, act Activation) (pred *Prediction, err error) {
	if tensor == nil || len(tensor.Data) == 0 {
		return nil, NewStageError(StageInference, errors.New("empty input tensor"))
	}
	if model == nil {
		return nil, NewStageError(StageLoad, errors.New("model not initialized"))
	}

	defer func() {
		if r := recover(); r != nil {
			pred = nil
			err = NewStageError(StageInference, fmt.Errorf("model panicked: %v", r))
		}
	}()

	scores, err := model.Run(tensor.Data)
	if err != nil {
		return nil, NewStageError(StageInference, err)
	}
	if len(scores) == 0 {
		return nil, NewStageError(StageInference, errors.New("model returned no scores"))
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, NewStageError(StageInference, fmt.Errorf("non-finite score at index %d", i))
		}
	}

	idx := Argmax(scores)
	return &Prediction{
		ClassName:   labels.Name(idx),
		Probability: Probability(scores, idx, act),
		Index:       idx,
	}, nil
}
