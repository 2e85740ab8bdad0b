package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// #region types
// Input is one tokenized sequence sent to the explained model.
type Input struct {
	InputIDs      []int64
	AttentionMask []int64
}

// Prediction holds the class probabilities for one Input.
type Prediction struct {
	Probabilities []float64
}

// Classifier runs the explained model on a batch of inputs.
// Implementations return one Prediction per Input, in order.
type Classifier interface {
	Predict(ctx context.Context, batch []Input) ([]Prediction, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, batch []Input) ([]Prediction, error)

// Predict calls f.
func (f ClassifierFunc) Predict(ctx context.Context, batch []Input) ([]Prediction, error) {
	return f(ctx, batch)
}

// #endregion types

// #region errors
var (
	ErrEmptyPrediction    = errors.New("empty probability vector")
	ErrInvalidProbability = errors.New("probability outside [0, 1]")
	ErrClassOutOfRange    = errors.New("class index out of range")
	ErrBatchSize          = errors.New("prediction count does not match batch size")
)

// #endregion errors

// #region helpers
// validateProbabilities rejects empty vectors and entries that are NaN,
// infinite or outside [0, 1].
func validateProbabilities(probs []float64) error {
	if len(probs) == 0 {
		return ErrEmptyPrediction
	}
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%w: class %d = %v", ErrInvalidProbability, i, p)
		}
	}
	return nil
}

// Validate checks that every class probability is a finite value in [0, 1].
func (p Prediction) Validate() error {
	return validateProbabilities(p.Probabilities)
}

// Argmax returns the index of the highest probability.
func Argmax(probs []float64) (int, error) {
	if err := validateProbabilities(probs); err != nil {
		return 0, err
	}
	best := 0
	for i, p := range probs[1:] {
		if p > probs[best] {
			best = i + 1
		}
	}
	return best, nil
}

// ClassProbability returns the probability assigned to class.
func (p Prediction) ClassProbability(class int) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if class < 0 || class >= len(p.Probabilities) {
		return 0, ErrClassOutOfRange
	}
	return p.Probabilities[class], nil
}

// #endregion helpers
