package metric

import (
	"fmt"
	"math"
)

// #region top-k
// DefaultTopK returns the default cutoff schedule, in percent of evaluable tokens.
func DefaultTopK(k Kind) []float64 {
	switch {
	case k.IsAOPC():
		return []float64{1, 5, 10, 20, 50}
	case k.Perturbation() != PerturbationNone:
		return []float64{20}
	}
	return nil
}

// ValidateSchedule checks a cutoff schedule against the kind it will run with.
func ValidateSchedule(k Kind, topK []float64) error {
	if k.Perturbation() == PerturbationNone {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	if len(topK) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTopK)
	}
	if !k.IsAOPC() && len(topK) > 1 {
		return fmt.Errorf("%w: %s takes a single cutoff, got %d", ErrInvalidTopK, k, len(topK))
	}
	prev := 0.0
	for i, v := range topK {
		if math.IsNaN(v) || v <= 0 || v > 100 {
			return fmt.Errorf("%w: cutoff %v outside (0, 100]", ErrInvalidTopK, v)
		}
		if i > 0 && v <= prev {
			return fmt.Errorf("%w: cutoffs must increase, %v after %v", ErrInvalidTopK, v, prev)
		}
		prev = v
	}
	return nil
}

// #endregion top-k

// #region aggregate
// Aggregate folds per-step values into the item's metric value.
// AOPC kinds divide by len(steps)+1: the k=0 step is implicit and contributes zero.
func Aggregate(k Kind, steps []float64) (float64, error) {
	switch {
	case k.IsAOPC():
		if len(steps) == 0 {
			return 0, ErrNoSteps
		}
		var sum float64
		for _, v := range steps {
			sum += v
		}
		return sum / float64(len(steps)+1), nil
	case k.Perturbation() != PerturbationNone:
		if len(steps) == 0 {
			return 0, ErrNoSteps
		}
		if len(steps) > 1 {
			return 0, ErrTooManySteps
		}
		return steps[0], nil
	}
	return 0, fmt.Errorf("aggregate: %w: %q", ErrUnknownKind, string(k))
}

// #endregion aggregate
