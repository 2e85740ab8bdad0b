package metric

import (
	"errors"
	"fmt"
	"strings"
)

// #region kind
// Kind names a perturbation-based faithfulness metric.
type Kind string

const (
	KindSufficiency           Kind = "SUFFICIENCY"
	KindComprehensiveness     Kind = "COMPREHENSIVENESS"
	KindLogOdds               Kind = "EVAL_LOG_ODDS"
	KindAOPCSufficiency       Kind = "AOPC_SUFFICIENCY"
	KindAOPCComprehensiveness Kind = "AOPC_COMPREHENSIVENESS"
)

// Kinds lists every supported metric kind.
var Kinds = []Kind{
	KindSufficiency,
	KindComprehensiveness,
	KindLogOdds,
	KindAOPCSufficiency,
	KindAOPCComprehensiveness,
}

var (
	ErrUnknownKind  = errors.New("unsupported evaluation metric")
	ErrNoSteps      = errors.New("no step results to aggregate")
	ErrTooManySteps = errors.New("has more than 1 value without AOPC calc")
	ErrInvalidTopK  = errors.New("invalid top-k schedule")
)

// ParseKind resolves a metric name, ignoring case and surrounding space.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsAOPC reports whether the kind averages over a multi-step schedule.
func (k Kind) IsAOPC() bool {
	return k == KindAOPCSufficiency || k == KindAOPCComprehensiveness
}

func (k Kind) String() string { return string(k) }

// #endregion kind

// #region perturbation
// Perturbation says what happens to the top-k tokens at each step.
type Perturbation int

const (
	PerturbationNone Perturbation = iota
	// PerturbationKeep keeps the top-k tokens and masks everything else.
	PerturbationKeep
	// PerturbationRemove masks the top-k tokens.
	PerturbationRemove
)

// Perturbation returns the input perturbation the kind evaluates.
func (k Kind) Perturbation() Perturbation {
	switch k {
	case KindSufficiency, KindAOPCSufficiency:
		return PerturbationKeep
	case KindComprehensiveness, KindAOPCComprehensiveness, KindLogOdds:
		return PerturbationRemove
	}
	return PerturbationNone
}

// #endregion perturbation
