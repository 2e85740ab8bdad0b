package perturb

import (
	"errors"
	"fmt"
	"strings"
)

// #region token-option
// TokenOption controls which tokens are eligible for perturbation.
type TokenOption string

const (
	// NoSpecialTokens protects the model's special tokens (CLS, SEP, PAD...).
	NoSpecialTokens TokenOption = "NO_SPECIAL_TOKENS"
	// AllTokens ranks special tokens alongside every other attended token.
	AllTokens TokenOption = "ALL_TOKENS"
)

// ParseTokenOption resolves a token option name, ignoring case.
func ParseTokenOption(s string) (TokenOption, error) {
	switch o := TokenOption(strings.ToUpper(strings.TrimSpace(s))); o {
	case NoSpecialTokens, AllTokens:
		return o, nil
	case "":
		return NoSpecialTokens, nil
	}
	return "", fmt.Errorf("unknown token evaluation option %q", s)
}

// #endregion token-option

// #region errors
var (
	ErrLengthMismatch    = errors.New("input ids, attention mask and attributions differ in length")
	ErrNoEvaluableTokens = errors.New("no evaluable tokens")
	ErrInvalidCutoff     = errors.New("cutoff outside (0, 100]")
	ErrInvalidScore      = errors.New("attribution score is NaN")
)

// #endregion errors

// #region input
// Input is one tokenized item with its per-token attribution scores.
type Input struct {
	InputIDs      []int64
	AttentionMask []int64
	Attributions  []float64
}

// Config holds the perturbation settings shared by every item of a run.
type Config struct {
	RefTokenID      int64
	SpecialTokenIDs []int64
	TokenOption     TokenOption
}

// #endregion input
