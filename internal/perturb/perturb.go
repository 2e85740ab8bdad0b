package perturb

import (
	"fmt"
	"math"
	"sort"
)

// #region perturber
// Perturber builds perturbed copies of an input at a top-k cutoff.
type Perturber struct {
	refTokenID int64
	protected  map[int64]struct{}
	option     TokenOption
}

// New creates a Perturber. An empty token option means NoSpecialTokens.
func New(cfg Config) *Perturber {
	opt := cfg.TokenOption
	if opt == "" {
		opt = NoSpecialTokens
	}
	protected := make(map[int64]struct{}, len(cfg.SpecialTokenIDs))
	if opt == NoSpecialTokens {
		for _, id := range cfg.SpecialTokenIDs {
			protected[id] = struct{}{}
		}
	}
	return &Perturber{refTokenID: cfg.RefTokenID, protected: protected, option: opt}
}

// Option returns the token option in effect.
func (p *Perturber) Option() TokenOption { return p.option }

// #endregion perturber

// #region ranking
// Ranking is an input with its candidate positions sorted by importance.
type Ranking struct {
	ids        []int64
	order      []int // candidate positions, most important first
	refTokenID int64
}

// Rank validates the input and orders its candidate tokens by attribution,
// highest first, ties broken by position.
func (p *Perturber) Rank(in Input) (*Ranking, error) {
	n := len(in.InputIDs)
	if len(in.Attributions) != n {
		return nil, fmt.Errorf("%w: %d ids, %d attributions", ErrLengthMismatch, n, len(in.Attributions))
	}
	if in.AttentionMask != nil && len(in.AttentionMask) != n {
		return nil, fmt.Errorf("%w: %d ids, %d mask", ErrLengthMismatch, n, len(in.AttentionMask))
	}

	order := make([]int, 0, n)
	for i, id := range in.InputIDs {
		if in.AttentionMask != nil && in.AttentionMask[i] == 0 {
			continue
		}
		if _, ok := p.protected[id]; ok {
			continue
		}
		if math.IsNaN(in.Attributions[i]) {
			return nil, fmt.Errorf("%w at position %d", ErrInvalidScore, i)
		}
		order = append(order, i)
	}
	if len(order) == 0 {
		return nil, ErrNoEvaluableTokens
	}

	sort.SliceStable(order, func(a, b int) bool {
		return in.Attributions[order[a]] > in.Attributions[order[b]]
	})

	return &Ranking{ids: in.InputIDs, order: order, refTokenID: p.refTokenID}, nil
}

// Candidates returns the number of tokens eligible for perturbation.
func (r *Ranking) Candidates() int { return len(r.order) }

// Top returns the positions selected at cutoff k.
func (r *Ranking) Top(k float64) ([]int, error) {
	c, err := CutoffCount(len(r.order), k)
	if err != nil {
		return nil, err
	}
	out := make([]int, c)
	copy(out, r.order[:c])
	return out, nil
}

// #endregion ranking

// #region keep-remove
// Keep returns a copy of the input where every candidate outside the top-k
// is replaced by the reference token.
func (r *Ranking) Keep(k float64) ([]int64, error) {
	c, err := CutoffCount(len(r.order), k)
	if err != nil {
		return nil, err
	}
	out := append([]int64(nil), r.ids...)
	for _, pos := range r.order[c:] {
		out[pos] = r.refTokenID
	}
	return out, nil
}

// Remove returns a copy of the input with the top-k candidates replaced by
// the reference token.
func (r *Ranking) Remove(k float64) ([]int64, error) {
	c, err := CutoffCount(len(r.order), k)
	if err != nil {
		return nil, err
	}
	out := append([]int64(nil), r.ids...)
	for _, pos := range r.order[:c] {
		out[pos] = r.refTokenID
	}
	return out, nil
}

// CutoffCount converts a percentage cutoff into a token count, rounding up
// so that any positive cutoff selects at least one token.
func CutoffCount(candidates int, k float64) (int, error) {
	if math.IsNaN(k) || k <= 0 || k > 100 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCutoff, k)
	}
	c := int(math.Ceil(float64(candidates) * k / 100))
	if c > candidates {
		c = candidates
	}
	return c, nil
}

// #endregion keep-remove
