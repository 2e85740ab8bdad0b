package batch

import (
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
)

// #region types
// Outcome captures the result of evaluating one item.
type Outcome struct {
	ItemIndex string
	Value     float64
	Row       results.Result
	Err       error
}

// Succeeded reports whether the item produced a metric value.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Summary provides aggregate stats from a batch run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Mean      float64
	Min       float64
	Max       float64
}

// #endregion types
