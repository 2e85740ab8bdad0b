package evaluation

import (
	"github.com/danielpatrickdp/faithfulness-eval/internal/metric"
	"github.com/danielpatrickdp/faithfulness-eval/internal/perturb"
)

// #region options
// Options configures an Evaluator for one run.
type Options struct {
	Kind metric.Kind
	// TopK is the cutoff schedule in percent; nil means metric.DefaultTopK(Kind).
	TopK []float64

	RefTokenID      int64
	SpecialTokenIDs []int64
	TokenOption     perturb.TokenOption

	Task                     string
	ExplainedModelBackbone   string
	InterpreterModelBackbone string
	RunID                    string

	// SaveResults gates every configured sink.
	SaveResults bool
}

// #endregion options

// logOddsFloor keeps log-odds finite when the model assigns zero probability.
const logOddsFloor = 1e-12
