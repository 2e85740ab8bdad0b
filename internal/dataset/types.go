package dataset

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/faithfulness-eval/internal/model"
	"github.com/danielpatrickdp/faithfulness-eval/internal/perturb"
)

// #region item
// Item is one tokenized, attributed example ready for evaluation.
type Item struct {
	ItemIndex      string    `json:"item_index"`
	InputIDs       []int64   `json:"input_ids"`
	AttentionMask  []int64   `json:"attention_mask,omitempty"`
	Attributions   []float64 `json:"attributions"`
	PredictedClass *int      `json:"predicted_class,omitempty"`
	Step           int       `json:"step"`
	Epoch          int       `json:"epoch"`
}

var ErrEmptyItem = errors.New("item has no input ids")

// Validate checks that the per-token slices line up.
func (it Item) Validate() error {
	if len(it.InputIDs) == 0 {
		return ErrEmptyItem
	}
	if len(it.Attributions) != len(it.InputIDs) {
		return fmt.Errorf("item %s: %d attributions for %d tokens", it.ItemIndex, len(it.Attributions), len(it.InputIDs))
	}
	if it.AttentionMask != nil && len(it.AttentionMask) != len(it.InputIDs) {
		return fmt.Errorf("item %s: attention mask length %d for %d tokens", it.ItemIndex, len(it.AttentionMask), len(it.InputIDs))
	}
	if it.PredictedClass != nil && *it.PredictedClass < 0 {
		return fmt.Errorf("item %s: negative predicted class %d", it.ItemIndex, *it.PredictedClass)
	}
	return nil
}

// ModelInput returns the unperturbed sequence.
func (it Item) ModelInput() model.Input {
	return model.Input{InputIDs: it.InputIDs, AttentionMask: it.AttentionMask}
}

// PerturbInput returns the item in the shape the perturber ranks.
func (it Item) PerturbInput() perturb.Input {
	return perturb.Input{
		InputIDs:      it.InputIDs,
		AttentionMask: it.AttentionMask,
		Attributions:  it.Attributions,
	}
}

// #endregion item
