package batch

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/danielpatrickdp/faithfulness-eval/internal/dataset"
	"github.com/danielpatrickdp/faithfulness-eval/internal/logging"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// #region runner
// ItemEvaluator evaluates a single item. *evaluation.Evaluator satisfies it.
type ItemEvaluator interface {
	RunPerturbationTest(ctx context.Context, item dataset.Item) (float64, results.Result, error)
}

// Runner fans items out to an evaluator with bounded concurrency.
type Runner struct {
	evaluator   ItemEvaluator
	concurrency int
	runID       string
	events      *sql.DB // nil = no event log
	logger      *zap.Logger
}

// NewRunner creates a runner. concurrency below 1 means sequential.
// events may be nil; when set, every item outcome is appended to run_events.
func NewRunner(evaluator ItemEvaluator, concurrency int, runID string, events *sql.DB, logger *zap.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		evaluator:   evaluator,
		concurrency: concurrency,
		runID:       runID,
		events:      events,
		logger:      logging.OrNop(logger),
	}
}

// #endregion runner

// #region run
// Run evaluates every item. Outcomes keep the input order. Item failures do
// not stop the batch; they are returned combined. A cancelled context stops
// scheduling and its error is returned alongside the partial outcomes.
func (r *Runner) Run(ctx context.Context, items []dataset.Item) ([]Outcome, error) {
	outcomes := make([]Outcome, len(items))
	scheduled := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := range items {
		if gctx.Err() != nil {
			break
		}
		scheduled[i] = true
		i := i
		g.Go(func() error {
			item := items[i]
			value, row, err := r.evaluator.RunPerturbationTest(gctx, item)
			outcomes[i] = Outcome{ItemIndex: item.ItemIndex, Value: value, Row: row, Err: err}
			r.record(outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	var errs *multierror.Error
	for i, o := range outcomes {
		if !scheduled[i] {
			outcomes[i] = Outcome{ItemIndex: items[i].ItemIndex, Err: ctx.Err()}
			continue
		}
		if o.Err != nil {
			errs = multierror.Append(errs, o.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return outcomes, fmt.Errorf("batch interrupted: %w", err)
	}
	return outcomes, errs.ErrorOrNil()
}

func (r *Runner) record(o Outcome) {
	event := logging.RunEvent{RunID: r.runID, ItemIndex: o.ItemIndex}
	if o.Err != nil {
		event.Event = logging.EventFailed
		event.Detail = o.Err.Error()
		r.logger.Warn("item failed", zap.String("item_index", o.ItemIndex), zap.Error(o.Err))
	} else {
		event.Event = logging.EventEvaluated
		event.Detail = o.Row.MetricResultStr
		r.logger.Debug("item evaluated", zap.String("item_index", o.ItemIndex), zap.Float64("value", o.Value))
	}

	if r.events == nil {
		return
	}
	if err := logging.LogRunEvent(r.events, event); err != nil {
		r.logger.Error("log run event", zap.String("item_index", o.ItemIndex), zap.Error(err))
	}
}

// #endregion run

// #region summarize
// Summarize computes aggregate stats from batch outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	var sum float64
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	for _, o := range outcomes {
		if !o.Succeeded() {
			s.Failed++
			continue
		}
		s.Succeeded++
		sum += o.Value
		s.Min = math.Min(s.Min, o.Value)
		s.Max = math.Max(s.Max, o.Value)
	}
	if s.Succeeded == 0 {
		s.Min, s.Max = 0, 0
		return s
	}
	s.Mean = sum / float64(s.Succeeded)
	return s
}

// #endregion summarize
