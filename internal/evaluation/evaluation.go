package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/faithfulness-eval/internal/dataset"
	"github.com/danielpatrickdp/faithfulness-eval/internal/logging"
	"github.com/danielpatrickdp/faithfulness-eval/internal/metric"
	"github.com/danielpatrickdp/faithfulness-eval/internal/model"
	"github.com/danielpatrickdp/faithfulness-eval/internal/perturb"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
	"github.com/danielpatrickdp/faithfulness-eval/internal/telemetry"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// #region evaluator
// Evaluator runs perturbation tests for one metric kind against a classifier.
// It holds no per-item state and is safe for concurrent use when its sinks are.
type Evaluator struct {
	classifier model.Classifier
	perturber  *perturb.Perturber
	opts       Options
	topK       []float64
	sinks      []results.Sink
	logger     *zap.Logger
}

// New validates opts and builds an Evaluator.
func New(classifier model.Classifier, opts Options, sinks []results.Sink, logger *zap.Logger) (*Evaluator, error) {
	if classifier == nil {
		return nil, errors.New("nil classifier")
	}
	topK := opts.TopK
	if topK == nil {
		topK = metric.DefaultTopK(opts.Kind)
	}
	if err := metric.ValidateSchedule(opts.Kind, topK); err != nil {
		return nil, fmt.Errorf("evaluator: %w", err)
	}
	if opts.TokenOption == "" {
		opts.TokenOption = perturb.NoSpecialTokens
	}
	return &Evaluator{
		classifier: classifier,
		perturber: perturb.New(perturb.Config{
			RefTokenID:      opts.RefTokenID,
			SpecialTokenIDs: opts.SpecialTokenIDs,
			TokenOption:     opts.TokenOption,
		}),
		opts:   opts,
		topK:   append([]float64(nil), topK...),
		sinks:  sinks,
		logger: logging.OrNop(logger),
	}, nil
}

// Kind returns the metric the evaluator computes.
func (e *Evaluator) Kind() metric.Kind { return e.opts.Kind }

// TopK returns a copy of the cutoff schedule.
func (e *Evaluator) TopK() []float64 { return append([]float64(nil), e.topK...) }

// #endregion evaluator

// #region baseline
// baseline is the unperturbed model output an item's steps are measured against.
type baseline struct {
	item     dataset.Item
	ranking  *perturb.Ranking
	class    int
	fullProb float64
}

func (e *Evaluator) prepare(ctx context.Context, item dataset.Item) (*baseline, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	ranking, err := e.perturber.Rank(item.PerturbInput())
	if err != nil {
		return nil, fmt.Errorf("rank tokens: %w", err)
	}

	preds, err := e.classifier.Predict(ctx, []model.Input{item.ModelInput()})
	if err != nil {
		return nil, fmt.Errorf("predict original: %w", err)
	}
	if len(preds) != 1 {
		return nil, fmt.Errorf("predict original: %w", model.ErrBatchSize)
	}

	class := 0
	if item.PredictedClass != nil {
		class = *item.PredictedClass
	} else if class, err = model.Argmax(preds[0].Probabilities); err != nil {
		return nil, fmt.Errorf("predicted class: %w", err)
	}
	full, err := preds[0].ClassProbability(class)
	if err != nil {
		return nil, fmt.Errorf("class %d probability: %w", class, err)
	}

	return &baseline{item: item, ranking: ranking, class: class, fullProb: full}, nil
}

// #endregion baseline

// #region run-perturbation-test
// RunPerturbationTest evaluates every cutoff of the schedule in order,
// aggregates the step values and persists the resulting row.
func (e *Evaluator) RunPerturbationTest(ctx context.Context, item dataset.Item) (float64, results.Result, error) {
	value, row, err := e.runPerturbationTest(ctx, item)
	telemetry.ItemsEvaluated.WithLabelValues(e.opts.Kind.String(), telemetry.Status(err)).Inc()
	if err != nil {
		return 0, results.Result{}, fmt.Errorf("item %s: %w", item.ItemIndex, err)
	}
	telemetry.MetricValue.WithLabelValues(e.opts.Kind.String()).Observe(value)
	return value, row, nil
}

func (e *Evaluator) runPerturbationTest(ctx context.Context, item dataset.Item) (float64, results.Result, error) {
	base, err := e.prepare(ctx, item)
	if err != nil {
		return 0, results.Result{}, err
	}

	steps := make([]float64, 0, len(e.topK))
	for _, k := range e.topK {
		v, err := e.runMetric(ctx, base, k)
		if err != nil {
			return 0, results.Result{}, fmt.Errorf("top-k %v: %w", k, err)
		}
		e.logger.Debug("metric step",
			zap.String("item_index", item.ItemIndex),
			zap.Float64("k", k),
			zap.Float64("value", v))
		steps = append(steps, v)
	}

	value, err := metric.Aggregate(e.opts.Kind, steps)
	if err != nil {
		return 0, results.Result{}, err
	}

	row := e.TransformResults(item, base.class, value, steps)
	if err := e.SaveResults(ctx, row); err != nil {
		return 0, results.Result{}, err
	}
	return value, row, nil
}

// #endregion run-perturbation-test

// #region run-metric
// RunMetric computes the metric value of item at a single cutoff k.
func (e *Evaluator) RunMetric(ctx context.Context, item dataset.Item, k float64) (float64, error) {
	base, err := e.prepare(ctx, item)
	if err != nil {
		return 0, err
	}
	return e.runMetric(ctx, base, k)
}

func (e *Evaluator) runMetric(ctx context.Context, base *baseline, k float64) (float64, error) {
	switch e.opts.Kind {
	case metric.KindSufficiency, metric.KindAOPCSufficiency:
		p, err := e.perturbedProbability(ctx, base, k, base.ranking.Keep)
		if err != nil {
			return 0, err
		}
		return base.fullProb - p, nil

	case metric.KindComprehensiveness, metric.KindAOPCComprehensiveness:
		p, err := e.perturbedProbability(ctx, base, k, base.ranking.Remove)
		if err != nil {
			return 0, err
		}
		return base.fullProb - p, nil

	case metric.KindLogOdds:
		p, err := e.perturbedProbability(ctx, base, k, base.ranking.Remove)
		if err != nil {
			return 0, err
		}
		return math.Log(math.Max(p, logOddsFloor)) - math.Log(math.Max(base.fullProb, logOddsFloor)), nil
	}
	return 0, fmt.Errorf("run metric: %w: %q", metric.ErrUnknownKind, string(e.opts.Kind))
}

func (e *Evaluator) perturbedProbability(ctx context.Context, base *baseline, k float64, perturbFn func(float64) ([]int64, error)) (float64, error) {
	ids, err := perturbFn(k)
	if err != nil {
		return 0, err
	}
	preds, err := e.classifier.Predict(ctx, []model.Input{{
		InputIDs:      ids,
		AttentionMask: base.item.AttentionMask,
	}})
	if err != nil {
		return 0, fmt.Errorf("predict perturbed: %w", err)
	}
	if len(preds) != 1 {
		return 0, fmt.Errorf("predict perturbed: %w", model.ErrBatchSize)
	}
	return preds[0].ClassProbability(base.class)
}

// #endregion run-metric

// #region transform-save
// TransformResults builds the persisted row for an evaluated item.
func (e *Evaluator) TransformResults(item dataset.Item, predictedClass int, value float64, steps []float64) results.Result {
	class := predictedClass
	return results.Result{
		RunID:                        e.opts.RunID,
		Epoch:                        item.Epoch,
		Step:                         item.Step,
		ItemIndex:                    item.ItemIndex,
		Task:                         e.opts.Task,
		EvaluationMetric:             e.opts.Kind.String(),
		ExplainedModelBackbone:       e.opts.ExplainedModelBackbone,
		InterpreterModelBackbone:     e.opts.InterpreterModelBackbone,
		MetricResult:                 value,
		MetricResultStr:              fmt.Sprintf("%.6f", value),
		MetricStepsResult:            append([]float64(nil), steps...),
		StepsK:                       e.TopK(),
		ExplainedModelPredictedClass: &class,
		TokenEvaluationOption:        string(e.opts.TokenOption),
	}
}

// SaveResults writes row to every sink when saving is enabled. Every sink is
// attempted; failures are combined.
func (e *Evaluator) SaveResults(ctx context.Context, row results.Result) error {
	if !e.opts.SaveResults {
		return nil
	}
	var errs *multierror.Error
	for _, s := range e.sinks {
		err := s.Save(ctx, row)
		telemetry.ResultsSaved.WithLabelValues(s.Name(), telemetry.Status(err)).Inc()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("save results to %s: %w", s.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// #endregion transform-save
