package evaluation

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danielpatrickdp/faithfulness-eval/internal/dataset"
	"github.com/danielpatrickdp/faithfulness-eval/internal/metric"
	"github.com/danielpatrickdp/faithfulness-eval/internal/model"
	"github.com/danielpatrickdp/faithfulness-eval/internal/perturb"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
	"github.com/danielpatrickdp/faithfulness-eval/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cls  = 101
	sep  = 102
	mask = 103
)

// tokenWeights drive the fake model: p(class 1) = 0.1 + sum of present weights.
var tokenWeights = map[int64]float64{12: 0.4, 13: 0.1, 14: 0.3}

type weightedClassifier struct {
	calls atomic.Int64
	err   error
}

func (c *weightedClassifier) Predict(_ context.Context, batch []model.Input) ([]model.Prediction, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	out := make([]model.Prediction, len(batch))
	for i, in := range batch {
		p := 0.1
		for _, id := range in.InputIDs {
			p += tokenWeights[id]
		}
		out[i] = model.Prediction{Probabilities: []float64{1 - p, p}}
	}
	return out, nil
}

type recordingSink struct {
	mu   sync.Mutex
	rows []results.Result
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Save(_ context.Context, r results.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, r)
	return s.err
}

// Ranking by attribution: 12, 14, 13, 15, 11.
func sampleItem() dataset.Item {
	return dataset.Item{
		ItemIndex:    "17",
		InputIDs:     []int64{cls, 11, 12, 13, 14, 15, sep},
		Attributions: []float64{0, 0, 0.9, 0.5, 0.8, 0.1, 0},
		Step:         5,
		Epoch:        1,
	}
}

func newEvaluator(t *testing.T, clf model.Classifier, kind metric.Kind, topK []float64, sinks ...results.Sink) *Evaluator {
	t.Helper()
	e, err := New(clf, Options{
		Kind:                     kind,
		TopK:                     topK,
		RefTokenID:               mask,
		SpecialTokenIDs:          []int64{cls, sep},
		Task:                     "SST2",
		ExplainedModelBackbone:   "bert",
		InterpreterModelBackbone: "roberta",
		RunID:                    "run-1",
		SaveResults:              true,
	}, sinks, nil)
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{Kind: metric.KindSufficiency}, nil, nil)
	assert.Error(t, err)

	_, err = New(&weightedClassifier{}, Options{Kind: "ACCURACY"}, nil, nil)
	assert.ErrorIs(t, err, metric.ErrUnknownKind)

	_, err = New(&weightedClassifier{}, Options{Kind: metric.KindSufficiency, TopK: []float64{10, 20}}, nil, nil)
	assert.ErrorIs(t, err, metric.ErrInvalidTopK)

	e, err := New(&weightedClassifier{}, Options{Kind: metric.KindAOPCSufficiency}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 5, 10, 20, 50}, e.TopK())
	assert.Equal(t, metric.KindAOPCSufficiency, e.Kind())
}

func TestRunPerturbationTest_Comprehensiveness(t *testing.T) {
	clf := &weightedClassifier{}
	e := newEvaluator(t, clf, metric.KindComprehensiveness, nil)

	v, row, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)

	// full 0.9, removing token 12 leaves 0.5
	assert.InDelta(t, 0.4, v, 1e-9)
	assert.Equal(t, int64(2), clf.calls.Load())
	assert.Equal(t, "0.400000", row.MetricResultStr)
	require.NotNil(t, row.ExplainedModelPredictedClass)
	assert.Equal(t, 1, *row.ExplainedModelPredictedClass)
}

func TestRunPerturbationTest_Sufficiency(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindSufficiency, nil)

	v, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)
	// keeping only token 12 gives 0.5
	assert.InDelta(t, 0.4, v, 1e-9)
}

func TestRunPerturbationTest_LogOdds(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindLogOdds, nil)

	v, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)
	assert.InDelta(t, math.Log(0.5)-math.Log(0.9), v, 1e-9)
}

func TestRunPerturbationTest_AOPCComprehensiveness(t *testing.T) {
	clf := &weightedClassifier{}
	e := newEvaluator(t, clf, metric.KindAOPCComprehensiveness, []float64{20, 40, 60})

	v, row, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)

	// steps 0.4, 0.7, 0.8 over 3+1
	assert.InDelta(t, 1.9/4, v, 1e-9)
	require.Len(t, row.MetricStepsResult, 3)
	assert.InDelta(t, 0.7, row.MetricStepsResult[1], 1e-9)
	assert.Equal(t, []float64{20, 40, 60}, row.StepsK)
	assert.Equal(t, int64(4), clf.calls.Load())
}

func TestRunPerturbationTest_AOPCSufficiency(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindAOPCSufficiency, []float64{20, 40})

	v, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)
	// steps 0.4, 0.1 over 2+1
	assert.InDelta(t, 0.5/3, v, 1e-9)
}

func TestRunPerturbationTest_UsesGivenPredictedClass(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindComprehensiveness, nil)
	item := sampleItem()
	zero := 0
	item.PredictedClass = &zero

	v, row, err := e.RunPerturbationTest(context.Background(), item)
	require.NoError(t, err)
	// p0: full 0.1, removed 0.5
	assert.InDelta(t, -0.4, v, 1e-9)
	assert.Equal(t, 0, *row.ExplainedModelPredictedClass)
}

func TestRunPerturbationTest_ClassOutOfRange(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindComprehensiveness, nil)
	item := sampleItem()
	three := 3
	item.PredictedClass = &three

	_, _, err := e.RunPerturbationTest(context.Background(), item)
	assert.ErrorIs(t, err, model.ErrClassOutOfRange)
}

func TestRunPerturbationTest_RowFields(t *testing.T) {
	sink := &recordingSink{}
	e := newEvaluator(t, &weightedClassifier{}, metric.KindSufficiency, nil, sink)

	_, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, "17", row.ItemIndex)
	assert.Equal(t, 1, row.Epoch)
	assert.Equal(t, 5, row.Step)
	assert.Equal(t, "SST2", row.Task)
	assert.Equal(t, "SUFFICIENCY", row.EvaluationMetric)
	assert.Equal(t, "bert", row.ExplainedModelBackbone)
	assert.Equal(t, "roberta", row.InterpreterModelBackbone)
	assert.Equal(t, string(perturb.NoSpecialTokens), row.TokenEvaluationOption)
	assert.Equal(t, []float64{20}, row.StepsK)
}

func TestRunPerturbationTest_SaveDisabled(t *testing.T) {
	sink := &recordingSink{}
	e, err := New(&weightedClassifier{}, Options{Kind: metric.KindSufficiency, RefTokenID: mask}, []results.Sink{sink}, nil)
	require.NoError(t, err)

	_, _, err = e.RunPerturbationTest(context.Background(), sampleItem())
	require.NoError(t, err)
	assert.Empty(t, sink.rows)
}

func TestRunPerturbationTest_SinkFailuresCombined(t *testing.T) {
	broken := &recordingSink{err: errors.New("disk full")}
	ok := &recordingSink{}
	e := newEvaluator(t, &weightedClassifier{}, metric.KindSufficiency, nil, broken, ok)

	_, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.err)
	assert.Len(t, ok.rows, 1, "later sinks still run after a failure")
}

func TestSaveResults_LabelsBySinkName(t *testing.T) {
	failed := telemetry.ResultsSaved.WithLabelValues("recording", "error")
	saved := telemetry.ResultsSaved.WithLabelValues("recording", "ok")
	failedBefore, savedBefore := testutil.ToFloat64(failed), testutil.ToFloat64(saved)

	broken := &recordingSink{err: errors.New("disk full")}
	e := newEvaluator(t, &weightedClassifier{}, metric.KindSufficiency, nil, broken, &recordingSink{})

	_, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save results to recording")
	assert.Equal(t, 1.0, testutil.ToFloat64(failed)-failedBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(saved)-savedBefore)
}

func TestRunPerturbationTest_ClassifierError(t *testing.T) {
	clf := &weightedClassifier{err: errors.New("model down")}
	e := newEvaluator(t, clf, metric.KindAOPCSufficiency, nil)

	_, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	require.Error(t, err)
	assert.ErrorIs(t, err, clf.err)
	assert.Contains(t, err.Error(), "item 17")
}

func TestRunPerturbationTest_NoEvaluableTokens(t *testing.T) {
	clf := &weightedClassifier{}
	e := newEvaluator(t, clf, metric.KindSufficiency, nil)
	item := dataset.Item{ItemIndex: "x", InputIDs: []int64{cls, sep}, Attributions: []float64{1, 1}}

	_, _, err := e.RunPerturbationTest(context.Background(), item)
	assert.ErrorIs(t, err, perturb.ErrNoEvaluableTokens)
	assert.Equal(t, int64(0), clf.calls.Load(), "model is not called for unusable items")
}

func TestRunPerturbationTest_DoesNotMutateItem(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindAOPCComprehensiveness, nil)
	item := sampleItem()
	before := append([]int64(nil), item.InputIDs...)

	_, _, err := e.RunPerturbationTest(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, before, item.InputIDs)
}

func TestRunMetric_SingleCutoff(t *testing.T) {
	e := newEvaluator(t, &weightedClassifier{}, metric.KindAOPCComprehensiveness, nil)

	v, err := e.RunMetric(context.Background(), sampleItem(), 40)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, v, 1e-9)

	_, err = e.RunMetric(context.Background(), sampleItem(), 0)
	assert.ErrorIs(t, err, perturb.ErrInvalidCutoff)
}

func TestRunMetric_LogOddsZeroProbability(t *testing.T) {
	zeroOnPerturb := model.ClassifierFunc(func(_ context.Context, batch []model.Input) ([]model.Prediction, error) {
		for _, id := range batch[0].InputIDs {
			if id == mask {
				return []model.Prediction{{Probabilities: []float64{1, 0}}}, nil
			}
		}
		return []model.Prediction{{Probabilities: []float64{0.2, 0.8}}}, nil
	})
	e := newEvaluator(t, zeroOnPerturb, metric.KindLogOdds, nil)

	v, err := e.RunMetric(context.Background(), sampleItem(), 20)
	require.NoError(t, err)
	assert.False(t, math.IsInf(v, 0))
	assert.InDelta(t, math.Log(1e-12)-math.Log(0.8), v, 1e-9)
}

func TestRunPerturbationTest_InvalidProbabilities(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64
	}{
		{"nan", []float64{math.NaN(), 0.7}},
		{"not a distribution", []float64{-3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clf := model.ClassifierFunc(func(_ context.Context, batch []model.Input) ([]model.Prediction, error) {
				return []model.Prediction{{Probabilities: tt.probs}}, nil
			})
			sink := &recordingSink{}
			e := newEvaluator(t, clf, metric.KindSufficiency, nil, sink)

			v, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidProbability)
			assert.Zero(t, v)
			assert.Empty(t, sink.rows)
		})
	}
}

func TestRunPerturbationTest_InvalidPerturbedProbability(t *testing.T) {
	badOnPerturb := model.ClassifierFunc(func(_ context.Context, batch []model.Input) ([]model.Prediction, error) {
		for _, id := range batch[0].InputIDs {
			if id == mask {
				return []model.Prediction{{Probabilities: []float64{0.1, math.NaN()}}}, nil
			}
		}
		return []model.Prediction{{Probabilities: []float64{0.2, 0.8}}}, nil
	})
	e := newEvaluator(t, badOnPerturb, metric.KindComprehensiveness, nil)

	_, _, err := e.RunPerturbationTest(context.Background(), sampleItem())
	assert.ErrorIs(t, err, model.ErrInvalidProbability)
}

func TestRunPerturbationTest_WritesCSV(t *testing.T) {
	dir := t.TempDir()
	sink := results.NewCSVSink(dir)
	e := newEvaluator(t, &weightedClassifier{}, metric.KindAOPCComprehensiveness, []float64{20, 40}, sink)

	for _, idx := range []string{"a", "b"} {
		item := sampleItem()
		item.ItemIndex = idx
		_, _, err := e.RunPerturbationTest(context.Background(), item)
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "metric_result_str")
	assert.Contains(t, lines[1], "AOPC_COMPREHENSIVENESS")
	assert.Contains(t, lines[2], "\"[20, 40]\"")
}
