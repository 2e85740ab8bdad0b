package results

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// SupportResultsFile is the CSV file appended to inside an experiment directory.
const SupportResultsFile = "support_results_df.csv"

// #region result
// Result is the persisted row for one evaluated item.
type Result struct {
	RunID                        string
	Epoch                        int
	Step                         int
	ItemIndex                    string
	Task                         string
	EvaluationMetric             string
	ExplainedModelBackbone       string
	InterpreterModelBackbone     string
	MetricResult                 float64
	MetricResultStr              string
	MetricStepsResult            []float64
	StepsK                       []float64
	ExplainedModelPredictedClass *int
	TokenEvaluationOption        string
	CreatedAt                    time.Time
}

// Header returns the CSV column names, in row order.
func Header() []string {
	return []string{
		"epoch",
		"step",
		"item_index",
		"task",
		"evaluation_metric",
		"explained_model_backbone",
		"interpreter_model_backbone",
		"metric_result",
		"metric_result_str",
		"metric_steps_result",
		"steps_k",
		"explained_model_predicted_class",
		"token_evaluation_option",
	}
}

// Row renders the result as CSV cells matching Header.
func (r Result) Row() []string {
	predicted := ""
	if r.ExplainedModelPredictedClass != nil {
		predicted = strconv.Itoa(*r.ExplainedModelPredictedClass)
	}
	return []string{
		strconv.Itoa(r.Epoch),
		strconv.Itoa(r.Step),
		r.ItemIndex,
		r.Task,
		r.EvaluationMetric,
		r.ExplainedModelBackbone,
		r.InterpreterModelBackbone,
		formatFloat(r.MetricResult),
		r.MetricResultStr,
		formatList(r.MetricStepsResult),
		formatList(r.StepsK),
		predicted,
		r.TokenEvaluationOption,
	}
}

// #endregion result

// #region sink
// Sink persists result rows. Name labels the sink in metrics and logs.
type Sink interface {
	Name() string
	Save(ctx context.Context, r Result) error
}

// #endregion sink

// #region run-record
// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord describes one evaluation run over a dataset.
type RunRecord struct {
	RunID                    string
	Task                     string
	EvaluationMetric         string
	ExplainedModelBackbone   string
	InterpreterModelBackbone string
	TokenEvaluationOption    string
	StepsK                   []float64
	StartedAt                time.Time
	FinishedAt               time.Time
	ItemsTotal               int
	ItemsFailed              int
	Status                   string
}

// Summary aggregates the metric values stored for a run.
type Summary struct {
	Count int
	Mean  float64
	Min   float64
	Max   float64
}

// #endregion run-record

// #region formatting
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatList renders values as "[a, b, c]"; nil renders as an empty cell.
func formatList(vs []float64) string {
	if vs == nil {
		return ""
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// #endregion formatting
