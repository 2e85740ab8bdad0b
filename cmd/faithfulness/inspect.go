package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/faithfulness-eval/internal/config"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
)

// #region command
type inspectFlags struct {
	dbPath  string
	last    int
	limit   int
	jsonOut bool
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "List recent runs, or show one run's results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite results database")
	cmd.Flags().IntVar(&f.last, "last", 20, "number of runs to list")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "number of results to show for a run")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "output as JSON")
	return cmd
}

func runInspect(cmd *cobra.Command, f *inspectFlags, args []string) error {
	dbPath := f.dbPath
	if dbPath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dbPath = cfg.DBPath
	}

	store, err := results.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listRuns(cmd, store, out, f)
	}
	return showRun(cmd, store, out, f, args[0])
}

// #endregion command

// #region views
type runView struct {
	RunID                    string    `json:"run_id"`
	Task                     string    `json:"task"`
	EvaluationMetric         string    `json:"evaluation_metric"`
	ExplainedModelBackbone   string    `json:"explained_model_backbone,omitempty"`
	InterpreterModelBackbone string    `json:"interpreter_model_backbone,omitempty"`
	TokenEvaluationOption    string    `json:"token_evaluation_option,omitempty"`
	StepsK                   []float64 `json:"steps_k"`
	StartedAt                time.Time `json:"started_at"`
	FinishedAt               time.Time `json:"finished_at,omitzero"`
	ItemsTotal               int       `json:"items_total"`
	ItemsFailed              int       `json:"items_failed"`
	Status                   string    `json:"status"`
}

type resultView struct {
	ItemIndex      string    `json:"item_index"`
	Epoch          int       `json:"epoch"`
	Step           int       `json:"step"`
	MetricResult   float64   `json:"metric_result"`
	StepsResult    []float64 `json:"metric_steps_result"`
	PredictedClass *int      `json:"explained_model_predicted_class"`
}

type runDetail struct {
	Run     runView          `json:"run"`
	Summary *results.Summary `json:"summary,omitempty"`
	Results []resultView     `json:"results"`
}

func toRunView(r results.RunRecord) runView {
	return runView{
		RunID:                    r.RunID,
		Task:                     r.Task,
		EvaluationMetric:         r.EvaluationMetric,
		ExplainedModelBackbone:   r.ExplainedModelBackbone,
		InterpreterModelBackbone: r.InterpreterModelBackbone,
		TokenEvaluationOption:    r.TokenEvaluationOption,
		StepsK:                   r.StepsK,
		StartedAt:                r.StartedAt,
		FinishedAt:               r.FinishedAt,
		ItemsTotal:               r.ItemsTotal,
		ItemsFailed:              r.ItemsFailed,
		Status:                   r.Status,
	}
}

func toResultView(r results.Result) resultView {
	return resultView{
		ItemIndex:      r.ItemIndex,
		Epoch:          r.Epoch,
		Step:           r.Step,
		MetricResult:   r.MetricResult,
		StepsResult:    r.MetricStepsResult,
		PredictedClass: r.ExplainedModelPredictedClass,
	}
}

// #endregion views

// #region list
func listRuns(cmd *cobra.Command, store *results.Store, out io.Writer, f *inspectFlags) error {
	runs, err := store.ListRuns(cmd.Context(), f.last)
	if err != nil {
		return err
	}

	if f.jsonOut {
		views := make([]runView, len(runs))
		for i, r := range runs {
			views[i] = toRunView(r)
		}
		return printJSON(out, views)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-20s %-24s %-9s %6s %6s  %s\n",
		"RUN", "STARTED", "METRIC", "STATUS", "ITEMS", "FAILED", "TASK")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, r := range runs {
		fmt.Fprintf(out, "%-10s %-20s %-24s %-9s %6d %6d  %s\n",
			shortID(r.RunID),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.EvaluationMetric,
			r.Status,
			r.ItemsTotal,
			r.ItemsFailed,
			r.Task)
	}
	return nil
}

// #endregion list

// #region detail
func showRun(cmd *cobra.Command, store *results.Store, out io.Writer, f *inspectFlags, runID string) error {
	ctx := cmd.Context()
	run, err := store.GetRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	rows, err := store.ListResults(ctx, runID, f.limit)
	if err != nil {
		return err
	}
	summary, err := store.RunSummary(ctx, runID)
	if err != nil {
		return err
	}

	if f.jsonOut {
		detail := runDetail{Run: toRunView(run), Results: make([]resultView, len(rows))}
		if summary.Count > 0 {
			detail.Summary = &summary
		}
		for i, r := range rows {
			detail.Results[i] = toResultView(r)
		}
		return printJSON(out, detail)
	}

	fmt.Fprintf(out, "Run:       %s\n", run.RunID)
	fmt.Fprintf(out, "Task:      %s\n", run.Task)
	fmt.Fprintf(out, "Metric:    %s  k=%v\n", run.EvaluationMetric, run.StepsK)
	fmt.Fprintf(out, "Tokens:    %s\n", run.TokenEvaluationOption)
	fmt.Fprintf(out, "Backbones: %s / %s\n", run.ExplainedModelBackbone, run.InterpreterModelBackbone)
	fmt.Fprintf(out, "Status:    %s (%d items, %d failed)\n", run.Status, run.ItemsTotal, run.ItemsFailed)
	if summary.Count > 0 {
		fmt.Fprintf(out, "Mean:      %.6f over %d results (min %.6f, max %.6f)\n",
			summary.Mean, summary.Count, summary.Min, summary.Max)
	}

	if len(rows) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-12s %5s %5s %12s %6s  %s\n", "ITEM", "EPOCH", "STEP", "RESULT", "CLASS", "STEPS")
	fmt.Fprintln(out, strings.Repeat("-", 70))
	for _, r := range rows {
		class := "-"
		if r.ExplainedModelPredictedClass != nil {
			class = fmt.Sprintf("%d", *r.ExplainedModelPredictedClass)
		}
		fmt.Fprintf(out, "%-12s %5d %5d %12.6f %6s  %v\n",
			r.ItemIndex, r.Epoch, r.Step, r.MetricResult, class, r.MetricStepsResult)
	}
	return nil
}

// #endregion detail

// #region helpers
func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion helpers
