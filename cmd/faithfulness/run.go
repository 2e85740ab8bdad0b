package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/faithfulness-eval/internal/batch"
	"github.com/danielpatrickdp/faithfulness-eval/internal/config"
	"github.com/danielpatrickdp/faithfulness-eval/internal/dataset"
	"github.com/danielpatrickdp/faithfulness-eval/internal/evaluation"
	"github.com/danielpatrickdp/faithfulness-eval/internal/logging"
	"github.com/danielpatrickdp/faithfulness-eval/internal/model"
	"github.com/danielpatrickdp/faithfulness-eval/internal/results"
	"github.com/danielpatrickdp/faithfulness-eval/internal/telemetry"
)

// #region command
type runFlags struct {
	dataset        string
	metric         string
	topK           []float64
	evalTokens     string
	experimentPath string
	modelAddr      string
	dbPath         string
	concurrency    int
	noSave         bool
	metricsAddr    string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a dataset of attributed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.dataset, "dataset", "", "JSON Lines file of attributed items")
	fl.StringVar(&f.metric, "metric", "", "evaluation metric (SUFFICIENCY, COMPREHENSIVENESS, EVAL_LOG_ODDS, AOPC_SUFFICIENCY, AOPC_COMPREHENSIVENESS)")
	fl.Float64SliceVar(&f.topK, "top-k", nil, "cutoff schedule in percent")
	fl.StringVar(&f.evalTokens, "eval-tokens", "", "token evaluation option (NO_SPECIAL_TOKENS, ALL_TOKENS)")
	fl.StringVar(&f.experimentPath, "experiment-path", "", "directory receiving support_results_df.csv")
	fl.StringVar(&f.modelAddr, "model-addr", "", "inference service address")
	fl.StringVar(&f.dbPath, "db", "", "SQLite results database")
	fl.IntVar(&f.concurrency, "concurrency", 0, "items evaluated in parallel")
	fl.BoolVar(&f.noSave, "no-save", false, "skip writing the support results CSV")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// apply overlays explicitly set flags on cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("dataset") {
		cfg.DatasetPath = f.dataset
	}
	if fl.Changed("metric") {
		cfg.EvalMetric = f.metric
	}
	if fl.Changed("top-k") {
		cfg.TopK = f.topK
	}
	if fl.Changed("eval-tokens") {
		cfg.EvalTokens = f.evalTokens
	}
	if fl.Changed("experiment-path") {
		cfg.ExperimentPath = f.experimentPath
	}
	if fl.Changed("model-addr") {
		cfg.ModelAddr = f.modelAddr
	}
	if fl.Changed("db") {
		cfg.DBPath = f.dbPath
	}
	if fl.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if fl.Changed("no-save") {
		cfg.SaveSupportResults = !f.noSave
	}
	if fl.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if debugMode {
		cfg.Debug = true
	}
}

// #endregion command

// #region run
func runEvaluate(cmd *cobra.Command, f *runFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	f.apply(cmd, &cfg)
	exp, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.DatasetPath == "" {
		return errors.New("no dataset: set --dataset or FAITH_DATASET")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	items, err := dataset.LoadFile(cfg.DatasetPath)
	if err != nil {
		return err
	}

	store, err := results.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	client, err := model.NewModelClient(cfg.ModelAddr, cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("connect to model service at %s: %w", cfg.ModelAddr, err)
	}
	defer client.Close()

	kind, steps, option := exp.Kind, exp.TopK, exp.TokenOption

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := store.CreateRun(ctx, results.RunRecord{
		Task:                     cfg.Task,
		EvaluationMetric:         kind.String(),
		ExplainedModelBackbone:   cfg.ExplainedModelBackbone,
		InterpreterModelBackbone: cfg.InterpreterModelBackbone,
		TokenEvaluationOption:    string(option),
		StepsK:                   steps,
	})
	if err != nil {
		return err
	}

	sinks := []results.Sink{store}
	if cfg.SaveSupportResults {
		sinks = append(sinks, results.NewCSVSink(cfg.ExperimentPath))
	}

	evaluator, err := evaluation.New(client, evaluation.Options{
		Kind:                     kind,
		TopK:                     steps,
		RefTokenID:               cfg.RefTokenID,
		SpecialTokenIDs:          cfg.SpecialTokenIDs,
		TokenOption:              option,
		Task:                     cfg.Task,
		ExplainedModelBackbone:   cfg.ExplainedModelBackbone,
		InterpreterModelBackbone: cfg.InterpreterModelBackbone,
		RunID:                    run.RunID,
		SaveResults:              true,
	}, sinks, logger)
	if err != nil {
		return err
	}

	logger.Info("run started",
		zap.String("run_id", run.RunID),
		zap.String("metric", kind.String()),
		zap.Float64s("top_k", steps),
		zap.Int("items", len(items)),
		zap.String("model_addr", cfg.ModelAddr))

	runner := batch.NewRunner(evaluator, cfg.Concurrency, run.RunID, store.DB(), logger)
	outcomes, runErr := runner.Run(ctx, items)
	summary := batch.Summarize(outcomes)

	status := results.StatusFinished
	if ctx.Err() != nil || (summary.Total > 0 && summary.Succeeded == 0) {
		status = results.StatusFailed
	}
	if err := store.FinishRun(context.Background(), run.RunID, summary.Total, summary.Failed, status); err != nil {
		logger.Error("finish run", zap.Error(err))
	}

	printRunSummary(cmd, run.RunID, kind.String(), summary)
	logger.Info("run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", status),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))

	if status == results.StatusFailed {
		return fmt.Errorf("run %s failed: %w", run.RunID, runErr)
	}
	if runErr != nil {
		logger.Warn("some items failed", zap.Error(runErr))
	}
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", zap.String("addr", addr), zap.Error(err))
	}
}

func printRunSummary(cmd *cobra.Command, runID, metricName string, s batch.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s\n", runID)
	fmt.Fprintf(out, "Metric:    %s\n", metricName)
	fmt.Fprintf(out, "Items:     %d total, %d ok, %d failed\n", s.Total, s.Succeeded, s.Failed)
	if s.Succeeded > 0 {
		fmt.Fprintf(out, "Mean:      %.6f\n", s.Mean)
		fmt.Fprintf(out, "Min / Max: %.6f / %.6f\n", s.Min, s.Max)
	}
}

// #endregion run
