package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS eval_runs (
	run_id                     TEXT PRIMARY KEY,
	task                       TEXT NOT NULL,
	evaluation_metric          TEXT NOT NULL,
	explained_model_backbone   TEXT,
	interpreter_model_backbone TEXT,
	token_evaluation_option    TEXT,
	steps_k                    TEXT NOT NULL,
	started_at                 TEXT NOT NULL,
	finished_at                TEXT,
	items_total                INTEGER NOT NULL DEFAULT 0,
	items_failed               INTEGER NOT NULL DEFAULT 0,
	status                     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_results (
	id                              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id                          TEXT,
	epoch                           INTEGER NOT NULL,
	step                            INTEGER NOT NULL,
	item_index                      TEXT NOT NULL,
	task                            TEXT NOT NULL,
	evaluation_metric               TEXT NOT NULL,
	explained_model_backbone        TEXT,
	interpreter_model_backbone      TEXT,
	metric_result                   REAL NOT NULL,
	metric_result_str               TEXT NOT NULL,
	metric_steps_result             TEXT,
	steps_k                         TEXT,
	explained_model_predicted_class INTEGER,
	token_evaluation_option         TEXT,
	created_at                      TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES eval_runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_metric_results_run ON metric_results(run_id);

CREATE TABLE IF NOT EXISTS run_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	item_index  TEXT,
	event       TEXT NOT NULL,
	detail      TEXT,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES eval_runs(run_id)
);
`

// #endregion schema

// #region store-struct
// Store persists runs and per-item results in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema to db.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region runs
// CreateRun inserts a run in the running state, assigning an ID and start
// time when the record has none.
func (s *Store) CreateRun(ctx context.Context, rec RunRecord) (RunRecord, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = StatusRunning

	stepsJSON, err := json.Marshal(rec.StepsK)
	if err != nil {
		return RunRecord{}, fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO eval_runs (run_id, task, evaluation_metric, explained_model_backbone,
		   interpreter_model_backbone, token_evaluation_option, steps_k, started_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Task, rec.EvaluationMetric, nullIfEmpty(rec.ExplainedModelBackbone),
		nullIfEmpty(rec.InterpreterModelBackbone), nullIfEmpty(rec.TokenEvaluationOption),
		string(stepsJSON), rec.StartedAt.Format(time.RFC3339Nano), rec.Status,
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// FinishRun records the item counts and final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, total, failed int, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_runs SET finished_at = ?, items_total = ?, items_failed = ?, status = ?
		 WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), total, failed, status, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

const runColumns = `run_id, task, evaluation_metric, explained_model_backbone, interpreter_model_backbone,
	token_evaluation_option, steps_k, started_at, finished_at, items_total, items_failed, status`

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM eval_runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM eval_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// #endregion runs

// #region results
// Name implements Sink.
func (s *Store) Name() string { return "sqlite" }

// Save inserts one result row. Store satisfies Sink.
func (s *Store) Save(ctx context.Context, r Result) error {
	stepsResult, err := marshalList(r.MetricStepsResult)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	stepsK, err := marshalList(r.StepsK)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var predicted interface{}
	if r.ExplainedModelPredictedClass != nil {
		predicted = *r.ExplainedModelPredictedClass
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metric_results (run_id, epoch, step, item_index, task, evaluation_metric,
		   explained_model_backbone, interpreter_model_backbone, metric_result, metric_result_str,
		   metric_steps_result, steps_k, explained_model_predicted_class, token_evaluation_option, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(r.RunID), r.Epoch, r.Step, r.ItemIndex, r.Task, r.EvaluationMetric,
		nullIfEmpty(r.ExplainedModelBackbone), nullIfEmpty(r.InterpreterModelBackbone),
		r.MetricResult, r.MetricResultStr, stepsResult, stepsK, predicted,
		nullIfEmpty(r.TokenEvaluationOption), created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns up to limit results of a run in insertion order.
func (s *Store) ListResults(ctx context.Context, runID string, limit int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, epoch, step, item_index, task, evaluation_metric, explained_model_backbone,
		   interpreter_model_backbone, metric_result, metric_result_str, metric_steps_result, steps_k,
		   explained_model_predicted_class, token_evaluation_option, created_at
		 FROM metric_results WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var run, explained, interpreter, stepsResult, stepsK, option sql.NullString
		var predicted sql.NullInt64
		var createdStr string
		if err := rows.Scan(&run, &r.Epoch, &r.Step, &r.ItemIndex, &r.Task, &r.EvaluationMetric,
			&explained, &interpreter, &r.MetricResult, &r.MetricResultStr, &stepsResult, &stepsK,
			&predicted, &option, &createdStr); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.RunID = run.String
		r.ExplainedModelBackbone = explained.String
		r.InterpreterModelBackbone = interpreter.String
		r.TokenEvaluationOption = option.String
		if predicted.Valid {
			c := int(predicted.Int64)
			r.ExplainedModelPredictedClass = &c
		}
		if r.MetricStepsResult, err = unmarshalList(stepsResult); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
		if r.StepsK, err = unmarshalList(stepsK); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunSummary aggregates the stored metric values of a run.
func (s *Store) RunSummary(ctx context.Context, runID string) (Summary, error) {
	var sum Summary
	var mean, lo, hi sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(metric_result), MIN(metric_result), MAX(metric_result)
		 FROM metric_results WHERE run_id = ?`, runID,
	).Scan(&sum.Count, &mean, &lo, &hi)
	if err != nil {
		return Summary{}, fmt.Errorf("run summary: %w", err)
	}
	sum.Mean, sum.Min, sum.Max = mean.Float64, lo.Float64, hi.Float64
	return sum, nil
}

// #endregion results

// #region helpers
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var explained, interpreter, option, finished sql.NullString
	var stepsJSON, startedStr string
	err := row.Scan(&rec.RunID, &rec.Task, &rec.EvaluationMetric, &explained, &interpreter,
		&option, &stepsJSON, &startedStr, &finished, &rec.ItemsTotal, &rec.ItemsFailed, &rec.Status)
	if err != nil {
		return RunRecord{}, err
	}
	rec.ExplainedModelBackbone = explained.String
	rec.InterpreterModelBackbone = interpreter.String
	rec.TokenEvaluationOption = option.String
	if err := json.Unmarshal([]byte(stepsJSON), &rec.StepsK); err != nil {
		return RunRecord{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedStr); err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return RunRecord{}, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return rec, nil
}

func marshalList(vs []float64) (interface{}, error) {
	if vs == nil {
		return nil, nil
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalList(s sql.NullString) ([]float64, error) {
	if !s.Valid {
		return nil, nil
	}
	var vs []float64
	if err := json.Unmarshal([]byte(s.String), &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
