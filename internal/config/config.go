package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/faithfulness-eval/internal/metric"
	"github.com/danielpatrickdp/faithfulness-eval/internal/perturb"
)

// #region config
// Config holds everything a run needs. Environment variables provide
// defaults; an experiment file overrides them; CLI flags override both.
type Config struct {
	// Experiment
	Task                     string    `env:"FAITH_TASK" envDefault:"SST2" yaml:"task"`
	EvalMetric               string    `env:"FAITH_EVAL_METRIC" envDefault:"AOPC_COMPREHENSIVENESS" yaml:"eval_metric"`
	TopK                     []float64 `env:"FAITH_TOP_K" envSeparator:"," yaml:"top_k"`
	EvalTokens               string    `env:"FAITH_EVAL_TOKENS" envDefault:"NO_SPECIAL_TOKENS" yaml:"eval_tokens"`
	ExplainedModelBackbone   string    `env:"FAITH_EXPLAINED_MODEL_BACKBONE" envDefault:"bert" yaml:"explained_model_backbone"`
	InterpreterModelBackbone string    `env:"FAITH_INTERPRETER_MODEL_BACKBONE" envDefault:"bert" yaml:"interpreter_model_backbone"`
	RefTokenID               int64     `env:"FAITH_REF_TOKEN_ID" envDefault:"103" yaml:"ref_token_id"`
	SpecialTokenIDs          []int64   `env:"FAITH_SPECIAL_TOKEN_IDS" envSeparator:"," envDefault:"0,101,102" yaml:"special_token_ids"`

	// Inputs and outputs
	DatasetPath        string `env:"FAITH_DATASET" yaml:"dataset"`
	ExperimentPath     string `env:"FAITH_EXPERIMENT_PATH" envDefault:"experiments" yaml:"experiment_path"`
	SaveSupportResults bool   `env:"FAITH_SAVE_SUPPORT_RESULTS" envDefault:"true" yaml:"is_save_support_results"`
	DBPath             string `env:"FAITH_DB" envDefault:"faithfulness.db" yaml:"db"`

	// Model service
	ModelAddr      string        `env:"FAITH_MODEL_ADDR" envDefault:"localhost:50051" yaml:"model_addr"`
	RequestTimeout time.Duration `env:"FAITH_REQUEST_TIMEOUT" envDefault:"30s" yaml:"request_timeout"`

	// Execution
	Concurrency int    `env:"FAITH_CONCURRENCY" envDefault:"1" yaml:"concurrency"`
	MetricsAddr string `env:"FAITH_METRICS_ADDR" yaml:"metrics_addr"`
	LogLevel    string `env:"FAITH_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	Debug       bool   `env:"FAITH_DEBUG" envDefault:"false" yaml:"debug"`
}

// #endregion config

// #region load
// Load reads the environment, then overlays the YAML file at path if non-empty.
func Load(path string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// #endregion load

// #region validate
// Kind returns the parsed evaluation metric.
func (c Config) Kind() (metric.Kind, error) {
	return metric.ParseKind(c.EvalMetric)
}

// TokenOption returns the parsed token evaluation option.
func (c Config) TokenOption() (perturb.TokenOption, error) {
	return perturb.ParseTokenOption(c.EvalTokens)
}

// Schedule returns the configured cutoffs, or the metric's default.
func (c Config) Schedule() ([]float64, error) {
	k, err := c.Kind()
	if err != nil {
		return nil, err
	}
	if len(c.TopK) == 0 {
		return metric.DefaultTopK(k), nil
	}
	return c.TopK, nil
}

// Experiment is the parsed form of the metric settings.
type Experiment struct {
	Kind        metric.Kind
	TopK        []float64
	TokenOption perturb.TokenOption
}

// Experiment parses and checks the metric, cutoff schedule and token option.
func (c Config) Experiment() (Experiment, error) {
	k, err := c.Kind()
	if err != nil {
		return Experiment{}, err
	}
	steps, err := c.Schedule()
	if err != nil {
		return Experiment{}, err
	}
	if err := metric.ValidateSchedule(k, steps); err != nil {
		return Experiment{}, err
	}
	opt, err := c.TokenOption()
	if err != nil {
		return Experiment{}, err
	}
	return Experiment{Kind: k, TopK: steps, TokenOption: opt}, nil
}

// Validate checks the fields a run cannot start without and returns the
// parsed experiment settings.
func (c Config) Validate() (Experiment, error) {
	exp, err := c.Experiment()
	if err != nil {
		return Experiment{}, err
	}
	if c.Task == "" {
		return Experiment{}, errors.New("task is required")
	}
	if c.Concurrency < 1 {
		return Experiment{}, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.SaveSupportResults && c.ExperimentPath == "" {
		return Experiment{}, errors.New("experiment path is required when saving support results")
	}
	return exp, nil
}

// #endregion validate
