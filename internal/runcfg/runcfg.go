// Package runcfg defines the YAML run configuration and the immutable
// per-run state derived from it.
package runcfg

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EarlyStopConfig tunes the per-stream logprob monitors.
type EarlyStopConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Alpha     float64 `yaml:"alpha"`
	Threshold float64 `yaml:"threshold"`
	MinTokens int     `yaml:"min_tokens"`

	// GradeTruncated hands early-stopped partial completions to the
	// grader instead of excluding them. Only enable this when the grader
	// can score truncated text.
	GradeTruncated bool `yaml:"grade_truncated"`
}

// TasksConfig locates the task files and the grader command.
type TasksConfig struct {
	// TrainPath and ValPath are JSONL files of {"id": ..., "prompt": ...}.
	TrainPath string `yaml:"train_path"`
	ValPath   string `yaml:"val_path"`

	// Grader is the external grader argv; each sample is offered on stdin.
	Grader []string `yaml:"grader"`

	// PerIteration caps how many training tasks one iteration draws.
	// 0 means the whole file.
	PerIteration int `yaml:"per_iteration"`
}

// TuneConfig configures the external fine-tuning command.
type TuneConfig struct {
	Command      []string `yaml:"command"`
	LearningRate float64  `yaml:"learning_rate"`
	BatchSize    int      `yaml:"batch_size"`
	ClipEpsilon  float64  `yaml:"clip_epsilon"`
	EntropyCoef  float64  `yaml:"entropy_coef"`
	KLCoef       float64  `yaml:"kl_coef"`
}

// Config is one run's full configuration, read once at startup and
// treated as read-only afterwards.
type Config struct {
	Model      string `yaml:"model"`
	BackendURL string `yaml:"backend_url"`
	OutputDir  string `yaml:"output_dir"`

	Iterations int `yaml:"iterations"`
	Samples    int `yaml:"samples"`

	SeqLen     int `yaml:"seq_len"`
	PadTokenID int `yaml:"pad_token_id"`
	MaxTokens  int `yaml:"max_tokens"`

	Temperature float64 `yaml:"temperature"`
	Seed        int     `yaml:"seed"`

	// ExpectedCompletionTokens seeds the governor's budget for the first
	// iteration; later iterations recalibrate from observed lengths.
	ExpectedCompletionTokens int     `yaml:"expected_completion_tokens"`
	Headroom                 float64 `yaml:"headroom"`

	Tasks     TasksConfig     `yaml:"tasks"`
	EarlyStop EarlyStopConfig `yaml:"earlystop"`
	Tune      TuneConfig      `yaml:"tune"`

	// Sync is the optional remote sync argv; empty disables syncing.
	Sync []string `yaml:"sync"`
}

// Default returns the config defaults applied under an explicit file.
func Default() Config {
	return Config{
		BackendURL:               "http://localhost:11434",
		Iterations:               1,
		Samples:                  4,
		SeqLen:                   4096,
		PadTokenID:               -100,
		Temperature:              1.0,
		ExpectedCompletionTokens: 512,
		Headroom:                 1.33,
		EarlyStop: EarlyStopConfig{
			Enabled:   true,
			Alpha:     0.992,
			Threshold: -3.0,
			MinTokens: 64,
		},
		Tune: TuneConfig{
			LearningRate: 1e-5,
			BatchSize:    1,
			ClipEpsilon:  0.2,
		},
	}
}

// Load reads and validates a run config file, applying defaults for
// omitted fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field constraints a YAML schema cannot.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Tasks.TrainPath == "" {
		return fmt.Errorf("tasks.train_path is required")
	}
	if len(c.Tasks.Grader) == 0 {
		return fmt.Errorf("tasks.grader is required")
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.Samples < 1 {
		return fmt.Errorf("samples must be at least 1, got %d", c.Samples)
	}
	if c.SeqLen < 1 {
		return fmt.Errorf("seq_len must be positive, got %d", c.SeqLen)
	}
	if c.MaxTokens > c.SeqLen {
		return fmt.Errorf("max_tokens %d exceeds seq_len %d; completions could never pack", c.MaxTokens, c.SeqLen)
	}
	if c.ExpectedCompletionTokens < 1 {
		return fmt.Errorf("expected_completion_tokens must be positive, got %d", c.ExpectedCompletionTokens)
	}
	if c.Headroom <= 1 {
		return fmt.Errorf("headroom must exceed 1, got %g", c.Headroom)
	}
	if c.EarlyStop.Enabled {
		if c.EarlyStop.Alpha <= 0 || c.EarlyStop.Alpha >= 1 {
			return fmt.Errorf("earlystop.alpha must be in (0,1), got %g", c.EarlyStop.Alpha)
		}
		if c.EarlyStop.Threshold >= 0 {
			return fmt.Errorf("earlystop.threshold must be negative, got %g", c.EarlyStop.Threshold)
		}
		if c.EarlyStop.MinTokens < 1 {
			return fmt.Errorf("earlystop.min_tokens must be positive, got %d", c.EarlyStop.MinTokens)
		}
	}
	return nil
}

// Run is the immutable per-run state: the config plus a fresh run id.
type Run struct {
	ID        string
	StartedAt time.Time
	Config    Config
}

// NewRun mints a run over cfg.
func NewRun(cfg Config) Run {
	return Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Config:    cfg,
	}
}
