package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TuneConfig is the training configuration handed to the fine-tuning step.
// The trainer's internals (optimizer, sharding, forward/backward) are not
// ours; this is the contract surface only.
type TuneConfig struct {
	Model         string  `yaml:"model"`
	LearningRate  float64 `yaml:"learning_rate"`
	BatchSize     int     `yaml:"batch_size"`
	ClipEpsilon   float64 `yaml:"clip_epsilon"`
	EntropyCoef   float64 `yaml:"entropy_coef"`
	KLCoef        float64 `yaml:"kl_coef"`
	Seed          int     `yaml:"seed"`
	TensorsDir    string  `yaml:"tensors_dir"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	OutputDir     string  `yaml:"output_dir"`
}

// TuneRunner runs one fine-tuning step over a tensors directory and returns
// the path of the checkpoint directory it produced.
type TuneRunner interface {
	Tune(ctx context.Context, cfg TuneConfig) (checkpointDir string, err error)
}

// CommandTuner shells out to an external trainer command. The config is
// written as YAML and passed via --config; the trainer prints the produced
// checkpoint directory as the last non-empty line of stdout.
type CommandTuner struct {
	// Command is the trainer argv, e.g. ["tune", "run"].
	Command []string

	// Stderr receives the trainer's progress output. Nil discards it.
	Stderr io.Writer
}

// Tune writes cfg to <output_dir>/config.yaml, runs the trainer, and
// returns the checkpoint directory it reports.
func (t *CommandTuner) Tune(ctx context.Context, cfg TuneConfig) (string, error) {
	if len(t.Command) == 0 {
		return "", fmt.Errorf("tune: no trainer command configured")
	}

	configPath := filepath.Join(cfg.OutputDir, "config.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("tune: marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return "", fmt.Errorf("tune: writing config: %w", err)
	}

	args := append(t.Command[1:], "--config", configPath)
	cmd := exec.CommandContext(ctx, t.Command[0], args...)
	cmd.Stderr = t.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("tune: opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("tune: starting trainer: %w", err)
	}

	// The checkpoint path is the last non-empty stdout line; everything
	// else is progress chatter forwarded to Stderr.
	var lastLine string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lastLine = line
		}
	}
	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("tune: trainer failed: %w", err)
	}
	if lastLine == "" {
		return "", fmt.Errorf("tune: trainer produced no checkpoint path")
	}
	if _, err := os.Stat(lastLine); err != nil {
		return "", fmt.Errorf("tune: trainer reported missing checkpoint %q: %w", lastLine, err)
	}
	return lastLine, nil
}
