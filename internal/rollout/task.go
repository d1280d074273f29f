// Package rollout samples candidate completions for a batch of tasks,
// grades them, and aggregates per-group results for advantage computation.
package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Task is one immutable unit of work: a prompt plus a grading capability.
// Tasks are constructed once per experiment and shared read-only across
// all concurrent samples.
type Task struct {
	ID     string
	Prompt string
	Grader Grader
}

// Score is the grader's verdict for one sample. Metrics carries named
// auxiliary values summed into the collection stats.
type Score struct {
	Reward  float64
	Metrics map[string]float64
}

// Grader scores one sampled completion. Implementations may block on I/O;
// failures are recovered per choice and never abort sibling grading.
type Grader interface {
	Grade(ctx context.Context, task Task, sample Sample) (Score, error)
}

// GraderFunc adapts a function to the Grader interface.
type GraderFunc func(ctx context.Context, task Task, sample Sample) (Score, error)

// Grade calls f.
func (f GraderFunc) Grade(ctx context.Context, task Task, sample Sample) (Score, error) {
	return f(ctx, task, sample)
}

// CommandGrader grades by running an external command. The sample is
// written to stdin as JSON; the command prints either a bare float reward
// or a JSON object {"reward": ..., "metrics": {...}} on its last stdout line.
type CommandGrader struct {
	// Command is the grader argv, e.g. ["python", "grade.py"].
	Command []string
}

// commandSample is the JSON payload handed to a grader command.
type commandSample struct {
	TaskID       string `json:"task_id"`
	Prompt       string `json:"prompt"`
	Choice       int    `json:"choice"`
	TokenIDs     []int  `json:"token_ids"`
	EarlyStopped bool   `json:"early_stopped"`
}

// Grade runs the grader command for one sample.
func (g *CommandGrader) Grade(ctx context.Context, task Task, sample Sample) (Score, error) {
	if len(g.Command) == 0 {
		return Score{}, fmt.Errorf("grade: no grader command configured")
	}

	payload, err := json.Marshal(commandSample{
		TaskID:       task.ID,
		Prompt:       task.Prompt,
		Choice:       sample.Choice,
		TokenIDs:     sample.TokenIDs,
		EarlyStopped: sample.EarlyStopped,
	})
	if err != nil {
		return Score{}, fmt.Errorf("grade: marshaling sample: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.Command[0], g.Command[1:]...)
	cmd.Stdin = strings.NewReader(string(payload))
	out, err := cmd.Output()
	if err != nil {
		return Score{}, fmt.Errorf("grade: running grader: %w", err)
	}

	var lastLine string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if lastLine == "" {
		return Score{}, fmt.Errorf("grade: grader produced no output")
	}
	return parseScore(lastLine)
}

// parseScore accepts either a bare float or a JSON score object.
func parseScore(line string) (Score, error) {
	if reward, err := strconv.ParseFloat(line, 64); err == nil {
		return Score{Reward: reward}, nil
	}
	var s struct {
		Reward  float64            `json:"reward"`
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return Score{}, fmt.Errorf("grade: unparseable grader output %q: %w", line, err)
	}
	return Score{Reward: s.Reward, Metrics: s.Metrics}, nil
}
