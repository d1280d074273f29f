package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/earlystop"
	"github.com/gastownhall/rolltune/internal/governor"
	"github.com/gastownhall/rolltune/internal/rollout"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/style"
)

func newCollectCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		n   int
		val bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection round without training",
		Long: `Collect and grade rollouts for the configured tasks, then print
per-task reward summaries. Useful for debugging graders and sampling
settings before committing to a training run.

Examples:
  rt collect
  rt collect -n 8
  rt collect --val`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			if n > 0 {
				cfg.Samples = n
			}
			return runCollect(cmd, cfg, val, stdout, stderr)
		},
	}

	cmd.Flags().IntVarP(&n, "samples", "n", 0, "Samples per task (overrides config)")
	cmd.Flags().BoolVar(&val, "val", false, "Collect the validation tasks instead of training tasks")
	return cmd
}

func runCollect(cmd *cobra.Command, cfg runcfg.Config, val bool, stdout, stderr io.Writer) error {
	ctx := cmd.Context()

	tasksPath := cfg.Tasks.TrainPath
	if val {
		if cfg.Tasks.ValPath == "" {
			return fmt.Errorf("collect: no tasks.val_path configured")
		}
		tasksPath = cfg.Tasks.ValPath
	}
	tasks, err := rollout.LoadTasks(tasksPath, &rollout.CommandGrader{Command: cfg.Tasks.Grader})
	if err != nil {
		return err
	}

	backend.BaseURL = cfg.BackendURL
	client := backend.NewClient()

	capacity, err := client.Capacity(ctx)
	if err != nil {
		return fmt.Errorf("querying backend capacity: %w", err)
	}
	gov, err := governor.New(governor.Budget(capacity, cfg.ExpectedCompletionTokens, cfg.Headroom))
	if err != nil {
		return err
	}

	opts := rollout.Options{
		Generator: rollout.ClientGenerator{Client: client},
		Governor:  gov,
		Sampling: rollout.Sampling{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Seed:        cfg.Seed,
		},
		GradeTruncated:           cfg.EarlyStop.GradeTruncated,
		ExpectedCompletionTokens: cfg.ExpectedCompletionTokens,
	}
	if cfg.EarlyStop.Enabled {
		opts.EarlyStop = earlystop.Params{
			Alpha:     cfg.EarlyStop.Alpha,
			Threshold: cfg.EarlyStop.Threshold,
			MinTokens: cfg.EarlyStop.MinTokens,
		}
	}
	collector, err := rollout.NewCollector(opts)
	if err != nil {
		return err
	}

	spin := style.StartSpinner(stderr, fmt.Sprintf("collecting %d tasks x %d samples", len(tasks), cfg.Samples))
	groups, stats, err := collector.Collect(ctx, tasks, cfg.Samples)
	spin.Stop()
	if err != nil {
		return err
	}

	for _, g := range groups {
		rewards := make([]float64, 0, len(g.Samples))
		for _, s := range g.Samples {
			rewards = append(rewards, s.Reward)
		}
		sort.Float64s(rewards)
		fmt.Fprintf(stdout, "%s  %d samples  rewards %v\n", style.Bold.Render(g.TaskID), len(g.Samples), rewards)
	}
	fmt.Fprintf(stdout, "\nmean reward %s over %d grades, %.1f mean completion tokens, %d exceptions, %d early stops\n",
		style.Reward(stats.MeanReward()), stats.Grades, stats.MeanCompletionTokens(), stats.Exceptions, stats.EarlyStops)
	return nil
}
