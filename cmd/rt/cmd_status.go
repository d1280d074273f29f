package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/metrics"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/store"
	"github.com/gastownhall/rolltune/internal/style"
)

func newStatusCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run's current iteration, checkpoint, and best reward",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			return runStatus(cfg, stdout)
		},
	}
}

func runStatus(cfg runcfg.Config, stdout io.Writer) error {
	s, err := store.New(cfg.OutputDir)
	if err != nil {
		return err
	}

	cur, err := s.CurrentIteration()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s\n", style.Bold.Render("output:"), s.Root)
	fmt.Fprintf(stdout, "%s %d\n", style.Bold.Render("iteration:"), cur)

	checkpoint, ok, err := s.LatestCheckpoint()
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(stdout, "%s %s\n", style.Bold.Render("checkpoint:"), checkpoint)
	} else {
		fmt.Fprintf(stdout, "%s %s\n", style.Bold.Render("checkpoint:"), style.Dim.Render("none (base model)"))
	}

	logPath, ok, err := metrics.LatestLog(s.Root)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(stdout, "%s %s\n", style.Bold.Render("metrics:"), style.Dim.Render("no history yet"))
		return nil
	}
	records, err := metrics.ReadLog(logPath)
	if err != nil {
		return err
	}
	if best, ok := metrics.Best(records); ok {
		for _, rec := range records {
			if rec.Step == best {
				fmt.Fprintf(stdout, "%s iteration %d (%s %s)\n",
					style.Bold.Render("best:"), best,
					metrics.ValReward, style.Reward(rec.Values[metrics.ValReward]))
				break
			}
		}
	}
	if len(records) > 0 {
		last := records[len(records)-1]
		fmt.Fprintf(stdout, "%s step %d, %s %s\n",
			style.Bold.Render("last:"), last.Step,
			metrics.ValReward, style.Reward(last.Values[metrics.ValReward]))
	}
	return nil
}
