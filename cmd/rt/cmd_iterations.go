package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/metrics"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/store"
	"github.com/gastownhall/rolltune/internal/style"
)

func newIterationsCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "iterations",
		Short: "List recorded iterations with rewards and retention state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			return runIterations(cfg, stdout)
		},
	}
}

func runIterations(cfg runcfg.Config, stdout io.Writer) error {
	s, err := store.New(cfg.OutputDir)
	if err != nil {
		return err
	}

	var records []metrics.Record
	if path, ok, err := metrics.LatestLog(s.Root); err != nil {
		return err
	} else if ok {
		if records, err = metrics.ReadLog(path); err != nil {
			return err
		}
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, style.Dim.Render("no iterations recorded yet"))
		return nil
	}
	best, bestOK := metrics.Best(records)

	tbl := style.NewTable(
		style.Column{Name: "STEP", Width: 6},
		style.Column{Name: "VAL REWARD", Width: 12},
		style.Column{Name: "TRAIN REWARD", Width: 13},
		style.Column{Name: "EXC", Width: 5},
		style.Column{Name: "ON DISK", Width: 8},
	)
	for _, rec := range records {
		val := cell(rec.Values, metrics.ValReward)
		if bestOK && rec.Step == best {
			val += " " + style.IconBest
		}
		onDisk := ""
		// Step i evaluates checkpoint i; the next checkpoint is i+1.
		if _, err := os.Stat(s.IterationDir(rec.Step + 1)); err == nil {
			onDisk = style.IconPass
		}
		tbl.AddRow(
			strconv.Itoa(rec.Step),
			val,
			cell(rec.Values, "train_reward"),
			cell(rec.Values, "exceptions"),
			onDisk,
		)
	}
	fmt.Fprint(stdout, tbl.Render())
	return nil
}

func cell(values map[string]float64, key string) string {
	v, ok := values[key]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
