package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/loop"
	"github.com/gastownhall/rolltune/internal/metrics"
	"github.com/gastownhall/rolltune/internal/rollout"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/store"
	"github.com/gastownhall/rolltune/internal/style"
)

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run training iterations: collect, pack, tune, retain",
		Long: `Run the full iteration cycle against the configured backend.

Each iteration collects validation and training rollouts, computes
group-relative advantages, packs training buffers, runs the external
tuning step, and prunes checkpoints down to best + current.

Examples:
  rt run
  rt run -c experiments/math.yaml
  rt run --iterations 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			if iterations > 0 {
				cfg.Iterations = iterations
			}
			if len(cfg.Tune.Command) == 0 {
				return fmt.Errorf("run: tune.command is not configured in %s", path)
			}
			return runLoop(cmd.Context(), cfg, stdout, stderr)
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 0, "Override the configured iteration count")
	return cmd
}

func runLoop(ctx context.Context, cfg runcfg.Config, stdout, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			fmt.Fprintf(stderr, "rt: sentry init: %v\n", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	run := runcfg.NewRun(cfg)
	fmt.Fprintf(stdout, "%s run %s\n", style.Info.Render("rolltune"), style.Dim.Render(run.ID))

	s, err := store.New(cfg.OutputDir)
	if err != nil {
		return err
	}
	logger, err := metrics.NewDiskLogger(s.Root)
	if err != nil {
		return err
	}

	backend.BaseURL = cfg.BackendURL
	client := backend.NewClient()

	opts := loop.Options{
		Run:       run,
		Store:     s,
		Metrics:   logger,
		Generator: rollout.ClientGenerator{Client: client},
		Capacity:  client.Capacity,
		Tuner:     &backend.CommandTuner{Command: cfg.Tune.Command, Stderr: stderr},
		Stdout:    stdout,
		Stderr:    stderr,
	}
	if len(cfg.Sync) > 0 {
		opts.Syncer = &store.CommandSyncer{Command: cfg.Sync, Stderr: stderr}
	}

	l, err := loop.New(opts)
	if err != nil {
		return err
	}
	if err := l.Run(ctx); err != nil {
		sentry.CaptureException(err)
		return err
	}
	fmt.Fprintf(stdout, "%s run complete\n", style.Success.Render(style.IconPass))
	return nil
}
