package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/style"
)

func newDoctorCmd(stdout, stderr io.Writer) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check your rolltune setup for common issues",
		Long: `Run diagnostic checks against the run configuration.

Verifies that the inference backend is reachable and reports capacity,
that the grader, trainer, and sync commands exist, and that the task
files and output directory are usable.

Use --check to exit non-zero on any warning or failure (useful for CI).

Examples:
  rt doctor
  rt doctor --check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			return runDoctor(cmd.Context(), cfg, stdout, stderr, exec.LookPath, check)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero if any warnings or failures")
	return cmd
}

// diagnostic holds a single check result.
type diagnostic struct {
	name    string
	status  string // "pass", "warn", "fail"
	message string
}

func runDoctor(ctx context.Context, cfg runcfg.Config, stdout, stderr io.Writer, lookPath func(string) (string, error), check bool) error {
	results := doctorChecks(ctx, cfg, lookPath)

	failed := false
	for _, d := range results {
		var icon string
		switch d.status {
		case "pass":
			icon = style.Success.Render(style.IconPass)
		case "warn":
			icon = style.Warning.Render(style.IconWarn)
			failed = failed || check
		default:
			icon = style.Error.Render(style.IconFail)
			failed = true
		}
		fmt.Fprintf(stdout, "  %s %-18s %s\n", icon, d.name, d.message)
	}

	if failed {
		fmt.Fprintf(stderr, "rt: doctor found problems\n") //nolint:errcheck // best-effort stderr
		return errExit
	}
	return nil
}

func doctorChecks(ctx context.Context, cfg runcfg.Config, lookPath func(string) (string, error)) []diagnostic {
	var results []diagnostic

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	backend.BaseURL = cfg.BackendURL
	if capacity, err := backend.NewClient().Capacity(ctx); err != nil {
		results = append(results, diagnostic{
			name:   "backend",
			status: "fail",
			message: fmt.Sprintf("unreachable at %s: %v", cfg.BackendURL, err),
		})
	} else {
		results = append(results, diagnostic{
			name:    "backend",
			status:  "pass",
			message: fmt.Sprintf("%s (capacity %d tokens)", cfg.BackendURL, capacity),
		})
	}

	results = append(results, commandCheck("grader", cfg.Tasks.Grader, lookPath, "fail"))
	if len(cfg.Tune.Command) > 0 {
		results = append(results, commandCheck("trainer", cfg.Tune.Command, lookPath, "fail"))
	} else {
		results = append(results, diagnostic{name: "trainer", status: "warn", message: "tune.command not set; 'rt run' will refuse to start"})
	}
	if len(cfg.Sync) > 0 {
		results = append(results, commandCheck("sync", cfg.Sync, lookPath, "warn"))
	}

	for _, f := range []struct{ name, path string }{
		{"train tasks", cfg.Tasks.TrainPath},
		{"val tasks", cfg.Tasks.ValPath},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			results = append(results, diagnostic{name: f.name, status: "fail", message: fmt.Sprintf("%s: %v", f.path, err)})
		} else {
			results = append(results, diagnostic{name: f.name, status: "pass", message: f.path})
		}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		results = append(results, diagnostic{name: "output dir", status: "fail", message: fmt.Sprintf("%s: %v", cfg.OutputDir, err)})
	} else {
		results = append(results, diagnostic{name: "output dir", status: "pass", message: cfg.OutputDir})
	}

	return results
}

func commandCheck(name string, argv []string, lookPath func(string) (string, error), missing string) diagnostic {
	path, err := lookPath(argv[0])
	if err != nil {
		return diagnostic{name: name, status: missing, message: fmt.Sprintf("%s not found in PATH", argv[0])}
	}
	return diagnostic{name: name, status: "pass", message: path}
}
