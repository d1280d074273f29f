package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/style"
)

func newConfigCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the run configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigShowCmd(stdout), newConfigInitCmd(stdout, stderr))
	return cmd
}

func newConfigShowCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("config: marshaling: %w", err)
			}
			fmt.Fprint(stdout, string(data))
			return nil
		},
	}
}

func newConfigInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(stderr, "rt: %s already exists (use --force to overwrite)\n", path) //nolint:errcheck // best-effort stderr
				return errExit
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("config: writing %s: %w", path, err)
			}
			fmt.Fprintf(stdout, "%s wrote %s\n", style.Success.Render(style.IconPass), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

const starterConfig = `# rolltune run configuration
model: my-model
backend_url: http://localhost:11434
output_dir: ./runs/example

iterations: 1
samples: 4
seq_len: 4096
max_tokens: 1024
temperature: 1.0

expected_completion_tokens: 512
headroom: 1.33

tasks:
  train_path: tasks/train.jsonl
  val_path: tasks/val.jsonl
  grader: ["python", "grade.py"]

earlystop:
  enabled: true
  alpha: 0.992
  threshold: -3.0
  min_tokens: 64
  grade_truncated: false

tune:
  command: ["python", "-m", "trainer"]
  learning_rate: 1.0e-5
  batch_size: 1
  clip_epsilon: 0.2

# sync: ["rclone", "sync", "remote:runs"]
`
