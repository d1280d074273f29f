// rt is the rolltune CLI — rollout collection and training-batch packing
// for reinforcement fine-tuning runs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/style"
	"github.com/gastownhall/rolltune/internal/xdg"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is a sentinel error returned by cobra RunE functions to signal
// non-zero exit. The command has already written its own error to stderr.
var errExit = errors.New("exit")

// run executes the rt CLI with the given args.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "rt: %v\n", err)
			var hinted *HintedError
			if errors.As(err, &hinted) {
				fmt.Fprintf(stderr, "  %s\n", style.Dim.Render(hinted.Hint))
			}
		}
		return 1
	}
	return 0
}

// newRootCmd creates the root cobra command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rt",
		Short:         "Rolltune — rollout collection and batch packing for RL fine-tuning",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "rt: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringP("config", "c", "rolltune.yaml", "Run configuration file")
	root.PersistentFlags().String("color", "auto", "Color output: always, auto, never")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		colorMode, _ := cmd.Flags().GetString("color")
		switch colorMode {
		case "always", "auto", "never":
			style.SetColorMode(colorMode)
			return nil
		default:
			return fmt.Errorf("invalid --color value %q: must be always, auto, or never", colorMode)
		}
	}
	root.AddCommand(
		newRunCmd(stdout, stderr),
		newCollectCmd(stdout, stderr),
		newStatusCmd(stdout, stderr),
		newIterationsCmd(stdout, stderr),
		newWatchCmd(stdout, stderr),
		newConfigCmd(stdout, stderr),
		newDoctorCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// configPath resolves the --config flag. An explicitly set flag wins;
// otherwise a rolltune.yaml in the working directory is used, falling
// back to one in the XDG config dir when the local file is absent.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if cmd.Flags().Changed("config") {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if fallback := filepath.Join(xdg.ConfigDir(), "rolltune.yaml"); fileExists(fallback) {
		return fallback
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
