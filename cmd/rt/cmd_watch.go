package main

import (
	"fmt"
	"io"
	"time"

	bubbletea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/tui"
)

func newWatchCmd(stdout, stderr io.Writer) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a run's metrics live in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			cfg, err := runcfg.Load(path)
			if err != nil {
				return hintConfig(err, path)
			}
			model := tui.New(tui.Config{Root: cfg.OutputDir, Interval: interval})
			p := bubbletea.NewProgram(model, bubbletea.WithOutput(stdout))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Reload interval")
	return cmd
}
