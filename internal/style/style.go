// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Ayu theme palette.
var palette = map[string]lipgloss.AdaptiveColor{
	"pass":   {Light: "#86b300", Dark: "#c2d94c"},
	"warn":   {Light: "#f2ae49", Dark: "#ffb454"},
	"fail":   {Light: "#f07171", Dark: "#f07178"},
	"muted":  {Light: "#828c99", Dark: "#6c7680"},
	"accent": {Light: "#399ee6", Dark: "#59c2ff"},
}

// Semantic icons
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✖"
	IconBest = "★"
)

var (
	// Success style for positive outcomes (green)
	Success lipgloss.Style

	// Warning style for cautionary messages (yellow)
	Warning lipgloss.Style

	// Error style for failures (red)
	Error lipgloss.Style

	// Info style for informational messages (blue)
	Info lipgloss.Style

	// Dim style for secondary information (gray)
	Dim lipgloss.Style

	// Bold style for emphasis
	Bold lipgloss.Style
)

func init() {
	colorize()
}

func colorize() {
	Success = lipgloss.NewStyle().Foreground(palette["pass"]).Bold(true)
	Warning = lipgloss.NewStyle().Foreground(palette["warn"]).Bold(true)
	Error = lipgloss.NewStyle().Foreground(palette["fail"]).Bold(true)
	Info = lipgloss.NewStyle().Foreground(palette["accent"])
	Dim = lipgloss.NewStyle().Foreground(palette["muted"])
	Bold = lipgloss.NewStyle().Bold(true)
}

// SetColorMode overrides style rendering based on --color flag or NO_COLOR env.
func SetColorMode(mode string) {
	switch mode {
	case "never":
		_ = os.Setenv("NO_COLOR", "1")
		plain := lipgloss.NewStyle()
		Success, Warning, Error, Info, Dim, Bold = plain, plain, plain, plain, plain, plain
	case "always":
		_ = os.Unsetenv("NO_COLOR")
		_ = os.Setenv("CLICOLOR_FORCE", "1")
		colorize()
	}
}

// Reward renders a reward value colored by sign: positive green,
// negative red, zero dimmed.
func Reward(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	switch {
	case v > 0:
		return Success.Render(s)
	case v < 0:
		return Error.Render(s)
	default:
		return Dim.Render(s)
	}
}
