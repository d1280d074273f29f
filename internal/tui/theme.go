package tui

import "github.com/charmbracelet/lipgloss"

// Ayu theme, matching internal/style's palette.
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})

	styleDim = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})

	styleGood = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})

	styleBad = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})

	styleBar = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}).
			Reverse(true)
)
