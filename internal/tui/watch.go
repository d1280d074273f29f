// Package tui implements the live run watcher: a terminal view that
// tails a run's metrics history and checkpoint state while it trains.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	bubbletea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gastownhall/rolltune/internal/metrics"
	"github.com/gastownhall/rolltune/internal/store"
)

// Config locates the run to watch.
type Config struct {
	Root string

	// Interval between metric reloads. Zero means 2s.
	Interval time.Duration
}

// refreshMsg asks the model to reload run state from disk.
type refreshMsg struct{}

// loadedMsg carries one reload's result.
type loadedMsg struct {
	records []metrics.Record
	current int
	err     error
}

// Model is the watch view.
type Model struct {
	cfg  Config
	spin spinner.Model

	records []metrics.Record
	current int
	loaded  bool
	err     error

	width    int
	height   int
	quitting bool
}

// New creates a watch model over a run directory.
func New(cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleDim
	return Model{cfg: cfg, spin: sp}
}

// Init starts the spinner and the first load.
func (m Model) Init() bubbletea.Cmd {
	return bubbletea.Batch(m.spin.Tick, load(m.cfg))
}

// Update processes messages.
func (m Model) Update(msg bubbletea.Msg) (bubbletea.Model, bubbletea.Cmd) {
	switch msg := msg.(type) {
	case bubbletea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, bubbletea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, load(m.cfg)
		}

	case bubbletea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case loadedMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.records = msg.records
			m.current = msg.current
		}
		return m, bubbletea.Tick(m.cfg.Interval, func(time.Time) bubbletea.Msg {
			return refreshMsg{}
		})

	case refreshMsg:
		return m, load(m.cfg)

	case spinner.TickMsg:
		var cmd bubbletea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the metric history with the best iteration marked.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(styleTitle.Render("rolltune watch"))
	b.WriteString(styleDim.Render("  " + m.cfg.Root))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(styleBad.Render(fmt.Sprintf("error: %v", m.err)))
		b.WriteString("\n")
	case !m.loaded:
		b.WriteString(m.spin.View() + " loading run state\n")
	case len(m.records) == 0:
		b.WriteString(m.spin.View() + " waiting for the first iteration\n")
	default:
		b.WriteString(m.renderHistory())
	}

	b.WriteString("\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m Model) renderHistory() string {
	best, bestOK := metrics.Best(m.records)

	var b strings.Builder
	header := fmt.Sprintf("%-6s  %-12s  %-12s  %-12s  %-6s", "STEP", "VAL REWARD", "TRAIN REWARD", "COMPL TOKENS", "EXC")
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(header))
	b.WriteString("\n")

	rows := m.records
	if limit := m.height - 8; limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	for _, rec := range rows {
		val := cell(rec.Values, metrics.ValReward)
		if bestOK && rec.Step == best {
			val = styleGood.Render(val + " ★")
		}
		fmt.Fprintf(&b, "%-6d  %-12s  %-12s  %-12s  %-6s\n",
			rec.Step,
			val,
			cell(rec.Values, "train_reward"),
			cell(rec.Values, "completion_tokens"),
			cell(rec.Values, "exceptions"),
		)
	}
	return b.String()
}

func cell(values map[string]float64, key string) string {
	v, ok := values[key]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func (m Model) statusBar() string {
	left := styleDim.Render(fmt.Sprintf("iteration %d", m.current))
	right := styleDim.Render("r refresh · q quit")
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return styleBar.Width(m.width).Render(
		fmt.Sprintf("%s%*s%s", left, gap, "", right),
	)
}

// load reads the metrics history and iteration state off-disk.
func load(cfg Config) bubbletea.Cmd {
	return func() bubbletea.Msg {
		s, err := store.New(cfg.Root)
		if err != nil {
			return loadedMsg{err: err}
		}
		current, err := s.CurrentIteration()
		if err != nil {
			return loadedMsg{err: err}
		}
		path, ok, err := metrics.LatestLog(cfg.Root)
		if err != nil {
			return loadedMsg{err: err}
		}
		if !ok {
			return loadedMsg{current: current}
		}
		records, err := metrics.ReadLog(path)
		if err != nil {
			return loadedMsg{err: err}
		}
		return loadedMsg{records: records, current: current}
	}
}
