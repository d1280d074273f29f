package style

import (
	"fmt"
	"strings"
)

// Column describes one table column.
type Column struct {
	Name  string
	Width int
}

// Table renders fixed-width columnar output with a styled header row.
type Table struct {
	columns []Column
	rows    [][]string
}

// NewTable creates a table with the given columns. A table with no
// columns renders as the empty string.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns}
}

// AddRow appends one row. Extra cells are dropped; missing cells render
// empty; overlong cells are truncated with an ellipsis.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render returns the formatted table, one line per row, trailing newline
// included.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var b strings.Builder
	var header []string
	var sep []string
	for _, col := range t.columns {
		header = append(header, pad(col.Name, col.Width))
		sep = append(sep, strings.Repeat("─", col.Width))
	}
	b.WriteString(Bold.Render(strings.Join(header, "  ")))
	b.WriteByte('\n')
	b.WriteString(Dim.Render(strings.Join(sep, "  ")))
	b.WriteByte('\n')

	for _, row := range t.rows {
		var cells []string
		for i, col := range t.columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells = append(cells, pad(cell, col.Width))
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func pad(s string, width int) string {
	runes := []rune(s)
	if len(runes) > width {
		if width <= 1 {
			return string(runes[:width])
		}
		return string(runes[:width-1]) + "…"
	}
	return fmt.Sprintf("%-*s", width, s)
}
