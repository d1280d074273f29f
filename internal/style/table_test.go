package style

import (
	"regexp"
	"strings"
	"testing"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripAnsi(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func TestNewTable_Empty(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	got := tbl.Render()
	if got != "" {
		t.Errorf("NewTable().Render() = %q, want empty string", got)
	}
}

func TestNewTable_HeaderOnly(t *testing.T) {
	t.Parallel()
	tbl := NewTable(
		Column{Name: "ITER", Width: 6},
		Column{Name: "VAL REWARD", Width: 12},
	)
	got := tbl.Render()
	if got == "" {
		t.Fatal("expected non-empty output for header-only table")
	}
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	// Should have header + separator, no data rows
	if len(lines) != 2 {
		t.Errorf("got %d lines, want 2 (header + separator)", len(lines))
	}
}

func TestNewTable_BasicRender(t *testing.T) {
	t.Parallel()
	tbl := NewTable(
		Column{Name: "ITER", Width: 6},
		Column{Name: "VAL REWARD", Width: 12},
	)
	tbl.AddRow("0001", "0.5000")
	tbl.AddRow("0002", "0.7500 ★")

	got := tbl.Render()
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	// header + separator + 2 rows = 4 lines
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}

	row1 := stripAnsi(lines[2])
	if !strings.Contains(row1, "0001") || !strings.Contains(row1, "0.5000") {
		t.Errorf("row 1 = %q, want to contain 0001 and 0.5000", row1)
	}
	row2 := stripAnsi(lines[3])
	if !strings.Contains(row2, "0002") || !strings.Contains(row2, "★") {
		t.Errorf("row 2 = %q, want to contain 0002 and the best marker", row2)
	}
}

func TestNewTable_TruncatesOverlongCells(t *testing.T) {
	t.Parallel()
	tbl := NewTable(Column{Name: "ID", Width: 6})
	tbl.AddRow("a-very-long-task-id")
	got := stripAnsi(tbl.Render())
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if !strings.Contains(lines[2], "…") {
		t.Errorf("row = %q, want truncation ellipsis", lines[2])
	}
}

func TestNewTable_MissingCellsRenderEmpty(t *testing.T) {
	t.Parallel()
	tbl := NewTable(
		Column{Name: "A", Width: 4},
		Column{Name: "B", Width: 4},
	)
	tbl.AddRow("x")
	got := tbl.Render()
	if !strings.Contains(stripAnsi(got), "x") {
		t.Errorf("Render() = %q, want to contain x", got)
	}
}
