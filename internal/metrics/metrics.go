// Package metrics records per-iteration scalar metrics to a plain-text
// log the tuning step and the watch view both understand, and answers
// best-iteration queries over the recorded history.
package metrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValReward is the metric key that drives best-iteration selection.
const ValReward = "val_reward"

// Record is one logged step with its scalar values.
type Record struct {
	Step   int
	Values map[string]float64
}

// Logger is the metrics sink consumed by the training loop.
type Logger interface {
	Log(step int, values map[string]float64) error
}

// DiskLogger appends step records to a timestamped file under the run's
// logs/ directory, one line per step:
//
//	Step 3 | loss:0.25 val_reward:0.8
//
// Keys are written in sorted order so lines are reproducible.
type DiskLogger struct {
	mu   sync.Mutex
	path string
}

// NewDiskLogger creates <root>/logs and opens a new log file named by the
// current time.
func NewDiskLogger(root string) (*DiskLogger, error) {
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics: creating logs dir: %w", err)
	}
	path := filepath.Join(dir, time.Now().UTC().Format("20060102-150405")+".log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("metrics: creating log file: %w", err)
	}
	return &DiskLogger{path: path}, nil
}

// Path returns the log file this logger appends to.
func (l *DiskLogger) Path() string { return l.path }

// Log appends one step line.
func (l *DiskLogger) Log(step int, values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Step %d |", step)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s:%s", k, strconv.FormatFloat(values[k], 'g', -1, 64))
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: opening log: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("metrics: appending log: %w", err)
	}
	return f.Close()
}

// LatestLog returns the lexically last log file under <root>/logs, or
// ok=false when none exists.
func LatestLog(root string) (string, bool, error) {
	entries, err := os.ReadDir(filepath.Join(root, "logs"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("metrics: reading logs dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)
	return filepath.Join(root, "logs", names[len(names)-1]), true, nil
}

// ReadLog parses a step-per-line metrics file. Malformed lines are an
// error: the file is machine-written and drift means something is wrong.
func ReadLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metrics: opening %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("metrics: %s:%d: %w", path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("metrics: reading %s: %w", path, err)
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	stepPart, metricsPart, found := strings.Cut(line, " | ")
	if !found {
		return Record{}, fmt.Errorf("no step separator in %q", line)
	}
	fields := strings.Fields(stepPart)
	if len(fields) != 2 || fields[0] != "Step" {
		return Record{}, fmt.Errorf("bad step prefix %q", stepPart)
	}
	step, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("bad step number %q", fields[1])
	}

	rec := Record{Step: step, Values: make(map[string]float64)}
	for _, pair := range strings.Fields(metricsPart) {
		key, val, found := strings.Cut(pair, ":")
		if !found {
			return Record{}, fmt.Errorf("bad metric pair %q", pair)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return Record{}, fmt.Errorf("bad metric value %q", pair)
		}
		rec.Values[key] = v
	}
	return rec, nil
}

// Best returns the step with the highest val_reward, preferring the
// later step on ties. Records without a val_reward are skipped; ok is
// false when no record carries one.
func Best(records []Record) (int, bool) {
	best, bestReward, ok := 0, 0.0, false
	for _, rec := range records {
		reward, has := rec.Values[ValReward]
		if !has {
			continue
		}
		if !ok || reward > bestReward || (reward == bestReward && rec.Step > best) {
			best, bestReward, ok = rec.Step, reward, true
		}
	}
	return best, ok
}
