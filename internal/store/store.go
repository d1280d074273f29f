// Package store owns the on-disk iteration layout for a run: numbered
// checkpoint directories, best/current retention, and remote sync.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// chatLogsDir is preserved across pruning so conversation transcripts
// survive checkpoint deletion.
const chatLogsDir = "chat-completion-logs"

// Store manages the iteration subdirectories under one run's output root.
// Directory presence is the sole source of truth for "current iteration":
// there is no sidecar state file to drift out of date.
type Store struct {
	Root string
}

// New creates the output root if needed and returns a Store over it.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating output root: %w", err)
	}
	return &Store{Root: root}, nil
}

// IterationDir returns the path for iteration n, zero-padded so lexical
// and numeric ordering agree.
func (s *Store) IterationDir(n int) string {
	return filepath.Join(s.Root, fmt.Sprintf("%04d", n))
}

// CurrentIteration returns the highest iteration number present, 0 when
// no iteration directory exists yet.
func (s *Store) CurrentIteration() (int, error) {
	nums, err := s.iterations()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, n := range nums {
		if n > max {
			max = n
		}
	}
	return max, nil
}

// LatestCheckpoint returns the current iteration's directory, or ok=false
// when no checkpoint has been produced yet.
func (s *Store) LatestCheckpoint() (string, bool, error) {
	cur, err := s.CurrentIteration()
	if err != nil {
		return "", false, err
	}
	dir := s.IterationDir(cur)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: checking %s: %w", dir, err)
	}
	return dir, true, nil
}

// RecordCheckpoint renames a freshly produced checkpoint directory into
// place as the next iteration and returns its number and final path.
func (s *Store) RecordCheckpoint(src string) (int, string, error) {
	cur, err := s.CurrentIteration()
	if err != nil {
		return 0, "", err
	}
	next := cur + 1
	dst := s.IterationDir(next)
	if err := os.Rename(src, dst); err != nil {
		return 0, "", fmt.Errorf("store: recording checkpoint %d: %w", next, err)
	}
	return next, dst, nil
}

// Retain deletes every iteration directory whose number is not in keep.
// A pruned iteration's chat-completion-logs subdirectory is preserved in
// an otherwise-emptied directory. Retain is idempotent. It returns the
// iteration numbers actually pruned.
func (s *Store) Retain(keep ...int) ([]int, error) {
	keepSet := make(map[int]bool, len(keep))
	for _, n := range keep {
		keepSet[n] = true
	}

	nums, err := s.iterations()
	if err != nil {
		return nil, err
	}

	var pruned []int
	for _, n := range nums {
		if keepSet[n] {
			continue
		}
		dir := s.IterationDir(n)
		if err := pruneDir(s.Root, dir, n); err != nil {
			return pruned, err
		}
		pruned = append(pruned, n)
	}
	return pruned, nil
}

// pruneDir removes one iteration directory, parking its chat logs aside
// and restoring them into a recreated empty directory.
func pruneDir(root, dir string, n int) error {
	logs := filepath.Join(dir, chatLogsDir)
	info, err := os.Stat(logs)
	hasLogs := err == nil && info.IsDir()

	if !hasLogs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("store: pruning iteration %d: %w", n, err)
		}
		return nil
	}

	tmp := filepath.Join(root, fmt.Sprintf("temp-%04d-logs", n))
	if err := os.Rename(logs, tmp); err != nil {
		return fmt.Errorf("store: saving chat logs for iteration %d: %w", n, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("store: pruning iteration %d: %w", n, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: recreating iteration %d: %w", n, err)
	}
	if err := os.Rename(tmp, logs); err != nil {
		return fmt.Errorf("store: restoring chat logs for iteration %d: %w", n, err)
	}
	return nil
}

// iterations lists the numeric subdirectory numbers under the root.
// A directory named 0007 and one named 7 are the same iteration; both
// parse to 7.
func (s *Store) iterations() ([]int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("store: reading output root: %w", err)
	}
	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n < 0 {
			continue
		}
		nums = append(nums, n)
	}
	return nums, nil
}
