package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadTasks reads a JSONL task file, one {"id": ..., "prompt": ...}
// object per line, attaching grader to every task. Lines without an id
// get one derived from their line number.
func LoadTasks(path string, grader Grader) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tasks: opening %s: %w", path, err)
	}
	defer f.Close()

	var tasks []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec struct {
			ID     string `json:"id"`
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("tasks: %s:%d: %w", path, lineNo, err)
		}
		if rec.Prompt == "" {
			return nil, fmt.Errorf("tasks: %s:%d: missing prompt", path, lineNo)
		}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("task-%d", lineNo)
		}
		tasks = append(tasks, Task{ID: rec.ID, Prompt: rec.Prompt, Grader: grader})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tasks: reading %s: %w", path, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("tasks: %s contains no tasks", path)
	}
	return tasks, nil
}
