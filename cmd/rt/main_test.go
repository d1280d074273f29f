package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 0 {
		t.Errorf("run(nil) exit code = %d, want 0", code)
	}
	if stdout.Len() == 0 {
		t.Error("expected help output on stdout")
	}
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"nonexistent"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("run(nonexistent) exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q, want unknown command message", stderr.String())
	}
}

func TestRootCommand_InvalidColor(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version", "--color", "sometimes"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestSubcommandRegistration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)

	expected := []string{"run", "collect", "status", "iterations", "watch", "config", "doctor", "version"}
	for _, name := range expected {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not found on root command", name)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run(version) exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "rt ") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestRunCommand_MissingConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "-c", "does-not-exist.yaml"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config init") {
		t.Errorf("stderr = %q, want config init hint", stderr.String())
	}
}
