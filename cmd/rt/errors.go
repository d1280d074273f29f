package main

import (
	"errors"
	"fmt"
	"os"
)

// HintedError wraps an error with a user-facing recovery hint.
type HintedError struct {
	Err  error
	Hint string
}

func (h *HintedError) Error() string { return h.Err.Error() }
func (h *HintedError) Unwrap() error { return h.Err }

// hintConfig wraps a config-loading error with an appropriate recovery hint.
func hintConfig(err error, path string) error {
	if err == nil {
		return nil
	}
	var hint string
	switch {
	case errors.Is(err, os.ErrNotExist):
		hint = fmt.Sprintf("Run 'rt config init -c %s' to create a starter config.", path)
	default:
		hint = "Run 'rt doctor' to check your setup."
	}
	return &HintedError{Err: fmt.Errorf("loading run config: %w", err), Hint: hint}
}
