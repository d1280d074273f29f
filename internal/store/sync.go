package store

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Syncer mirrors the local retained set to remote storage. Sync is
// invoked after pruning and after each new checkpoint, so the remote
// eventually converges even when individual runs fail.
type Syncer interface {
	Sync(ctx context.Context, dir string) error
}

// CommandSyncer syncs by running an external command (rclone, aws s3
// sync, rsync) with the local directory appended as the final argument.
type CommandSyncer struct {
	// Command is the sync argv, e.g. ["rclone", "sync", "--", "remote:runs"].
	// The directory to sync is appended.
	Command []string
	Stderr  io.Writer
}

// Sync runs the configured command against dir.
func (c *CommandSyncer) Sync(ctx context.Context, dir string) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("sync: no sync command configured")
	}
	args := append(append([]string(nil), c.Command[1:]...), dir)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.Stderr = c.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sync: running %s: %w", c.Command[0], err)
	}
	return nil
}
