package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"invoicepipe/internal/common"
)

// WaitStable blocks until the file's size and mtime are unchanged across two
// consecutive observations, so a file still being copied in is never hashed
// mid-write. It gives up after timeout or when ctx is cancelled.
func WaitStable(ctx context.Context, path string, poll, timeout time.Duration) error {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	deadline := time.Now().Add(timeout)
	var prevSize int64 = -1
	var prevMod time.Time

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() == prevSize && info.ModTime().Equal(prevMod) {
			return nil
		}
		prevSize, prevMod = info.Size(), info.ModTime()

		if time.Now().After(deadline) {
			return common.NewAppError("FILE_UNSTABLE",
				fmt.Sprintf("file %s did not settle within %s", path, timeout),
				common.ErrInput)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
