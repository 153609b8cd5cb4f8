package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan string, want int, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case path, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, path)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestEmitsCreatedPDFsOnly(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evCh, _, err := Start(ctx, Config{Root: dir, Debounce: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.pdf"), []byte("pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("txt"), 0o644))

	got := collect(t, evCh, 1, 3*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(dir, "invoice.pdf"), got[0])
}

func TestDebounceCoalescesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evCh, _, err := Start(ctx, Config{Root: dir, Debounce: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "invoice.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.WriteString("chunk\n")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	got := collect(t, evCh, 1, 3*time.Second)
	require.Len(t, got, 1)

	// The burst settled inside one debounce window; no second emission.
	select {
	case extra := <-evCh:
		t.Fatalf("unexpected second emission for %s", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInitialScanEmitsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.pdf"), []byte("pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("txt"), 0o644))
	// Nested files are outside the flat drop-folder contract, for the scan
	// and the live watch alike.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "deep.pdf"), []byte("pdf"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evCh, _, err := Start(ctx, Config{Root: dir, InitialScan: true}, nil)
	require.NoError(t, err)

	got := collect(t, evCh, 2, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(dir, "old.pdf"), got[0])
}

func TestRejectsMissingRoot(t *testing.T) {
	_, _, err := Start(context.Background(), Config{Root: filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)

	_, _, err = Start(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
