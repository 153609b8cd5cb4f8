// Package watch observes a folder for dropped PDF files.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"invoicepipe/constants"
)

type Config struct {
	Root        string
	InitialScan bool          // if true, walk the root and emit existing files
	Debounce    time.Duration // coalesce rapid create/write bursts per path
}

// Start watches cfg.Root and emits candidate PDF paths until ctx is done.
// Emitted paths may still be mid-write; the stability check downstream makes
// them eligible. Watcher errors are reported on the error channel and never
// stop the watch loop.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (<-chan string, <-chan error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, nil, errors.New("no watch root provided")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, nil, err
	}
	if err := w.Add(cfg.Root); err != nil {
		logger.Error("failed to watch root directory", "root", cfg.Root, "error", err)
		_ = w.Close()
		return nil, nil, err
	}

	evCh := make(chan string, 256)
	errCh := make(chan error, 1)

	if cfg.InitialScan {
		if err := scanExisting(cfg.Root, evCh); err != nil {
			logger.Warn("initial scan incomplete", "root", cfg.Root, "error", err)
		}
	}

	go func() {
		defer close(evCh)
		defer close(errCh)
		defer func() { _ = w.Close() }()

		pending := map[string]*time.Timer{}
		emit := func(path string) {
			select {
			case evCh <- path:
			default:
				logger.Warn("watch queue full, dropping event", "path", path)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if !constants.IsPDF(filepath.Ext(e.Name)) {
					continue
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if cfg.Debounce <= 0 {
					emit(e.Name)
					continue
				}
				path := e.Name
				if timer, ok := pending[path]; ok {
					timer.Stop()
				}
				pending[path] = time.AfterFunc(cfg.Debounce, func() { emit(path) })
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("watcher error", "error", err)
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return evCh, errCh, nil
}

// scanExisting emits PDFs already present in root. The scan is non-recursive
// to match the live watch: the drop folder contract is a single flat
// directory.
func scanExisting(root string, evCh chan<- string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, d := range entries {
		if d.IsDir() || !constants.IsPDF(filepath.Ext(d.Name())) {
			continue
		}
		select {
		case evCh <- filepath.Join(root, d.Name()):
		default:
		}
	}
	return nil
}
