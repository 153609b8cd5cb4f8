// Package server exposes the local HTTP surface consumed by the desktop
// shell: health, live status, watch start/stop, and the ledger export.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"invoicepipe/internal/common"
	"invoicepipe/internal/ledger"
	"invoicepipe/internal/pipeline"
	"invoicepipe/internal/status"
	"invoicepipe/internal/watch"
)

// AppenderFactory builds the sheet appender for one watch session; the
// destination URL arrives with the start command, not at process startup.
type AppenderFactory func(ctx context.Context, sheetURL string) (pipeline.Appender, error)

// Controller owns at most one watch session at a time and serializes
// start/stop against concurrent shell requests.
type Controller struct {
	store       ledger.Store
	hub         *status.Hub
	extractor   pipeline.Extractor
	newAppender AppenderFactory
	cfg         *common.Config
	logger      *slog.Logger

	mu   sync.Mutex
	sess *session
}

type session struct {
	folder   string
	sheetURL string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewController(store ledger.Store, hub *status.Hub, extractor pipeline.Extractor, newAppender AppenderFactory, cfg *common.Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:       store,
		hub:         hub,
		extractor:   extractor,
		newAppender: newAppender,
		cfg:         cfg,
		logger:      logger,
	}
}

// StartWatching validates the folder, builds the session's appender, and
// starts the watcher and worker pool. Exactly one session may run at a time.
func (c *Controller) StartWatching(folder, sheetURL string) error {
	if folder == "" {
		return common.NewAppError("FOLDER_REQUIRED", "folder path is required", common.ErrInvalidInput)
	}
	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return common.NewAppError("FOLDER_NOT_FOUND",
			fmt.Sprintf("folder does not exist: %s", folder), common.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return common.NewAppError("ALREADY_WATCHING", "already watching", common.ErrAlreadyOwned)
	}

	appender, err := c.newAppender(context.Background(), sheetURL)
	if err != nil {
		return fmt.Errorf("configure sheet destination: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := pipeline.New(c.store, c.extractor, appender, c.hub, pipeline.Options{
		Workers:          c.cfg.Watch.Workers,
		QueueSize:        c.cfg.Watch.QueueSize,
		MaxRetries:       c.cfg.Ledger.MaxRetries,
		StabilityPoll:    c.cfg.Watch.StabilityPoll,
		StabilityTimeout: c.cfg.Watch.StabilityTimeout,
	}, c.logger)

	evCh, _, err := watch.Start(ctx, watch.Config{
		Root:        folder,
		InitialScan: c.cfg.Watch.InitialScan,
		Debounce:    c.cfg.Watch.Debounce,
	}, c.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("start watcher: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				c.logger.Error("pipeline stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := p.Resume(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("resume pass failed", "error", err)
			}
			for path := range evCh {
				p.Enqueue(path)
			}
		}()
		wg.Wait()
	}()

	c.sess = &session{folder: folder, sheetURL: sheetURL, cancel: cancel, done: done}
	c.hub.Publish(status.Event{Stage: "watcher", Outcome: "ok", Message: "watcher started on " + folder})
	c.logger.Info("watcher started", "folder", folder, "sheet_url", sheetURL)
	return nil
}

// StopWatching cancels the running session and waits briefly for its workers
// to drain.
func (c *Controller) StopWatching() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return common.NewAppError("NOT_WATCHING", "not watching", common.ErrInvalidInput)
	}

	c.sess.cancel()
	select {
	case <-c.sess.done:
	case <-time.After(3 * time.Second):
		c.logger.Warn("watch session did not drain in time", "folder", c.sess.folder)
	}
	c.sess = nil
	c.hub.Publish(status.Event{Stage: "watcher", Outcome: "ok", Message: "watcher stopped"})
	c.logger.Info("watcher stopped")
	return nil
}

// Snapshot is the live status payload for the shell. Aggregate statistics
// come from the ledger; the event log is drained on every read.
type Snapshot struct {
	IsWatching bool           `json:"is_watching"`
	FolderPath string         `json:"folder_path"`
	SheetURL   string         `json:"sheet_url"`
	Stats      ledger.Stats   `json:"stats"`
	Logs       []status.Event `json:"logs"`
}

func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger stats: %w", err)
	}

	snap := Snapshot{Stats: stats, Logs: c.hub.Drain()}
	if snap.Logs == nil {
		snap.Logs = []status.Event{}
	}

	c.mu.Lock()
	if c.sess != nil {
		snap.IsWatching = true
		snap.FolderPath = c.sess.folder
		snap.SheetURL = c.sess.sheetURL
	}
	c.mu.Unlock()
	return snap, nil
}
