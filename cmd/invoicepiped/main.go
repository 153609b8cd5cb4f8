package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	_ "github.com/joho/godotenv/autoload"

	"invoicepipe/internal/common"
	"invoicepipe/internal/export"
	"invoicepipe/internal/extract"
	"invoicepipe/internal/ledger"
	"invoicepipe/internal/pipeline"
	"invoicepipe/internal/resilience"
	"invoicepipe/internal/server"
	"invoicepipe/internal/sheets"
	"invoicepipe/internal/status"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewSQLiteStore(cfg.Ledger.Path, cfg.Ledger.MaxRetries, logger)
	if err != nil {
		logger.Error("open ledger", "path", cfg.Ledger.Path, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	hub := status.NewHub(0)
	extractor := extract.NewExtractor(extract.Config{
		Pdftoppm:  cfg.Extract.Pdftoppm,
		Tesseract: cfg.Extract.Tesseract,
		Lang:      cfg.Extract.Lang,
		DPI:       cfg.Extract.DPI,
		MaxPages:  cfg.Extract.MaxPages,
		MinChars:  cfg.Extract.MinChars,
	}, logger)

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = cfg.Ledger.MaxRetries
	newAppender := func(ctx context.Context, sheetURL string) (pipeline.Appender, error) {
		inner, err := sheets.NewGoogleAppender(ctx, cfg.Sheets.CredentialsFile, sheetURL, cfg.Sheets.Timeout, logger)
		if err != nil {
			return nil, err
		}
		return sheets.NewReliableAppender(inner, policy, logger), nil
	}

	ctrl := server.NewController(store, hub, extractor, newAppender, cfg, logger)
	exportSvc := export.NewService(store, logger)

	app := fiber.New(fiber.Config{
		ErrorHandler:          server.ErrorHandler(),
		DisableStartupMessage: true,
	})
	server.RegisterRoutes(app, ctrl, exportSvc)

	// The shell spawns this process with no port of its own choosing; bind an
	// ephemeral local port and announce it exactly once on stdout.
	addr := "127.0.0.1:0"
	if p := os.Getenv("PORT"); p != "" {
		addr = "127.0.0.1:" + p
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("FASTAPI_PORT=%d\n", port)
	logger.Info("http serving", "port", port)

	go func() {
		if err := app.Listener(ln); err != nil {
			logger.Error("http serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	_ = ctrl.StopWatching()
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Error("shutdown", "error", err)
	}
	fmt.Println("stopped.")
}
