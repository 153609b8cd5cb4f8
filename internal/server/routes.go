package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"invoicepipe/internal/common"
	"invoicepipe/internal/export"
)

type startWatchingRequest struct {
	FolderPath string `json:"folder_path"`
	SheetURL   string `json:"sheet_url"`
}

// RegisterRoutes attaches the shell-facing HTTP routes to the Fiber app.
// Handlers stay thin; the controller owns all session state.
func RegisterRoutes(app *fiber.App, ctrl *Controller, exportSvc *export.Service) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/status", func(c *fiber.Ctx) error {
		snap, err := ctrl.Status(c.UserContext())
		if err != nil {
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return c.JSON(snap)
	})

	app.Post("/start-watching", func(c *fiber.Ctx) error {
		var req startWatchingRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}
		req.FolderPath = strings.TrimSpace(req.FolderPath)
		req.SheetURL = strings.TrimSpace(req.SheetURL)

		if err := ctrl.StartWatching(req.FolderPath, req.SheetURL); err != nil {
			var appErr *common.AppError
			switch {
			case errors.Is(err, common.ErrAlreadyOwned):
				return writeError(c, fiber.StatusBadRequest, "ALREADY_WATCHING", "already watching")
			case errors.As(err, &appErr) && errors.Is(err, common.ErrInvalidInput):
				return writeError(c, fiber.StatusBadRequest, appErr.Code, appErr.Message)
			default:
				return writeError(c, fiber.StatusInternalServerError, "START_FAILED", "failed to start watcher")
			}
		}
		return c.JSON(fiber.Map{"status": "success"})
	})

	app.Post("/stop-watching", func(c *fiber.Ctx) error {
		if err := ctrl.StopWatching(); err != nil {
			if errors.Is(err, common.ErrInvalidInput) {
				return writeError(c, fiber.StatusBadRequest, "NOT_WATCHING", "not watching")
			}
			return writeError(c, fiber.StatusInternalServerError, "STOP_FAILED", "failed to stop watcher")
		}
		return c.JSON(fiber.Map{"status": "success"})
	})

	app.Get("/export.xlsx", func(c *fiber.Ctx) error {
		data, err := exportSvc.ExportLedgerXLSX(c.UserContext())
		if err != nil {
			return writeError(c, fiber.StatusInternalServerError, "EXPORT_FAILED", "export failed")
		}
		c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="ledger.xlsx"`)
		return c.Send(data)
	})
}
