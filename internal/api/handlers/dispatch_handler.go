package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	config "featherpost/configs"
	"featherpost/internal/queue"
	"featherpost/internal/repository"
)

type DispatchHandler struct {
	cfg         config.Config
	records     repository.DispatchRecordRepository
	AsynqClient *asynq.Client
}

func NewDispatchHandler(cfg config.Config, records repository.DispatchRecordRepository, asynqClient *asynq.Client) *DispatchHandler {
	return &DispatchHandler{cfg: cfg, records: records, AsynqClient: asynqClient}
}

// TriggerDispatch lets an external scheduler (or an operator) request a
// pass outside the minutely cadence. The pass itself still runs on the
// single-worker queue, so triggering never causes overlapping passes.
func (h *DispatchHandler) TriggerDispatch(c *fiber.Ctx) error {
	if h.cfg.CronSecret != "" {
		authHeader := c.Get("Authorization")
		if authHeader != "Bearer "+h.cfg.CronSecret {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
	}

	if err := queue.EnqueueDispatchPass(h.AsynqClient); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Error scheduling dispatch pass",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Dispatch pass queued",
	})
}

// ListRecords exposes the per-post dispatch outcomes, including the
// persisted failure reasons.
func (h *DispatchHandler) ListRecords(c *fiber.Ctx) error {
	userID := GetUserID(c)

	records, err := h.records.GetByUserID(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unable to list dispatch records",
		})
	}

	return c.JSON(fiber.Map{
		"records": records,
	})
}
