package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/transport/http/dto"
)

type SettingHandler struct {
	service ports.SettingService
	logger  *logger.Logger
}

func NewSettingHandler(service ports.SettingService, logger *logger.Logger) *SettingHandler {
	return &SettingHandler{service: service, logger: logger}
}

func (h *SettingHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.service.GetSettings(c.UserContext())
	if err != nil {
		h.logger.Errorw("settings_get_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
	return c.JSON(settings)
}

func (h *SettingHandler) UpdateSettings(c *fiber.Ctx) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("settings_update_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	h.logger.Infow("settings_update_request", "keys", len(req))
	if err := h.service.UpdateSettings(c.UserContext(), req); err != nil {
		if errors.Is(err, services.ErrInvalidSetting) || errors.Is(err, services.ErrUnknownSetting) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		h.logger.Errorw("settings_update_failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return h.GetSettings(c)
}

// ResetSetting drops the stored value of :key, restoring its default.
func (h *SettingHandler) ResetSetting(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := h.service.ResetSetting(c.UserContext(), key); err != nil {
		if errors.Is(err, services.ErrUnknownSetting) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		h.logger.Errorw("settings_reset_failed", "key", key, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return h.GetSettings(c)
}
