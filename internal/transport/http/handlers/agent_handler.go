package handlers

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/transport/http/dto"
)

type AgentHandler struct {
	agents ports.AgentService
	logger *logger.Logger
}

func NewAgentHandler(agents ports.AgentService, logger *logger.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: logger}
}

func (h *AgentHandler) GetAgents(c *fiber.Ctx) error {
	if c.QueryBool("available", false) {
		return c.JSON(h.agents.Available())
	}
	return c.JSON(h.agents.Agents())
}

func (h *AgentHandler) RegisterAgent(c *fiber.Ctx) error {
	var req dto.RegisterAgentRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("agent_register_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if errs := req.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "validation failed", Details: errs})
	}

	if err := h.agents.Register(c.UserContext(), req.ToDomain()); err != nil {
		if errors.Is(err, services.ErrAgentInvalidInput) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		h.logger.Errorw("agent_register_failed", "address", req.Address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(req.ToDomain())
}

func (h *AgentHandler) RemoveAgent(c *fiber.Ctx) error {
	address, err := url.PathUnescape(c.Params("address"))
	if err != nil || address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid agent address"})
	}

	if err := h.agents.Remove(c.UserContext(), address); err != nil {
		if errors.Is(err, services.ErrAgentNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "agent not found"})
		}
		h.logger.Errorw("agent_remove_failed", "address", address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// PingAgents runs a liveness pass now.
func (h *AgentHandler) PingAgents(c *fiber.Ctx) error {
	return c.JSON(dto.PingResponse{Alive: h.agents.PingAll(c.UserContext())})
}
