package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/transport/http/dto"
)

type StatusHandler struct {
	queue    ports.TaskQueueService
	agents   ports.AgentService
	settings ports.SettingService
}

func NewStatusHandler(queue ports.TaskQueueService, agents ports.AgentService, settings ports.SettingService) *StatusHandler {
	return &StatusHandler{queue: queue, agents: agents, settings: settings}
}

func (h *StatusHandler) GetStatus(c *fiber.Ctx) error {
	counts := h.queue.Counts()
	resp := dto.StatusResponse{
		Tasks:           make(map[domain.TaskState]int, 5),
		Agents:          len(h.agents.Agents()),
		AvailableAgents: len(h.agents.Available()),
		Licensed:        h.settings.IsLicensed(c.UserContext()),
	}
	for _, st := range []domain.TaskState{
		domain.TaskStatePending,
		domain.TaskStateRunning,
		domain.TaskStateCompleted,
		domain.TaskStateFailed,
		domain.TaskStateSkipped,
	} {
		resp.Tasks[st] = counts[st]
		resp.Total += counts[st]
	}
	return c.JSON(resp)
}
