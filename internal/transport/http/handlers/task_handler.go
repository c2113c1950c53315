package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/transport/http/dto"
)

type TaskHandler struct {
	queue  ports.TaskQueueService
	logger *logger.Logger
}

func NewTaskHandler(queue ports.TaskQueueService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{queue: queue, logger: logger}
}

func parseTaskID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

// queueError maps a refused coordinator call to its response.
func queueError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: err.Error()})
}

// GetTasks lists the queue, optionally filtered by ?state=.
func (h *TaskHandler) GetTasks(c *fiber.Ctx) error {
	tasks := h.queue.Snapshot()
	if raw := c.Query("state"); raw != "" {
		state, err := domain.ParseTaskState(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.State == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return c.JSON(tasks)
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	id, err := parseTaskID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid task id"})
	}
	task, ok := h.queue.Task(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: services.ErrTaskNotFound.Error()})
	}
	return c.JSON(task)
}

func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	var req dto.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_create_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if problems := req.Validate(); len(problems) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: problems,
		})
	}

	id := h.queue.Enqueue(c.UserContext(), domain.Task{
		TaskType: req.TaskType,
		ExeArgs:  req.Args,
		Metadata: req.Metadata,
	})
	h.logger.Infow("task_create_ok", "id", id, "type", req.TaskType, "request_id", c.Locals("request_id"))
	return c.Status(fiber.StatusCreated).JSON(dto.CreateTaskResponse{ID: id})
}

// DeleteTask removes a task; ?force=true also removes a RUNNING one.
func (h *TaskHandler) DeleteTask(c *fiber.Ctx) error {
	id, err := parseTaskID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid task id"})
	}
	if err := h.queue.Remove(c.UserContext(), id, c.QueryBool("force", false)); err != nil {
		return queueError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *TaskHandler) SetArgs(c *fiber.Ctx) error {
	id, err := parseTaskID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid task id"})
	}
	var req dto.SetArgsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	task, err := h.queue.UpdateExeArgs(c.UserContext(), id, req.Args)
	if err != nil {
		return queueError(c, err)
	}
	return c.JSON(task)
}

// ReportResult records a terminal state on behalf of an agent.
func (h *TaskHandler) ReportResult(c *fiber.Ctx) error {
	id, err := parseTaskID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid task id"})
	}
	var req dto.TaskResultRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	if problems := req.Validate(); len(problems) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "validation failed", Details: problems})
	}

	task, err := h.queue.Complete(c.UserContext(), id, domain.TaskState(req.State))
	if err != nil {
		return queueError(c, err)
	}
	return c.JSON(task)
}

// StartTasks runs an assignment pass now; ?force=true retries across agents.
func (h *TaskHandler) StartTasks(c *fiber.Ctx) error {
	started := h.queue.StartTasks(c.UserContext(), c.QueryBool("force", false))
	return c.JSON(dto.StartTasksResponse{Started: started})
}
