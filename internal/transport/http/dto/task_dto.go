package dto

import (
	"net"
	"strings"

	"github.com/sjq/engine/internal/domain"
)

type CreateTaskRequest struct {
	TaskType string       `json:"task_type"`
	Args     *string      `json:"args,omitempty"`
	Metadata domain.JSONB `json:"metadata,omitempty"`
}

func (r *CreateTaskRequest) Validate() []string {
	var errors []string
	if strings.TrimSpace(r.TaskType) == "" {
		errors = append(errors, "task_type is required")
	}
	return errors
}

// SetArgsRequest sets the argument override; a null args clears it.
type SetArgsRequest struct {
	Args *string `json:"args"`
}

type TaskResultRequest struct {
	State string `json:"state"`
}

func (r *TaskResultRequest) Validate() []string {
	st, err := domain.ParseTaskState(r.State)
	if err != nil {
		return []string{"state is not a known task state"}
	}
	if !st.IsTerminal() {
		return []string{"state must be COMPLETED, FAILED or SKIPPED"}
	}
	return nil
}

type CreateTaskResponse struct {
	ID int64 `json:"id"`
}

type StartTasksResponse struct {
	Started int `json:"started"`
}

type RegisterAgentRequest struct {
	Address   string   `json:"address"`
	TaskTypes []string `json:"task_types,omitempty"`
	MaxTasks  int      `json:"max_tasks"`
}

func (r *RegisterAgentRequest) Validate() []string {
	var errors []string
	if r.Address == "" {
		errors = append(errors, "address is required")
	} else if _, _, err := net.SplitHostPort(r.Address); err != nil {
		errors = append(errors, "address must be host:port")
	}
	if r.MaxTasks < 0 {
		errors = append(errors, "max_tasks must not be negative")
	}
	return errors
}

func (r *RegisterAgentRequest) ToDomain() domain.Agent {
	return domain.Agent{
		Address:   r.Address,
		TaskTypes: domain.StringList(r.TaskTypes),
		MaxTasks:  r.MaxTasks,
	}
}

type PingResponse struct {
	Alive int `json:"alive"`
}

type StatusResponse struct {
	Tasks           map[domain.TaskState]int `json:"tasks"`
	Total           int                      `json:"total"`
	Agents          int                      `json:"agents"`
	AvailableAgents int                      `json:"available_agents"`
	Licensed        bool                     `json:"licensed"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
