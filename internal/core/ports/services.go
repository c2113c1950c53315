package ports

import (
	"context"
	"errors"

	"github.com/sjq/engine/internal/domain"
)

// ErrTaskRejected is returned by AgentConn.Execute when the agent answered
// and refused the task, as opposed to a transport failure.
var ErrTaskRejected = errors.New("agent: task rejected")

// AgentConn is a single-use session with one agent. It carries exactly one
// request and must be closed by the caller on every path.
type AgentConn interface {
	Ping(ctx context.Context) error
	// IsTaskActive asks the agent whether it is still running the task.
	IsTaskActive(ctx context.Context, taskID int64) (bool, error)
	// Execute hands the task to the agent; nil means the agent accepted it
	// and an error wrapping ErrTaskRejected means it refused.
	Execute(ctx context.Context, task domain.Task) error
	Close() error
}

type AgentDialer interface {
	Dial(ctx context.Context, address string) (AgentConn, error)
}

// AgentPool is the liveness view used when assigning tasks.
type AgentPool interface {
	Available() []domain.Agent
}

// RetentionPolicy resolves how many days tasks in a terminal state are kept.
type RetentionPolicy interface {
	KeepDays(ctx context.Context, state domain.TaskState) int
}

// TaskQueueService is the coordinator as seen by the admin API.
type TaskQueueService interface {
	Enqueue(ctx context.Context, task domain.Task) int64
	StartTasks(ctx context.Context, force bool) int
	Remove(ctx context.Context, id int64, force bool) error
	UpdateExeArgs(ctx context.Context, id int64, args *string) (domain.Task, error)
	Complete(ctx context.Context, id int64, state domain.TaskState) (domain.Task, error)
	Task(id int64) (domain.Task, bool)
	Snapshot() []domain.Task
	Counts() map[domain.TaskState]int
}

type AgentService interface {
	Register(ctx context.Context, agent domain.Agent) error
	Remove(ctx context.Context, address string) error
	Agents() []domain.Agent
	Available() []domain.Agent
	PingAll(ctx context.Context) int
}

type SettingService interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	UpdateSettings(ctx context.Context, settings map[string]interface{}) error
	ResetSetting(ctx context.Context, key string) error
	IsLicensed(ctx context.Context) bool
}
