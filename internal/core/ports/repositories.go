package ports

import (
	"context"

	"github.com/sjq/engine/internal/domain"
)

// TaskRepository persists queued tasks. The queue keeps its own in-memory
// copy and only writes through.
type TaskRepository interface {
	GetActiveQueue(ctx context.Context) ([]domain.Task, error)
	Save(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id int64) error
}

type AgentRepository interface {
	GetAll(ctx context.Context) ([]domain.Agent, error)
	Get(ctx context.Context, address string) (*domain.Agent, error)
	Save(ctx context.Context, agent *domain.Agent) error
	Delete(ctx context.Context, address string) error
}

type SystemSettingRepository interface {
	Get(ctx context.Context, key string) (*domain.SystemSetting, error)
	Set(ctx context.Context, setting *domain.SystemSetting) error
	GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error)
	Delete(ctx context.Context, key string) error
}
