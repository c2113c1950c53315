// Package memory holds in-process implementations of the repository ports.
// They back the engine when database.driver is "memory" and are used by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
)

type TaskRepository struct {
	mu    sync.Mutex
	tasks map[int64]domain.Task
}

var _ ports.TaskRepository = (*TaskRepository)(nil)

func NewTaskRepository(seed ...domain.Task) *TaskRepository {
	r := &TaskRepository{tasks: make(map[int64]domain.Task)}
	for i := range seed {
		r.tasks[seed[i].ID] = seed[i].Clone()
	}
	return r
}

func (r *TaskRepository) GetActiveQueue(ctx context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

// Get returns the stored copy of a task.
func (r *TaskRepository) Get(id int64) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

type AgentRepository struct {
	mu     sync.Mutex
	agents map[string]domain.Agent
}

var _ ports.AgentRepository = (*AgentRepository)(nil)

func NewAgentRepository(seed ...domain.Agent) *AgentRepository {
	r := &AgentRepository{agents: make(map[string]domain.Agent)}
	for _, a := range seed {
		r.agents[a.Address] = a
	}
	return r
}

func (r *AgentRepository) GetAll(ctx context.Context) ([]domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (r *AgentRepository) Get(ctx context.Context, address string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[address]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *AgentRepository) Save(ctx context.Context, agent *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	r.agents[agent.Address] = *agent
	return nil
}

func (r *AgentRepository) Delete(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, address)
	return nil
}

type SystemSettingRepository struct {
	mu       sync.Mutex
	settings map[string]domain.SystemSetting
}

var _ ports.SystemSettingRepository = (*SystemSettingRepository)(nil)

func NewSystemSettingRepository() *SystemSettingRepository {
	return &SystemSettingRepository{settings: make(map[string]domain.SystemSetting)}
}

func (r *SystemSettingRepository) Get(ctx context.Context, key string) (*domain.SystemSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settings[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *SystemSettingRepository) Set(ctx context.Context, setting *domain.SystemSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[setting.Key] = *setting
	return nil
}

func (r *SystemSettingRepository) GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.SystemSetting
	for _, s := range r.settings {
		if s.Category == category {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *SystemSettingRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.settings, key)
	return nil
}
