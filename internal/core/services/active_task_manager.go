package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

// ActiveTaskManager cross-checks every RUNNING task with its assignee. An
// agent that says it is not running the task wins: the task is failed.
//
// Agents are contacted without holding the queue lock. The running set is
// copied first and a denial is applied only if the task is still RUNNING on
// the same agent, so a task finished or deleted meanwhile is left alone.
type ActiveTaskManager struct {
	queue  *TaskQueue
	dialer ports.AgentDialer
	logger *logger.Logger
	now    func() time.Time
}

type VerifyResult struct {
	Checked     int
	Failed      int
	Unreachable int
}

func NewActiveTaskManager(queue *TaskQueue, dialer ports.AgentDialer, log *logger.Logger) *ActiveTaskManager {
	return &ActiveTaskManager{
		queue:  queue,
		dialer: dialer,
		logger: log,
		now:    time.Now,
	}
}

func (m *ActiveTaskManager) Name() string {
	return "active_task_manager"
}

func (m *ActiveTaskManager) Run(ctx context.Context) {
	m.Verify(ctx)
}

// Verify runs one reconciliation pass.
func (m *ActiveTaskManager) Verify(ctx context.Context) VerifyResult {
	var res VerifyResult
	for _, t := range m.queue.RunningTasks() {
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		failed, err := m.verifyTask(ctx, t)
		if err != nil {
			res.Unreachable++
			m.logger.Errorw("active_task_check_failed", "id", t.ID, "assignee", t.Assignee, "error", err)
			continue
		}
		if failed {
			res.Failed++
		}
	}
	m.logger.Infow("active_task_validated", "count", res.Checked, "failed", res.Failed, "unreachable", res.Unreachable)
	return res
}

func (m *ActiveTaskManager) verifyTask(ctx context.Context, t domain.Task) (failed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while verifying task %d: %v", t.ID, r)
		}
	}()

	active, err := m.isActive(ctx, t)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	if !m.queue.FailIfAssigned(ctx, t.ID, t.Assignee, m.now()) {
		m.logger.Infow("active_task_changed_during_check", "id", t.ID, "assignee", t.Assignee)
		return false, nil
	}
	m.logger.Warnw("active_task_marked_failed",
		"id", t.ID,
		"task", t.String(),
		"assignee", t.Assignee,
		"reason", "agent says it is not running the task",
	)
	return true, nil
}

func (m *ActiveTaskManager) isActive(ctx context.Context, t domain.Task) (bool, error) {
	conn, err := m.dialer.Dial(ctx, t.Assignee)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	return conn.IsTaskActive(ctx, t.ID)
}
