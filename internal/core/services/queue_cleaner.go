package services

import (
	"context"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

// QueueCleaner purges terminal tasks older than their state's retention window.
type QueueCleaner struct {
	queue  *TaskQueue
	policy ports.RetentionPolicy
	logger *logger.Logger
	now    func() time.Time
}

func NewQueueCleaner(queue *TaskQueue, policy ports.RetentionPolicy, log *logger.Logger) *QueueCleaner {
	return &QueueCleaner{
		queue:  queue,
		policy: policy,
		logger: log,
		now:    time.Now,
	}
}

func (c *QueueCleaner) Name() string {
	return "queue_cleaner"
}

func (c *QueueCleaner) Run(ctx context.Context) {
	c.Clean(ctx)
}

// Clean runs one sweep and returns the number of purged tasks per state.
func (c *QueueCleaner) Clean(ctx context.Context) map[domain.TaskState]int {
	removed := make(map[domain.TaskState]int, len(domain.TerminalStates))
	now := c.now()
	for _, state := range domain.TerminalStates {
		days := c.policy.KeepDays(ctx, state)
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		n := c.queue.Purge(ctx, state, cutoff)
		removed[state] = n
		if n > 0 {
			c.logger.Infow("queue_cleaner_purged", "state", state, "count", n, "keep_days", days)
		}
	}
	return removed
}

// StartTasksJob runs the periodic assignment pass.
type StartTasksJob struct {
	queue *TaskQueue
}

func NewStartTasksJob(queue *TaskQueue) *StartTasksJob {
	return &StartTasksJob{queue: queue}
}

func (j *StartTasksJob) Name() string {
	return "task_queue"
}

func (j *StartTasksJob) Run(ctx context.Context) {
	j.queue.StartTasks(ctx, false)
}
