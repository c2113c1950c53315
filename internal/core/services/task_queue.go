package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

// TaskQueue owns the task collection. Every read used for iteration and
// every mutation holds mu for its full duration, including the periodic
// jobs. Reads hand out copies.
type TaskQueue struct {
	repo   ports.TaskRepository
	marks  ports.SystemSettingRepository
	agents ports.AgentPool
	dialer ports.AgentDialer
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	tasks  map[int64]*domain.Task
	nextID int64
}

// settingTaskIDMark records the highest task id ever handed out so ids of
// deleted tasks are never reissued after a restart.
const settingTaskIDMark = "task_id_high_water"

type TaskQueueConfig struct {
	Repository ports.TaskRepository
	// Marks stores the task id high-water mark. Without it ids only survive
	// restarts while the highest task is still stored.
	Marks      ports.SystemSettingRepository
	Agents     ports.AgentPool
	Dialer     ports.AgentDialer
	Logger     *logger.Logger
	Clock      func() time.Time
}

func NewTaskQueue(cfg TaskQueueConfig) *TaskQueue {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TaskQueue{
		repo:   cfg.Repository,
		marks:  cfg.Marks,
		agents: cfg.Agents,
		dialer: cfg.Dialer,
		logger: cfg.Logger,
		now:    clock,
		tasks:  make(map[int64]*domain.Task),
	}
}

// Load replaces the in-memory queue with the repository's active queue.
func (q *TaskQueue) Load(ctx context.Context) error {
	tasks, err := q.repo.GetActiveQueue(ctx)
	if err != nil {
		q.logger.Errorw("task_queue_load_failed", "error", err)
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[int64]*domain.Task, len(tasks))
	if mark := q.loadMark(ctx); mark > q.nextID {
		q.nextID = mark
	}
	for i := range tasks {
		t := tasks[i].Clone()
		q.tasks[t.ID] = &t
		if t.ID > q.nextID {
			q.nextID = t.ID
		}
	}
	q.logger.Infow("task_queue_load_ok", "count", len(tasks), "next_id", q.nextID+1)
	return nil
}

// Enqueue stores task as a new PENDING entry and returns its id.
func (q *TaskQueue) Enqueue(ctx context.Context, task domain.Task) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	t := task.Clone()
	t.ID = q.nextID
	t.State = domain.TaskStatePending
	t.Assignee = ""
	t.Created = q.now()
	t.Started = nil
	t.Completed = nil

	q.storeMarkLocked(ctx)
	q.tasks[t.ID] = &t
	q.persist(ctx, &t)
	q.logger.Infow("task_queue_enqueue_ok", "id", t.ID, "type", t.TaskType)
	return t.ID
}

func (q *TaskQueue) loadMark(ctx context.Context) int64 {
	if q.marks == nil {
		return 0
	}
	setting, err := q.marks.Get(ctx, settingTaskIDMark)
	if err != nil {
		q.logger.Errorw("task_queue_mark_load_failed", "error", err)
		return 0
	}
	if setting == nil {
		return 0
	}
	mark, err := strconv.ParseInt(setting.Value, 10, 64)
	if err != nil {
		q.logger.Warnw("task_queue_mark_invalid", "value", setting.Value)
		return 0
	}
	return mark
}

// storeMarkLocked persists nextID. Callers must hold mu.
func (q *TaskQueue) storeMarkLocked(ctx context.Context) {
	if q.marks == nil {
		return
	}
	err := q.marks.Set(ctx, &domain.SystemSetting{
		Key:      settingTaskIDMark,
		Value:    strconv.FormatInt(q.nextID, 10),
		Type:     "int",
		Category: settingCategoryInternal,
	})
	if err != nil {
		q.logger.Errorw("task_queue_mark_persist_failed", "next_id", q.nextID, "error", err)
	}
}

// StartTasks tries to hand every PENDING task, oldest first, to an available
// agent that accepts its type and has spare capacity. A failed dispatch
// leaves the task PENDING for a later pass.
//
// Without force, an agent that failed a dispatch is skipped for the rest of
// the pass and each task is offered to at most one agent. With force, a task
// whose dispatch failed is offered to every remaining candidate and agents
// that failed earlier in the pass are tried again.
//
// With force a task only moves on to the next agent when the previous one
// certainly did not take it: the connection could not be opened or the agent
// answered ERR. Any other failure may have happened after the agent started
// the task, so the task stays PENDING for this pass. Across passes delivery
// is at least once: a task whose ack was lost is dispatched again by a later
// pass and the first agent's late result is accepted for it.
//
// The pass holds the queue lock throughout so no task can be assigned twice;
// agent calls are bounded by the dialer's timeouts.
func (q *TaskQueue) StartTasks(ctx context.Context, force bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.sortedLocked(domain.TaskStatePending)
	if len(pending) == 0 {
		return 0
	}

	candidates := q.agents.Available()
	if len(candidates) == 0 {
		q.logger.Infow("task_queue_start_no_agents", "pending", len(pending))
		return 0
	}

	load := make(map[string]int)
	for _, t := range q.tasks {
		if t.State == domain.TaskStateRunning {
			load[t.Assignee]++
		}
	}

	failed := make(map[string]bool)
	started := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		for _, a := range candidates {
			if !a.Accepts(t.TaskType) {
				continue
			}
			if a.MaxTasks > 0 && load[a.Address] >= a.MaxTasks {
				continue
			}
			if failed[a.Address] && !force {
				continue
			}

			if err := q.dispatch(ctx, a.Address, t); err != nil {
				failed[a.Address] = true
				var unsent *notDeliveredError
				if force && (errors.As(err, &unsent) || errors.Is(err, ports.ErrTaskRejected)) {
					q.logger.Warnw("task_queue_dispatch_failed", "id", t.ID, "agent", a.Address, "error", err)
					continue
				}
				q.logger.Warnw("task_queue_dispatch_failed", "id", t.ID, "agent", a.Address, "error", err, "unconfirmed", force)
				break
			}

			now := q.now()
			t.State = domain.TaskStateRunning
			t.Assignee = a.Address
			t.Started = &now
			load[a.Address]++
			q.persist(ctx, t)
			started++
			q.logger.Infow("task_queue_dispatch_ok", "id", t.ID, "agent", a.Address)
			break
		}
	}

	q.logger.Infow("task_queue_start_pass", "pending", len(pending), "started", started, "force", force)
	return started
}

// notDeliveredError marks a dispatch that failed before the task was sent.
type notDeliveredError struct {
	err error
}

func (e *notDeliveredError) Error() string { return e.err.Error() }

func (e *notDeliveredError) Unwrap() error { return e.err }

func (q *TaskQueue) dispatch(ctx context.Context, address string, t *domain.Task) error {
	conn, err := q.dialer.Dial(ctx, address)
	if err != nil {
		return &notDeliveredError{err: err}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			q.logger.Debugw("agent_conn_close_failed", "agent", address, "error", err)
		}
	}()
	return conn.Execute(ctx, t.Clone())
}

// DeleteTask removes the task unless it is RUNNING; force removes it anyway.
// It reports whether a task was removed.
func (q *TaskQueue) DeleteTask(ctx context.Context, id int64, force bool) bool {
	return q.Remove(ctx, id, force) == nil
}

// Remove is DeleteTask reporting why nothing was removed: ErrTaskNotFound or
// ErrInvalidTransition.
func (q *TaskQueue) Remove(ctx context.Context, id int64, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		q.logger.Infow("task_queue_delete_not_found", "id", id)
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if t.State == domain.TaskStateRunning && !force {
		q.logger.Warnw("task_queue_delete_running_rejected", "id", id, "assignee", t.Assignee)
		return fmt.Errorf("%w: task %d is running; use force", ErrInvalidTransition, id)
	}

	delete(q.tasks, id)
	if err := q.repo.Delete(ctx, id); err != nil {
		q.logger.Errorw("task_queue_delete_persist_failed", "id", id, "error", err)
	}
	q.logger.Infow("task_queue_delete_ok", "id", id, "state", t.State, "force", force)
	return nil
}

// SetExeArgs sets the argument override of a PENDING task; nil clears it.
func (q *TaskQueue) SetExeArgs(ctx context.Context, id int64, args *string) bool {
	_, err := q.UpdateExeArgs(ctx, id, args)
	return err == nil
}

// UpdateExeArgs is SetExeArgs returning the updated task or the reason it
// was refused.
func (q *TaskQueue) UpdateExeArgs(ctx context.Context, id int64, args *string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		q.logger.Infow("task_queue_setargs_not_found", "id", id)
		return domain.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if t.State != domain.TaskStatePending {
		q.logger.Warnw("task_queue_setargs_rejected", "id", id, "state", t.State)
		return domain.Task{}, fmt.Errorf("%w: task %d is %s; only pending tasks accept an argument override", ErrInvalidTransition, id, t.State)
	}

	if args == nil {
		t.ExeArgs = nil
	} else {
		v := *args
		t.ExeArgs = &v
	}
	q.persist(ctx, t)
	q.logger.Infow("task_queue_setargs_ok", "id", id, "override", args != nil)
	return t.Clone(), nil
}

// FinishTask records an agent's result for a RUNNING task.
func (q *TaskQueue) FinishTask(ctx context.Context, id int64, state domain.TaskState) bool {
	_, err := q.Complete(ctx, id, state)
	return err == nil
}

// Complete is FinishTask returning the finished task or the reason the
// result was refused.
func (q *TaskQueue) Complete(ctx context.Context, id int64, state domain.TaskState) (domain.Task, error) {
	if !state.IsTerminal() {
		q.logger.Warnw("task_queue_finish_invalid_state", "id", id, "state", state)
		return domain.Task{}, fmt.Errorf("%w: %s is not a terminal state", ErrInvalidTransition, state)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		q.logger.Infow("task_queue_finish_not_found", "id", id)
		return domain.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if t.State != domain.TaskStateRunning {
		q.logger.Warnw("task_queue_finish_rejected", "id", id, "state", t.State, "reported", state)
		return domain.Task{}, fmt.Errorf("%w: task %d is %s, not running", ErrInvalidTransition, id, t.State)
	}

	now := q.now()
	t.State = state
	t.Completed = &now
	q.persist(ctx, t)
	q.logger.Infow("task_queue_finish_ok", "id", id, "state", state, "assignee", t.Assignee)
	return t.Clone(), nil
}

// FailIfAssigned marks the task FAILED only if it is still RUNNING on
// assignee. It reports whether the transition happened.
func (q *TaskQueue) FailIfAssigned(ctx context.Context, id int64, assignee string, at time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.State != domain.TaskStateRunning || t.Assignee != assignee {
		return false
	}

	t.State = domain.TaskStateFailed
	t.Completed = &at
	q.persist(ctx, t)
	return true
}

// Purge deletes tasks in the terminal state whose completion is before cutoff.
func (q *TaskQueue) Purge(ctx context.Context, state domain.TaskState, cutoff time.Time) int {
	if !state.IsTerminal() {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.tasks {
		if t.State != state || t.Completed == nil || !t.Completed.Before(cutoff) {
			continue
		}
		delete(q.tasks, id)
		if err := q.repo.Delete(ctx, id); err != nil {
			q.logger.Errorw("task_queue_purge_persist_failed", "id", id, "error", err)
		}
		removed++
	}
	return removed
}

// Task returns a copy of the task with the given id.
func (q *TaskQueue) Task(id int64) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// Snapshot returns copies of every task ordered by id.
func (q *TaskQueue) Snapshot() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copiesLocked("")
}

// RunningTasks returns copies of the RUNNING tasks ordered by id.
func (q *TaskQueue) RunningTasks() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copiesLocked(domain.TaskStateRunning)
}

// Counts returns the number of tasks per state.
func (q *TaskQueue) Counts() map[domain.TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[domain.TaskState]int)
	for _, t := range q.tasks {
		counts[t.State]++
	}
	return counts
}

func (q *TaskQueue) copiesLocked(state domain.TaskState) []domain.Task {
	src := q.sortedLocked(state)
	out := make([]domain.Task, 0, len(src))
	for _, t := range src {
		out = append(out, t.Clone())
	}
	return out
}

// sortedLocked returns the live entries in the given state (all when empty)
// ordered by id. Callers must hold mu.
func (q *TaskQueue) sortedLocked(state domain.TaskState) []*domain.Task {
	out := make([]*domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if state == "" || t.State == state {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *TaskQueue) persist(ctx context.Context, t *domain.Task) {
	if err := q.repo.Save(ctx, t); err != nil {
		q.logger.Errorw("task_queue_persist_failed", "id", t.ID, "state", t.State, "error", err)
	}
}
