package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/infrastructure/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errNetwork = errors.New("connection refused")

// agentBehavior scripts how one fake agent answers.
type agentBehavior struct {
	dialErr   error
	pingErr   error
	execErr   error
	activeErr error
	inactive  map[int64]bool
	onActive  func(id int64)
	panics    bool
}

type fakeDialer struct {
	mu       sync.Mutex
	agents   map[string]*agentBehavior
	conns    []*fakeConn
	executed map[int64][]string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		agents:   make(map[string]*agentBehavior),
		executed: make(map[int64][]string),
	}
}

func (d *fakeDialer) set(addr string, b *agentBehavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[addr] = b
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (ports.AgentConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.agents[addr]
	if !ok {
		b = &agentBehavior{}
		d.agents[addr] = b
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{d: d, addr: addr}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) behavior(addr string) agentBehavior {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.agents[addr]
}

// assertClosedOnce fails unless every connection handed out was closed exactly once.
func (d *fakeDialer) assertClosedOnce(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.conns {
		if c.closes != 1 {
			t.Errorf("conn %d to %s closed %d times, want 1", i, c.addr, c.closes)
		}
	}
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeConn struct {
	d      *fakeDialer
	addr   string
	closes int
}

func (c *fakeConn) Ping(ctx context.Context) error {
	return c.d.behavior(c.addr).pingErr
}

func (c *fakeConn) IsTaskActive(ctx context.Context, id int64) (bool, error) {
	b := c.d.behavior(c.addr)
	if b.panics {
		panic("agent session blew up")
	}
	if b.onActive != nil {
		b.onActive(id)
	}
	if b.activeErr != nil {
		return false, b.activeErr
	}
	return !b.inactive[id], nil
}

func (c *fakeConn) Execute(ctx context.Context, task domain.Task) error {
	b := c.d.behavior(c.addr)
	if b.execErr != nil {
		return b.execErr
	}
	c.d.mu.Lock()
	c.d.executed[task.ID] = append(c.d.executed[task.ID], c.addr)
	c.d.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.closes++
	return nil
}

type fakePool struct {
	agents []domain.Agent
}

func (p *fakePool) Available() []domain.Agent {
	return append([]domain.Agent(nil), p.agents...)
}

func observedLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &logger.Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

type queueFixture struct {
	queue  *TaskQueue
	repo   *memory.TaskRepository
	dialer *fakeDialer
	pool   *fakePool
}

func newQueueFixture(t *testing.T, agents []domain.Agent, seed ...domain.Task) *queueFixture {
	t.Helper()
	repo := memory.NewTaskRepository(seed...)
	dialer := newFakeDialer()
	pool := &fakePool{agents: agents}
	q := NewTaskQueue(TaskQueueConfig{
		Repository: repo,
		Agents:     pool,
		Dialer:     dialer,
		Logger:     logger.NewNop(),
	})
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &queueFixture{queue: q, repo: repo, dialer: dialer, pool: pool}
}

func runningTask(id int64, assignee string) domain.Task {
	started := time.Now().Add(-time.Minute)
	return domain.Task{
		ID:       id,
		TaskType: "comskip",
		State:    domain.TaskStateRunning,
		Assignee: assignee,
		Created:  started,
		Started:  &started,
	}
}

func pendingTask(id int64, taskType string) domain.Task {
	return domain.Task{ID: id, TaskType: taskType, State: domain.TaskStatePending, Created: time.Now()}
}

func finishedTask(id int64, state domain.TaskState, completed time.Time) domain.Task {
	return domain.Task{ID: id, TaskType: "comskip", State: state, Assignee: "a:1", Created: completed, Completed: &completed}
}

func fixedTime() time.Time {
	return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
}
