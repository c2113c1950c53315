package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("executor: task already running")

const outputTail = 4096

// Job is one process to run for a task.
type Job struct {
	TaskID  int64
	Command string
	Args    []string
	Env     []string
}

type CommandResult struct {
	TaskID   int64
	ExitCode int
	Output   string
	Duration time.Duration
	Err      error
}

// Executor runs task processes and tracks which task ids are active.
type Executor struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout == 0 {
		timeout = 6 * time.Hour
	}
	return &Executor{
		timeout: timeout,
		logger:  logger,
		active:  make(map[int64]context.CancelFunc),
	}
}

// Start launches job in the background and calls done once it exits. The
// task id stays active until done has returned.
func (e *Executor) Start(job Job, done func(CommandResult)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[job.TaskID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRunning, job.TaskID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	cmd := exec.CommandContext(ctx, job.Command, job.Args...)
	cmd.Env = append(os.Environ(), job.Env...)
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", job.Command, err)
	}
	e.active[job.TaskID] = cancel
	e.wg.Add(1)

	e.logger.Info("task process started",
		zap.Int64("task_id", job.TaskID),
		zap.String("command", job.Command),
		zap.Int("pid", cmd.Process.Pid),
	)

	go func() {
		defer e.wg.Done()
		err := cmd.Wait()

		result := CommandResult{
			TaskID:   job.TaskID,
			Duration: time.Since(start),
			Output:   out.String(),
		}
		switch {
		case err == nil:
		case ctx.Err() == context.DeadlineExceeded:
			result.ExitCode = -1
			result.Err = fmt.Errorf("command timed out after %v", e.timeout)
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			} else {
				result.ExitCode = -1
				result.Err = err
			}
		}
		cancel()

		done(result)

		e.mu.Lock()
		delete(e.active, job.TaskID)
		e.mu.Unlock()
	}()
	return nil
}

func (e *Executor) IsActive(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown kills every running process and waits for their callbacks. With
// nothing running it only waits for callbacks still in progress.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
