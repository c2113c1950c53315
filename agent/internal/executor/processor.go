package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sjq/engine/agent/config"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/agentclient"
	"go.uber.org/zap"
)

var (
	ErrUnknownTaskType = errors.New("executor: unknown task type")
	ErrOverloaded      = errors.New("executor: host is overloaded")
	ErrInvalidArgs     = errors.New("executor: invalid arguments")
)

// LoadGate reports whether the host is too busy to take another task.
type LoadGate interface {
	Overloaded(ctx context.Context) (bool, float64)
}

// Reporter delivers a finished task's state to the engine.
type Reporter interface {
	ReportResult(ctx context.Context, taskID int64, state domain.TaskState) error
}

// Processor turns EXE requests into processes and reports their outcome.
type Processor struct {
	tasks        map[string]config.TaskDefinition
	skipExitCode int
	executor     *Executor
	gate         LoadGate
	reporter     Reporter
	logger       *zap.Logger
}

type ProcessorConfig struct {
	Tasks        map[string]config.TaskDefinition
	SkipExitCode int
	Executor     *Executor
	Gate         LoadGate
	Reporter     Reporter
	Logger       *zap.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		tasks:        cfg.Tasks,
		skipExitCode: cfg.SkipExitCode,
		executor:     cfg.Executor,
		gate:         cfg.Gate,
		reporter:     cfg.Reporter,
		logger:       cfg.Logger,
	}
}

// Accept validates req and starts its process. A nil error means the task
// is running and its result will be reported.
func (p *Processor) Accept(ctx context.Context, req agentclient.ExecuteRequest) error {
	def, ok := p.tasks[req.TaskType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, req.TaskType)
	}
	if p.gate != nil {
		if busy, load := p.gate.Overloaded(ctx); busy {
			return fmt.Errorf("%w: cpu at %.1f%%", ErrOverloaded, load)
		}
	}

	argLine := def.Args
	if req.ExeArgs != nil {
		argLine = *req.ExeArgs
	}
	args, err := SplitArgs(argLine)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	runID := uuid.New().String()
	job := Job{
		TaskID:  req.ID,
		Command: def.Command,
		Args:    args,
		Env:     metadataEnv(req.ID, req.TaskType, req.Metadata),
	}
	err = p.executor.Start(job, func(res CommandResult) {
		p.finish(req, runID, res)
	})
	if err != nil {
		return err
	}
	p.logger.Info("task accepted",
		zap.Int64("task_id", req.ID),
		zap.String("type", req.TaskType),
		zap.String("run_id", runID),
		zap.Strings("args", args),
	)
	return nil
}

func (p *Processor) IsActive(taskID int64) bool {
	return p.executor.IsActive(taskID)
}

func (p *Processor) ActiveCount() int {
	return p.executor.ActiveCount()
}

// StateFor maps a process exit code to the task's final state.
func (p *Processor) StateFor(res CommandResult) domain.TaskState {
	switch {
	case res.Err != nil:
		return domain.TaskStateFailed
	case res.ExitCode == 0:
		return domain.TaskStateCompleted
	case p.skipExitCode != 0 && res.ExitCode == p.skipExitCode:
		return domain.TaskStateSkipped
	default:
		return domain.TaskStateFailed
	}
}

func (p *Processor) finish(req agentclient.ExecuteRequest, runID string, res CommandResult) {
	state := p.StateFor(res)
	fields := []zap.Field{
		zap.Int64("task_id", req.ID),
		zap.String("run_id", runID),
		zap.String("state", string(state)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	}
	if state == domain.TaskStateFailed {
		fields = append(fields, zap.String("output", res.Output), zap.Error(res.Err))
		p.logger.Warn("task process failed", fields...)
	} else {
		p.logger.Info("task process finished", fields...)
	}

	if p.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := p.reporter.ReportResult(ctx, req.ID, state); err != nil {
		p.logger.Error("failed to report task result",
			zap.Int64("task_id", req.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// metadataEnv exposes the task id, type and metadata as SJQ_* variables.
func metadataEnv(id int64, taskType string, metadata map[string]string) []string {
	env := []string{
		fmt.Sprintf("SJQ_TASK_ID=%d", id),
		"SJQ_TASK_TYPE=" + taskType,
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "SJQ_"+envName(k)+"="+metadata[k])
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}
