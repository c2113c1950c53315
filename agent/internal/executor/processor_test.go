package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sjq/engine/agent/config"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/agentclient"
	"go.uber.org/zap"
)

type report struct {
	id    int64
	state domain.TaskState
}

type recordingReporter struct {
	reports chan report
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{reports: make(chan report, 8)}
}

func (r *recordingReporter) ReportResult(ctx context.Context, taskID int64, state domain.TaskState) error {
	r.reports <- report{id: taskID, state: state}
	return nil
}

func (r *recordingReporter) next(t *testing.T) report {
	t.Helper()
	select {
	case rep := <-r.reports:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("no result reported")
		return report{}
	}
}

type fixedGate struct {
	busy bool
	load float64
}

func (g fixedGate) Overloaded(ctx context.Context) (bool, float64) {
	return g.busy, g.load
}

func newTestProcessor(gate LoadGate, reporter Reporter) *Processor {
	return NewProcessor(ProcessorConfig{
		Tasks: map[string]config.TaskDefinition{
			"ok":     {Command: "sh", Args: `-c "exit 0"`},
			"skip":   {Command: "sh", Args: `-c "exit 10"`},
			"fail":   {Command: "sh", Args: `-c "exit 2"`},
			"envchk": {Command: "sh", Args: `-c 'test "$SJQ_FILE" = "/media/a.ts" && test "$SJQ_TASK_ID" = 5'`},
		},
		SkipExitCode: 10,
		Executor:     NewExecutor(time.Minute, zap.NewNop()),
		Gate:         gate,
		Reporter:     reporter,
		Logger:       zap.NewNop(),
	})
}

func TestProcessorReportsFinalState(t *testing.T) {
	cases := []struct {
		taskType string
		want     domain.TaskState
	}{
		{"ok", domain.TaskStateCompleted},
		{"skip", domain.TaskStateSkipped},
		{"fail", domain.TaskStateFailed},
	}
	for i, tc := range cases {
		t.Run(tc.taskType, func(t *testing.T) {
			rep := newRecordingReporter()
			p := newTestProcessor(nil, rep)
			id := int64(i + 1)
			if err := p.Accept(context.Background(), agentclient.ExecuteRequest{ID: id, TaskType: tc.taskType}); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			got := rep.next(t)
			if got.id != id || got.state != tc.want {
				t.Fatalf("expected %d/%s, got %+v", id, tc.want, got)
			}
		})
	}
}

func TestProcessorPassesMetadataAsEnv(t *testing.T) {
	rep := newRecordingReporter()
	p := newTestProcessor(nil, rep)
	req := agentclient.ExecuteRequest{
		ID:       5,
		TaskType: "envchk",
		Metadata: map[string]string{"file": "/media/a.ts"},
	}
	if err := p.Accept(context.Background(), req); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := rep.next(t); got.state != domain.TaskStateCompleted {
		t.Fatalf("metadata not visible to the process: %+v", got)
	}
}

func TestProcessorArgumentOverride(t *testing.T) {
	rep := newRecordingReporter()
	p := newTestProcessor(nil, rep)
	override := `-c "exit 10"`
	if err := p.Accept(context.Background(), agentclient.ExecuteRequest{ID: 1, TaskType: "ok", ExeArgs: &override}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := rep.next(t); got.state != domain.TaskStateSkipped {
		t.Fatalf("override was not applied: %+v", got)
	}
}

func TestProcessorRejections(t *testing.T) {
	bad := `"unterminated`
	cases := []struct {
		name string
		gate LoadGate
		req  agentclient.ExecuteRequest
		want error
	}{
		{"unknown type", nil, agentclient.ExecuteRequest{ID: 1, TaskType: "nope"}, ErrUnknownTaskType},
		{"overloaded", fixedGate{busy: true, load: 97}, agentclient.ExecuteRequest{ID: 1, TaskType: "ok"}, ErrOverloaded},
		{"bad override", nil, agentclient.ExecuteRequest{ID: 1, TaskType: "ok", ExeArgs: &bad}, ErrInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProcessor(tc.gate, newRecordingReporter())
			if err := p.Accept(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if p.ActiveCount() != 0 {
				t.Fatal("rejected task became active")
			}
		})
	}
}

func TestStateFor(t *testing.T) {
	p := newTestProcessor(nil, nil)
	cases := []struct {
		res  CommandResult
		want domain.TaskState
	}{
		{CommandResult{ExitCode: 0}, domain.TaskStateCompleted},
		{CommandResult{ExitCode: 10}, domain.TaskStateSkipped},
		{CommandResult{ExitCode: 1}, domain.TaskStateFailed},
		{CommandResult{ExitCode: -1, Err: errors.New("timed out")}, domain.TaskStateFailed},
	}
	for _, tc := range cases {
		if got := p.StateFor(tc.res); got != tc.want {
			t.Errorf("StateFor(%+v) = %s, want %s", tc.res, got, tc.want)
		}
	}

	p.skipExitCode = 0
	if got := p.StateFor(CommandResult{ExitCode: 10}); got != domain.TaskStateFailed {
		t.Fatalf("skip code honoured while disabled: %s", got)
	}
}
