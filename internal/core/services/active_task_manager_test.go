package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sjq/engine/internal/domain"
)

func newVerifier(f *queueFixture) *ActiveTaskManager {
	return NewActiveTaskManager(f.queue, f.dialer, f.queue.logger)
}

func TestVerifyFailsTaskTheAgentDenies(t *testing.T) {
	f := newQueueFixture(t, nil, runningTask(7, "a:1"))
	log, logs := observedLogger()
	f.dialer.set("a:1", &agentBehavior{inactive: map[int64]bool{7: true}})
	m := NewActiveTaskManager(f.queue, f.dialer, log)

	passStart := time.Now()
	res := m.Verify(context.Background())

	if res.Checked != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	task, _ := f.queue.Task(7)
	if task.State != domain.TaskStateFailed {
		t.Fatalf("expected FAILED, got %s", task.State)
	}
	if task.Completed == nil || task.Completed.Before(passStart) {
		t.Fatalf("completion timestamp %v is not at/after pass start %v", task.Completed, passStart)
	}
	stored, _ := f.repo.Get(7)
	if stored.State != domain.TaskStateFailed {
		t.Fatal("failure was not persisted")
	}

	warnings := logs.FilterMessage("active_task_marked_failed").All()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	fields := warnings[0].ContextMap()
	if fields["assignee"] != "a:1" || fields["id"] != int64(7) {
		t.Fatalf("warning does not name task and assignee: %v", fields)
	}
	f.dialer.assertClosedOnce(t)
}

func TestVerifyKeepsConfirmedTasks(t *testing.T) {
	f := newQueueFixture(t, nil, runningTask(1, "a:1"), runningTask(2, "b:1"))

	res := newVerifier(f).Verify(context.Background())

	if res.Checked != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for id, assignee := range map[int64]string{1: "a:1", 2: "b:1"} {
		task, _ := f.queue.Task(id)
		if task.State != domain.TaskStateRunning || task.Assignee != assignee {
			t.Fatalf("task %d changed: %+v", id, task)
		}
	}
	f.dialer.assertClosedOnce(t)
}

func TestVerifyLeavesTaskOnNetworkFailure(t *testing.T) {
	f := newQueueFixture(t, nil, runningTask(1, "a:1"), runningTask(2, "b:1"))
	f.dialer.set("a:1", &agentBehavior{dialErr: errNetwork})
	f.dialer.set("b:1", &agentBehavior{activeErr: errNetwork})

	res := newVerifier(f).Verify(context.Background())

	if res.Unreachable != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, id := range []int64{1, 2} {
		if task, _ := f.queue.Task(id); task.State != domain.TaskStateRunning {
			t.Fatalf("task %d changed on network failure: %s", id, task.State)
		}
	}
	f.dialer.assertClosedOnce(t)

	// the next pass evaluates the same tasks again
	f.dialer.set("a:1", &agentBehavior{inactive: map[int64]bool{1: true}})
	f.dialer.set("b:1", &agentBehavior{})
	if res := newVerifier(f).Verify(context.Background()); res.Failed != 1 {
		t.Fatalf("expected retry to fail task 1, got %+v", res)
	}
}

func TestVerifyReleasesConnectionWhenCheckPanics(t *testing.T) {
	f := newQueueFixture(t, nil, runningTask(1, "a:1"), runningTask(2, "b:1"))
	f.dialer.set("a:1", &agentBehavior{panics: true})
	f.dialer.set("b:1", &agentBehavior{inactive: map[int64]bool{2: true}})

	res := newVerifier(f).Verify(context.Background())

	if res.Unreachable != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if task, _ := f.queue.Task(1); task.State != domain.TaskStateRunning {
		t.Fatalf("task 1 changed after a panicking check: %s", task.State)
	}
	if f.dialer.connCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", f.dialer.connCount())
	}
	f.dialer.assertClosedOnce(t)
}

func TestVerifyIgnoresTaskFinishedDuringCheck(t *testing.T) {
	f := newQueueFixture(t, nil, runningTask(1, "a:1"))
	ctx := context.Background()
	f.dialer.set("a:1", &agentBehavior{
		inactive: map[int64]bool{1: true},
		// the agent's own completion report lands while we are asking it
		onActive: func(id int64) { f.queue.FinishTask(ctx, id, domain.TaskStateCompleted) },
	})

	res := newVerifier(f).Verify(ctx)

	if res.Failed != 0 {
		t.Fatalf("expected no failure, got %+v", res)
	}
	if task, _ := f.queue.Task(1); task.State != domain.TaskStateCompleted {
		t.Fatalf("expected COMPLETED to stand, got %s", task.State)
	}
}

func TestAssignmentAndVerificationNeverDoubleAssign(t *testing.T) {
	agents := []domain.Agent{{Address: "a:1"}, {Address: "b:1"}, {Address: "c:1"}}
	f := newQueueFixture(t, agents)
	ctx := context.Background()
	verifier := newVerifier(f)
	enqueued := 0

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, fn := range []func(){
		func() { f.queue.StartTasks(ctx, false) },
		func() { f.queue.StartTasks(ctx, true) },
		func() { verifier.Verify(ctx) },
		func() {
			if enqueued < 500 {
				f.queue.Enqueue(ctx, domain.Task{TaskType: "comskip"})
				enqueued++
			}
		},
	} {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					fn()
				}
			}
		}(fn)
	}
	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	f.dialer.mu.Lock()
	defer f.dialer.mu.Unlock()
	for id, assignees := range f.dialer.executed {
		if len(assignees) > 1 {
			t.Fatalf("task %d dispatched to %v", id, assignees)
		}
	}
	for _, task := range f.queue.Snapshot() {
		got := f.dialer.executed[task.ID]
		if task.State == domain.TaskStateRunning && (len(got) != 1 || got[0] != task.Assignee) {
			t.Fatalf("task %d running on %q but dispatched to %v", task.ID, task.Assignee, got)
		}
	}
}
