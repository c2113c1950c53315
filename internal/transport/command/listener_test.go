package command

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/infrastructure/memory"
	"github.com/sjq/engine/internal/protocol"
)

type noAgents struct{}

func (noAgents) Available() []domain.Agent { return nil }

func startListener(t *testing.T, reg *Registry) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(ln, reg, logger.NewNop(), 2*time.Second)
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return l.Addr().String()
}

func newServerQueue(t *testing.T, seed ...domain.Task) (*services.TaskQueue, string) {
	t.Helper()
	q := services.NewTaskQueue(services.TaskQueueConfig{
		Repository: memory.NewTaskRepository(seed...),
		Agents:     noAgents{},
		Logger:     logger.NewNop(),
	})
	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := NewRegistry()
	RegisterServerCommands(reg, q, logger.NewNop())
	return q, startListener(t, reg)
}

func call(t *testing.T, addr, name string, encode func(w *protocol.Writer) error) (bool, error) {
	t.Helper()
	s, err := protocol.Dial(context.Background(), addr, time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()
	return s.Call(context.Background(), name, encode)
}

func int64Field(v int64) func(w *protocol.Writer) error {
	return func(w *protocol.Writer) error { return w.WriteInt64(v) }
}

func TestRemoveTaskAcksOnceThenNotFound(t *testing.T) {
	created := time.Now()
	q, addr := newServerQueue(t, domain.Task{ID: 42, TaskType: "comskip", State: domain.TaskStatePending, Created: created})

	ok, err := call(t, addr, CmdRemoveTask, int64Field(42))
	if err != nil || !ok {
		t.Fatalf("first RMTASK: ok=%v err=%v", ok, err)
	}
	if _, found := q.Task(42); found {
		t.Fatal("task 42 still queued")
	}

	ok, err = call(t, addr, CmdRemoveTask, int64Field(42))
	if err != nil || ok {
		t.Fatalf("second RMTASK: ok=%v err=%v", ok, err)
	}
}

func TestRemoveTaskRefusesRunning(t *testing.T) {
	started := time.Now()
	_, addr := newServerQueue(t, domain.Task{ID: 7, TaskType: "comskip", State: domain.TaskStateRunning, Assignee: "a:1", Created: started, Started: &started})

	if ok, err := call(t, addr, CmdRemoveTask, int64Field(7)); err != nil || ok {
		t.Fatalf("expected ERR, got ok=%v err=%v", ok, err)
	}
}

func TestAddSetArgsAndUpdate(t *testing.T) {
	q, addr := newServerQueue(t)

	ok, err := call(t, addr, CmdAddTask, func(w *protocol.Writer) error {
		if err := w.WriteString("comskip"); err != nil {
			return err
		}
		return w.WriteOptionalString(nil)
	})
	if err != nil || !ok {
		t.Fatalf("ADDTASK: ok=%v err=%v", ok, err)
	}
	tasks := q.Snapshot()
	if len(tasks) != 1 || tasks[0].TaskType != "comskip" || tasks[0].State != domain.TaskStatePending {
		t.Fatalf("unexpected queue after ADDTASK: %+v", tasks)
	}
	id := tasks[0].ID

	args := "--verbose"
	ok, err = call(t, addr, CmdSetArgs, func(w *protocol.Writer) error {
		if err := w.WriteInt64(id); err != nil {
			return err
		}
		return w.WriteOptionalString(&args)
	})
	if err != nil || !ok {
		t.Fatalf("SETARGS: ok=%v err=%v", ok, err)
	}
	if task, _ := q.Task(id); task.ExeArgs == nil || *task.ExeArgs != args {
		t.Fatalf("override not applied: %+v", task)
	}

	// a PENDING task cannot be finished
	ok, err = call(t, addr, CmdUpdateTask, func(w *protocol.Writer) error {
		if err := w.WriteInt64(id); err != nil {
			return err
		}
		return w.WriteString(string(domain.TaskStateCompleted))
	})
	if err != nil || ok {
		t.Fatalf("UPDATETASK on pending: ok=%v err=%v", ok, err)
	}
}

func TestAddTaskRejectsEmptyType(t *testing.T) {
	q, addr := newServerQueue(t)
	ok, err := call(t, addr, CmdAddTask, func(w *protocol.Writer) error {
		if err := w.WriteString("  "); err != nil {
			return err
		}
		return w.WriteOptionalString(nil)
	})
	if err != nil || ok {
		t.Fatalf("expected ERR, got ok=%v err=%v", ok, err)
	}
	if len(q.Snapshot()) != 0 {
		t.Fatal("empty type was queued")
	}
}

func TestUpdateTaskRecordsAgentResult(t *testing.T) {
	started := time.Now()
	q, addr := newServerQueue(t, domain.Task{ID: 9, TaskType: "comskip", State: domain.TaskStateRunning, Assignee: "a:1", Created: started, Started: &started})

	bad, err := call(t, addr, CmdUpdateTask, func(w *protocol.Writer) error {
		_ = w.WriteInt64(9)
		return w.WriteString("DONE")
	})
	if err != nil || bad {
		t.Fatalf("unknown state: ok=%v err=%v", bad, err)
	}

	ok, err := call(t, addr, CmdUpdateTask, func(w *protocol.Writer) error {
		_ = w.WriteInt64(9)
		return w.WriteString(string(domain.TaskStateSkipped))
	})
	if err != nil || !ok {
		t.Fatalf("UPDATETASK: ok=%v err=%v", ok, err)
	}
	if task, _ := q.Task(9); task.State != domain.TaskStateSkipped || task.Completed == nil {
		t.Fatalf("result not recorded: %+v", task)
	}
}

func TestUnknownCommandGetsERR(t *testing.T) {
	_, addr := newServerQueue(t)
	if ok, err := call(t, addr, "REBOOT", nil); err != nil || ok {
		t.Fatalf("expected ERR, got ok=%v err=%v", ok, err)
	}
	if ok, err := call(t, addr, CmdPing, nil); err != nil || !ok {
		t.Fatalf("PING after unknown command: ok=%v err=%v", ok, err)
	}
}

func TestMalformedFieldsCloseConnection(t *testing.T) {
	q, addr := newServerQueue(t, domain.Task{ID: 1, TaskType: "comskip", State: domain.TaskStatePending, Created: time.Now()})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	w := protocol.NewWriter(conn)
	_ = w.WriteString(CmdSetArgs)
	_ = w.WriteInt64(1)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	// presence flag outside 0/1
	if _, err := conn.Write([]byte{7}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected no ack, got %v", buf[:n])
	}
	var netErr net.Error
	if !errors.Is(err, io.EOF) && (!errors.As(err, &netErr) || netErr.Timeout()) {
		t.Fatalf("expected the connection to be closed, got %v", err)
	}
	if task, _ := q.Task(1); task.ExeArgs != nil {
		t.Fatal("malformed command changed the task")
	}
}

func TestPanicInHandlerBecomesERR(t *testing.T) {
	reg := NewRegistry()
	reg.Register(CmdPing, Ping)
	reg.Register("BOOM", func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			panic("handler bug")
		})
	})
	addr := startListener(t, reg)

	if ok, err := call(t, addr, "BOOM", nil); err != nil || ok {
		t.Fatalf("expected ERR, got ok=%v err=%v", ok, err)
	}
	if ok, err := call(t, addr, CmdPing, nil); err != nil || !ok {
		t.Fatalf("listener stopped serving after panic: ok=%v err=%v", ok, err)
	}
}

func TestHandlerErrorAfterAckIsNotAckedTwice(t *testing.T) {
	reg := NewRegistry()
	reg.Register("HALF", func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			if err := out.Ack(true); err != nil {
				return err
			}
			return errors.New("late failure")
		})
	})
	addr := startListener(t, reg)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	w := protocol.NewWriter(conn)
	_ = w.WriteString("HALF")
	_ = w.Flush()

	r := protocol.NewReader(conn)
	if ok, err := r.ReadAck(); err != nil || !ok {
		t.Fatalf("expected OK, got ok=%v err=%v", ok, err)
	}
	if _, err := r.ReadString(); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected the stream to end after one ack, got %v", err)
	}
}

func TestAckSurvivesSlowHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register("SLOW", func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			// stands in for waiting on the queue lock during an assignment pass
			time.Sleep(300 * time.Millisecond)
			return out.Ack(true)
		})
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(ln, reg, logger.NewNop(), 100*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	ok, err := call(t, l.Addr().String(), "SLOW", nil)
	if err != nil || !ok {
		t.Fatalf("expected OK after a slow handler, got %v, %v", ok, err)
	}
}
