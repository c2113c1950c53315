package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/infrastructure/memory"
	"github.com/sjq/engine/internal/transport/command"
)

type noAgents struct{}

func (noAgents) Available() []domain.Agent { return nil }

func startEngine(t *testing.T) (string, *services.TaskQueue) {
	t.Helper()
	queue := services.NewTaskQueue(services.TaskQueueConfig{
		Repository: memory.NewTaskRepository(),
		Agents:     noAgents{},
		Logger:     logger.NewNop(),
	})
	if err := queue.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg := command.NewRegistry()
	command.RegisterServerCommands(reg, queue, logger.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = command.NewListener(ln, reg, logger.NewNop(), 5*time.Second).Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), queue
}

func TestQueueCtlCommands(t *testing.T) {
	addr, queue := startEngine(t)
	ctx := context.Background()

	steps := []struct {
		args []string
		ok   bool
	}{
		{[]string{"ping"}, true},
		{[]string{"add", "comskip", "--ini x"}, true},
		{[]string{"add", " "}, false},
		{[]string{"setargs", "1", "--ini y"}, true},
		{[]string{"setargs", "2"}, false},
		{[]string{"rm", "1"}, true},
		{[]string{"rm", "1"}, false},
	}
	for _, step := range steps {
		var out bytes.Buffer
		ok, err := run(ctx, addr, time.Second, step.args, &out)
		if err != nil {
			t.Fatalf("%v: %v", step.args, err)
		}
		if ok != step.ok {
			t.Fatalf("%v: expected ok=%v, printed %q", step.args, step.ok, out.String())
		}
		if want := map[bool]string{true: "OK", false: "ERR"}[ok]; strings.TrimSpace(out.String()) != want {
			t.Fatalf("%v: printed %q", step.args, out.String())
		}
	}
	if len(queue.Snapshot()) != 0 {
		t.Fatalf("queue not empty: %+v", queue.Snapshot())
	}
}

func TestQueueCtlUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"bogus"}, {"rm"}, {"add"}, {"setargs", "1", "a", "b"}} {
		if _, err := run(context.Background(), "127.0.0.1:1", time.Second, args, &bytes.Buffer{}); !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
	if _, err := run(context.Background(), "127.0.0.1:1", time.Second, []string{"rm", "x"}, &bytes.Buffer{}); err == nil {
		t.Error("non-numeric id accepted")
	}
}
