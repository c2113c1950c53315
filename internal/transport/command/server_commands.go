package command

import (
	"context"
	"strings"

	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/protocol"
)

const (
	CmdPing       = "PING"
	CmdRemoveTask = "RMTASK"
	CmdSetArgs    = "SETARGS"
	CmdAddTask    = "ADDTASK"
	CmdUpdateTask = "UPDATETASK"
)

// Coordinator is the part of the task queue reachable over the protocol.
type Coordinator interface {
	Enqueue(ctx context.Context, task domain.Task) int64
	DeleteTask(ctx context.Context, id int64, force bool) bool
	SetExeArgs(ctx context.Context, id int64, args *string) bool
	FinishTask(ctx context.Context, id int64, state domain.TaskState) bool
}

// RegisterServerCommands binds the engine's commands to queue.
func RegisterServerCommands(reg *Registry, queue Coordinator, log *logger.Logger) {
	reg.Register(CmdPing, Ping)
	reg.Register(CmdRemoveTask, func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			id, err := in.ReadInt64()
			if err != nil {
				return err
			}
			return out.Ack(queue.DeleteTask(ctx, id, false))
		})
	})
	reg.Register(CmdSetArgs, func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			id, err := in.ReadInt64()
			if err != nil {
				return err
			}
			args, err := in.ReadOptionalString()
			if err != nil {
				return err
			}
			return out.Ack(queue.SetExeArgs(ctx, id, args))
		})
	})
	reg.Register(CmdAddTask, func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			taskType, err := in.ReadString()
			if err != nil {
				return err
			}
			args, err := in.ReadOptionalString()
			if err != nil {
				return err
			}
			taskType = strings.TrimSpace(taskType)
			if taskType == "" {
				log.Warnw("command_addtask_rejected", "reason", "empty task type")
				return out.Ack(false)
			}
			id := queue.Enqueue(ctx, domain.Task{TaskType: taskType, ExeArgs: args})
			log.Debugw("command_addtask_ok", "id", id, "type", taskType)
			return out.Ack(true)
		})
	})
	reg.Register(CmdUpdateTask, func(in *protocol.Reader, out *protocol.Writer) Command {
		return CommandFunc(func(ctx context.Context) error {
			id, err := in.ReadInt64()
			if err != nil {
				return err
			}
			raw, err := in.ReadString()
			if err != nil {
				return err
			}
			state, err := domain.ParseTaskState(raw)
			if err != nil {
				log.Warnw("command_updatetask_rejected", "id", id, "state", raw, "error", err)
				return out.Ack(false)
			}
			return out.Ack(queue.FinishTask(ctx, id, state))
		})
	})
}

// Ping answers OK. Both the engine and its agents serve it.
func Ping(in *protocol.Reader, out *protocol.Writer) Command {
	return CommandFunc(func(ctx context.Context) error {
		return out.Ack(true)
	})
}
