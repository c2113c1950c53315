// Package communicator connects the agent to the engine: it serves the
// engine's commands and reports finished tasks back.
package communicator

import (
	"context"
	"net"
	"time"

	"github.com/sjq/engine/internal/infrastructure/agentclient"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/protocol"
	"github.com/sjq/engine/internal/transport/command"
	"go.uber.org/zap"
)

// TaskRunner is what the server needs from the task processor.
type TaskRunner interface {
	Accept(ctx context.Context, req agentclient.ExecuteRequest) error
	IsActive(taskID int64) bool
}

// Server answers PING, ACTIVE and EXE from the engine.
type Server struct {
	runner  TaskRunner
	logger  *zap.Logger
	timeout time.Duration
}

func NewServer(runner TaskRunner, timeout time.Duration, log *zap.Logger) *Server {
	return &Server{runner: runner, logger: log, timeout: timeout}
}

// Registry returns the agent's command set.
func (s *Server) Registry() *command.Registry {
	reg := command.NewRegistry()
	reg.Register(command.CmdPing, command.Ping)
	reg.Register(agentclient.CmdActive, s.active)
	reg.Register(agentclient.CmdExecute, s.execute)
	return reg
}

func (s *Server) active(in *protocol.Reader, out *protocol.Writer) command.Command {
	return command.CommandFunc(func(ctx context.Context) error {
		id, err := in.ReadInt64()
		if err != nil {
			return err
		}
		return out.Ack(s.runner.IsActive(id))
	})
}

func (s *Server) execute(in *protocol.Reader, out *protocol.Writer) command.Command {
	return command.CommandFunc(func(ctx context.Context) error {
		req, err := agentclient.ReadExecuteRequest(in)
		if err != nil {
			return err
		}
		if err := s.runner.Accept(ctx, req); err != nil {
			s.logger.Warn("task refused",
				zap.Int64("task_id", req.ID),
				zap.String("type", req.TaskType),
				zap.Error(err),
			)
			return out.Ack(false)
		}
		return out.Ack(true)
	})
}

// Serve answers commands on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	l := command.NewListener(ln, s.Registry(), &logger.Logger{SugaredLogger: s.logger.Sugar()}, s.timeout)
	return l.Serve(ctx)
}

// ListenAndServe binds address and serves it until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
