// Package agentclient talks to agents over the command protocol.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sjq/engine/internal/config"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/protocol"
)

const (
	CmdActive  = "ACTIVE"
	CmdExecute = "EXE"
)

var (
	ErrAgentUnreachable = errors.New("agent: unreachable")
	ErrTaskRejected     = ports.ErrTaskRejected
	ErrPingRefused      = errors.New("agent: ping refused")
)

// Dialer opens single-command sessions with agents.
type Dialer struct {
	connectTimeout time.Duration
	ioTimeout      time.Duration
	logger         *logger.Logger
}

var _ ports.AgentDialer = (*Dialer)(nil)

func NewDialer(cfg config.AgentsConfig, log *logger.Logger) *Dialer {
	return &Dialer{
		connectTimeout: cfg.ConnectTimeout,
		ioTimeout:      cfg.IOTimeout,
		logger:         log,
	}
}

func (d *Dialer) Dial(ctx context.Context, address string) (ports.AgentConn, error) {
	s, err := protocol.Dial(ctx, address, d.connectTimeout, d.ioTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAgentUnreachable, address, err)
	}
	return &conn{session: s, address: address, logger: d.logger}, nil
}

type conn struct {
	session *protocol.Session
	address string
	logger  *logger.Logger
}

func (c *conn) call(ctx context.Context, name string, encode func(w *protocol.Writer) error) (bool, error) {
	ok, err := c.session.Call(ctx, name, encode)
	if err != nil {
		return false, fmt.Errorf("%w: %s %s: %v", ErrAgentUnreachable, c.address, name, err)
	}
	return ok, nil
}

func (c *conn) Ping(ctx context.Context) error {
	ok, err := c.call(ctx, "PING", nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPingRefused, c.address)
	}
	return nil
}

// IsTaskActive asks the agent about one task. OK means it is running it.
func (c *conn) IsTaskActive(ctx context.Context, taskID int64) (bool, error) {
	return c.call(ctx, CmdActive, func(w *protocol.Writer) error {
		return w.WriteInt64(taskID)
	})
}

// Execute sends the task id, type, argument override and metadata as JSON.
func (c *conn) Execute(ctx context.Context, task domain.Task) error {
	metadata := []byte("{}")
	if len(task.Metadata) > 0 {
		raw, err := json.Marshal(task.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of task %d: %w", task.ID, err)
		}
		metadata = raw
	}

	ok, err := c.call(ctx, CmdExecute, func(w *protocol.Writer) error {
		if err := w.WriteInt64(task.ID); err != nil {
			return err
		}
		if err := w.WriteString(task.TaskType); err != nil {
			return err
		}
		if err := w.WriteOptionalString(task.ExeArgs); err != nil {
			return err
		}
		return w.WriteString(string(metadata))
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s refused task %d", ErrTaskRejected, c.address, task.ID)
	}
	return nil
}

func (c *conn) Close() error {
	return c.session.Close()
}

// ExecuteRequest is the decoded form of an EXE command.
type ExecuteRequest struct {
	ID       int64
	TaskType string
	ExeArgs  *string
	Metadata map[string]string
}

// ReadExecuteRequest decodes the fields of an EXE command. Metadata values
// that are not strings are rendered as JSON.
func ReadExecuteRequest(in *protocol.Reader) (ExecuteRequest, error) {
	var req ExecuteRequest
	var err error
	if req.ID, err = in.ReadInt64(); err != nil {
		return req, err
	}
	if req.TaskType, err = in.ReadString(); err != nil {
		return req, err
	}
	if req.ExeArgs, err = in.ReadOptionalString(); err != nil {
		return req, err
	}
	raw, err := in.ReadString()
	if err != nil {
		return req, err
	}

	var fields map[string]interface{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return req, fmt.Errorf("%w: metadata: %v", protocol.ErrProtocolViolation, err)
		}
	}
	req.Metadata = make(map[string]string, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			req.Metadata[k] = tv
		default:
			b, _ := json.Marshal(tv)
			req.Metadata[k] = string(b)
		}
	}
	return req, nil
}
