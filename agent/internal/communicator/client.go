package communicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/protocol"
	"github.com/sjq/engine/internal/transport/command"
	"go.uber.org/zap"
)

var ErrResultRejected = errors.New("communicator: engine rejected task result")

// Client reports task results to the engine.
type Client struct {
	serverAddress  string
	connectTimeout time.Duration
	ioTimeout      time.Duration
	attempts       int
	backoff        time.Duration
	logger         *zap.Logger
}

type ClientConfig struct {
	ServerAddress  string
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Attempts       int
	Backoff        time.Duration
	Logger         *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		serverAddress:  cfg.ServerAddress,
		connectTimeout: cfg.ConnectTimeout,
		ioTimeout:      cfg.IOTimeout,
		attempts:       attempts,
		backoff:        cfg.Backoff,
		logger:         cfg.Logger,
	}
}

// ReportResult sends UPDATETASK. Transport failures are retried; a refusal
// from the engine is final.
func (c *Client) ReportResult(ctx context.Context, taskID int64, state domain.TaskState) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		ok, err := c.send(ctx, taskID, state)
		if err == nil {
			if !ok {
				return fmt.Errorf("%w: task %d state %s", ErrResultRejected, taskID, state)
			}
			c.logger.Debug("task result reported",
				zap.Int64("task_id", taskID),
				zap.String("state", string(state)),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		c.logger.Warn("task result report failed",
			zap.Int64("task_id", taskID),
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.attempts),
			zap.Error(err),
		)
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return fmt.Errorf("report task %d after %d attempts: %w", taskID, c.attempts, lastErr)
}

func (c *Client) send(ctx context.Context, taskID int64, state domain.TaskState) (bool, error) {
	s, err := protocol.Dial(ctx, c.serverAddress, c.connectTimeout, c.ioTimeout)
	if err != nil {
		return false, err
	}
	defer s.Close()

	return s.Call(ctx, command.CmdUpdateTask, func(w *protocol.Writer) error {
		if err := w.WriteInt64(taskID); err != nil {
			return err
		}
		return w.WriteString(string(state))
	})
}
