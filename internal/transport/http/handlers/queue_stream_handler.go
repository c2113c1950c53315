package handlers

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/infrastructure/logger"
)

// QueueStreamHandler pushes a queue snapshot to websocket clients at a fixed
// interval until they disconnect.
type QueueStreamHandler struct {
	queue    ports.TaskQueueService
	logger   *logger.Logger
	interval time.Duration
}

func NewQueueStreamHandler(queue ports.TaskQueueService, logger *logger.Logger, interval time.Duration) *QueueStreamHandler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &QueueStreamHandler{queue: queue, logger: logger, interval: interval}
}

func (h *QueueStreamHandler) Handle(c *websocket.Conn) {
	remote := c.RemoteAddr().String()
	h.logger.Infow("queue_stream_open", "remote", remote)
	defer h.logger.Infow("queue_stream_closed", "remote", remote)

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := c.WriteJSON(h.queue.Snapshot()); err != nil {
			h.logger.Debugw("queue_stream_write_failed", "remote", remote, "error", err)
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
