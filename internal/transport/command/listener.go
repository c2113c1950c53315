package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/protocol"
)

const acceptBackoff = 50 * time.Millisecond

// Listener accepts connections and runs one command on each.
//
// The exchange timeout bounds reading the request. The ack gets a fresh
// write deadline, so a handler that waited on the task queue lock (an
// assignment pass contacting agents holds it) still delivers its ack. The
// caller's own IO timeout is not extended: a client that gives up first sees
// a timeout for a mutation that was committed. Client timeouts should exceed
// the longest expected assignment pass.
type Listener struct {
	ln       net.Listener
	registry *Registry
	logger   *logger.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewListener serves registry on ln. timeout bounds each exchange; zero
// means no deadline.
func NewListener(ln net.Listener, registry *Registry, log *logger.Logger, timeout time.Duration) *Listener {
	return &Listener{
		ln:       ln,
		registry: registry,
		logger:   log,
		timeout:  timeout,
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed, then waits for the open connections to finish.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	defer stop()

	l.logger.Infow("command_listener_started", "addr", l.ln.Addr().String(), "commands", l.registry.Names())
	defer l.wg.Wait()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.logger.Infow("command_listener_stopped", "addr", l.ln.Addr().String())
				return nil
			}
			l.logger.Errorw("command_accept_failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(acceptBackoff):
			}
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	if l.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(l.timeout)); err != nil {
			l.logger.Warnw("command_deadline_failed", "remote", remote, "error", err)
			return
		}
	}

	in := protocol.NewReader(conn)
	out := protocol.NewWriter(&ackConn{Conn: conn, timeout: l.timeout})

	name, err := in.ReadString()
	if err != nil {
		l.logger.Warnw("command_read_failed", "remote", remote, "error", err)
		return
	}

	factory, ok := l.registry.Lookup(name)
	if !ok {
		l.logger.Warnw("command_unknown", "remote", remote, "command", name)
		l.ack(out, remote, name)
		return
	}

	err = l.dispatch(ctx, factory, in, out)
	switch {
	case err == nil:
		if !out.Acked() {
			l.logger.Warnw("command_no_ack", "remote", remote, "command", name)
			l.ack(out, remote, name)
		}
	case isTeardown(err):
		l.logger.Warnw("command_connection_dropped", "remote", remote, "command", name, "error", err)
	default:
		l.logger.Errorw("command_failed", "remote", remote, "command", name, "error", err)
		if !out.Acked() {
			l.ack(out, remote, name)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, factory Factory, in *protocol.Reader, out *protocol.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in command handler: %v", r)
		}
	}()
	return factory(in, out).Execute(ctx)
}

func (l *Listener) ack(out *protocol.Writer, remote, name string) {
	if err := out.Ack(false); err != nil {
		l.logger.Debugw("command_ack_failed", "remote", remote, "command", name, "error", err)
	}
}

// ackConn refreshes the write deadline before every write.
type ackConn struct {
	net.Conn
	timeout time.Duration
}

func (c *ackConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// isTeardown reports whether err leaves the connection unusable.
func isTeardown(err error) bool {
	if errors.Is(err, protocol.ErrProtocolViolation) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
