package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

var ErrSessionUsed = errors.New("protocol: session already carried a command")

// Session is the client side of one exchange: a connection that carries a
// single command and its ack.
type Session struct {
	conn      net.Conn
	in        *Reader
	out       *Writer
	ioTimeout time.Duration

	mu   sync.Mutex
	used bool

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to address. connectTimeout bounds the connect and ioTimeout
// bounds the exchange; zero disables either.
func Dial(ctx context.Context, address string, connectTimeout, ioTimeout time.Duration) (*Session, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, ioTimeout), nil
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, ioTimeout time.Duration) *Session {
	return &Session{
		conn:      conn,
		in:        NewReader(conn),
		out:       NewWriter(conn),
		ioTimeout: ioTimeout,
	}
}

// Call sends the command name followed by whatever encode writes, then reads
// the ack. It reports whether the peer answered OK.
func (s *Session) Call(ctx context.Context, name string, encode func(w *Writer) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return false, ErrSessionUsed
	}
	s.used = true

	if deadline, ok := s.deadline(ctx); ok {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return false, err
		}
	}

	// unblock the exchange if the caller gives up early
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := s.out.WriteString(name); err != nil {
		return false, err
	}
	if encode != nil {
		if err := encode(s.out); err != nil {
			return false, err
		}
	}
	if err := s.out.Flush(); err != nil {
		return false, err
	}
	ok, err := s.in.ReadAck()
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return ok, err
}

func (s *Session) deadline(ctx context.Context) (time.Time, bool) {
	var deadline time.Time
	if s.ioTimeout > 0 {
		deadline = time.Now().Add(s.ioTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline, !deadline.IsZero()
}

// Close releases the connection. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
