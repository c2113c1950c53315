// Package protocol implements the framing of the engine's command protocol.
//
// All values are big-endian. A string is a uint16 byte length followed by the
// bytes, an int64 is eight bytes and a bool is a single 0 or 1 byte. Every
// exchange starts with the command name and ends with one ack string.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	AckOK  = "OK"
	AckERR = "ERR"
)

var (
	// ErrProtocolViolation marks input that does not follow the framing.
	// A connection that produced one is torn down without an ack.
	ErrProtocolViolation = errors.New("protocol: violation")
	ErrStringTooLong     = errors.New("protocol: string exceeds 65535 bytes")
	ErrAlreadyAcked      = errors.New("protocol: ack already written")
)

type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) ReadString() (string, error) {
	var n uint16
	if err := binary.Read(r.r, binary.BigEndian, &n); err != nil {
		return "", violation("string length", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", violation("string body", err)
	}
	return string(buf), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	var v int64
	if err := binary.Read(r.r, binary.BigEndian, &v); err != nil {
		return 0, violation("int64", err)
	}
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, violation("bool", err)
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: bool byte %#x", ErrProtocolViolation, b)
}

// ReadOptionalString reads a presence flag followed by a string. The string
// is always on the wire; it is discarded when the flag is false.
func (r *Reader) ReadOptionalString() (*string, error) {
	present, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	s, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return &s, nil
}

// ReadAck reads the peer's ack and reports whether it was OK.
func (r *Reader) ReadAck() (bool, error) {
	s, err := r.ReadString()
	if err != nil {
		return false, err
	}
	switch s {
	case AckOK:
		return true, nil
	case AckERR:
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected ack %q", ErrProtocolViolation, s)
}

func violation(what string, err error) error {
	return fmt.Errorf("%w: reading %s: %v", ErrProtocolViolation, what, err)
}

// Writer buffers outgoing values until Flush or Ack.
type Writer struct {
	w     *bufio.Writer
	acked bool
}

func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{w: bw}
	}
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := binary.Write(w.w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *Writer) WriteInt64(v int64) error {
	return binary.Write(w.w, binary.BigEndian, v)
}

func (w *Writer) WriteBool(v bool) error {
	var b byte
	if v {
		b = 1
	}
	return w.w.WriteByte(b)
}

// WriteOptionalString writes a presence flag and the string, empty when s is nil.
func (w *Writer) WriteOptionalString(s *string) error {
	if err := w.WriteBool(s != nil); err != nil {
		return err
	}
	if s == nil {
		return w.WriteString("")
	}
	return w.WriteString(*s)
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Ack writes OK or ERR and flushes. Only the first call writes.
func (w *Writer) Ack(ok bool) error {
	if w.acked {
		return ErrAlreadyAcked
	}
	w.acked = true
	s := AckERR
	if ok {
		s = AckOK
	}
	if err := w.WriteString(s); err != nil {
		return err
	}
	return w.Flush()
}

// Acked reports whether Ack has been called.
func (w *Writer) Acked() bool {
	return w.acked
}
