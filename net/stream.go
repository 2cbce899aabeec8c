package net

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

// StreamSocket is a Socket over a stream oriented net.Conn (TCP or TLS).
type StreamSocket struct {
	conn       net.Conn
	readBuffer *bufio.Reader
	closed     atomic.Bool
}

func NewStreamSocket(conn net.Conn) *StreamSocket {
	return &StreamSocket{
		conn:       conn,
		readBuffer: bufio.NewReaderSize(conn, 2048),
	}
}

// Send writes all data, the write is never silently resumed after a failure.
func (s *StreamSocket) Send(data []byte) error {
	written := 0
	for written < len(data) {
		n, err := s.conn.Write(data[written:])
		written += n
		if err != nil {
			return fmt.Errorf("cannot send %v bytes, %v written: %w", len(data), written, classifyError(err))
		}
	}
	return nil
}

func (s *StreamSocket) Receive(buf []byte, timeout time.Duration) (int, error) {
	if s.readBuffer.Buffered() > 0 {
		return s.readBuffer.Read(buf)
	}
	if err := s.setReadDeadline(timeout); err != nil {
		return 0, err
	}
	n, err := s.readBuffer.Read(buf)
	if err != nil {
		return n, classifyError(err)
	}
	return n, nil
}

// Peek returns the next n bytes without consuming them.
func (s *StreamSocket) Peek(n int, timeout time.Duration) ([]byte, error) {
	if s.readBuffer.Buffered() < n {
		if err := s.setReadDeadline(timeout); err != nil {
			return nil, err
		}
	}
	b, err := s.readBuffer.Peek(n)
	if err != nil {
		return b, classifyError(err)
	}
	return b, nil
}

func (s *StreamSocket) setReadDeadline(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("cannot set read deadline: %w", classifyError(err))
	}
	return nil
}

func (s *StreamSocket) Reliable() bool {
	return true
}

// RemoteAddr returns the remote network address. The Addr returned is shared by all invocations of RemoteAddr, so do not modify it.
func (s *StreamSocket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *StreamSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *StreamSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
