package net

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

// DatagramSocket is a Socket over a connected packet oriented net.Conn (UDP or DTLS).
type DatagramSocket struct {
	conn   net.Conn
	closed atomic.Bool
}

func NewDatagramSocket(conn net.Conn) *DatagramSocket {
	return &DatagramSocket{conn: conn}
}

func (s *DatagramSocket) Send(data []byte) error {
	n, err := s.conn.Write(data)
	if err != nil {
		return fmt.Errorf("cannot send datagram: %w", classifyError(err))
	}
	if n != len(data) {
		return fmt.Errorf("cannot send datagram: %w (%v of %v bytes)", ErrShortWrite, n, len(data))
	}
	return nil
}

func (s *DatagramSocket) Receive(buf []byte, timeout time.Duration) (int, error) {
	return receive(s.conn, buf, timeout)
}

func receive(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("cannot set read deadline: %w", classifyError(err))
	}
	n, err := conn.Read(buf)
	if err != nil {
		return n, classifyError(err)
	}
	return n, nil
}

func (s *DatagramSocket) Reliable() bool {
	return false
}

// RemoteAddr returns the remote network address. The Addr returned is shared by all invocations of RemoteAddr, so do not modify it.
func (s *DatagramSocket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *DatagramSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *DatagramSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
