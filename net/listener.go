package net

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
)

const defaultAcceptHeartBeat = 200 * time.Millisecond

// TCPListener accepts stream sockets of a reliable transport. Accept wakes up every heartBeat
// to check the context and the closed flag.
type TCPListener struct {
	ln        *net.TCPListener
	heartBeat time.Duration
	closed    atomic.Bool
}

// NewTCPListener listens on addr. network is one of "tcp", "tcp4" or "tcp6".
func NewTCPListener(network string, addr string, heartBeat time.Duration) (*TCPListener, error) {
	ln, err := listenTCP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %v: %w", addr, err)
	}
	if heartBeat <= 0 {
		heartBeat = defaultAcceptHeartBeat
	}
	return &TCPListener{ln: ln, heartBeat: heartBeat}, nil
}

func listenTCP(network, addr string) (*net.TCPListener, error) {
	a, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP(network, a)
}

func (l *TCPListener) acceptOnce() (net.Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(l.heartBeat)); err != nil {
		return nil, err
	}
	return l.ln.Accept()
}

// Accept blocks until a peer connects, ctx is done or the listener is closed.
func (l *TCPListener) Accept(ctx context.Context) (*StreamSocket, error) {
	for !l.closed.Load() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := l.acceptOnce()
		switch {
		case err == nil:
			return NewStreamSocket(conn), nil
		case isTimeout(err):
		default:
			return nil, fmt.Errorf("cannot accept connection: %w", err)
		}
	}
	return nil, ErrListenerIsClosed
}

// Close stops accepting. Calling it again is a no-op.
func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
