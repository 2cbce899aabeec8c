package net

import (
	"net"
	"time"
)

// Socket is the transport a context sends and receives CoAP messages on.
//
// A Socket is connected to a single peer and is driven by a single flow of control.
type Socket interface {
	// Send writes the whole message. A partial write is reported as an error.
	Send(data []byte) error
	// Receive reads available data into buf and waits at most timeout. A zero timeout waits forever.
	// Datagram sockets return one datagram per call, stream sockets return whatever bytes are available.
	Receive(buf []byte, timeout time.Duration) (int, error)
	// Reliable reports whether the socket is stream oriented. Messages on reliable sockets
	// are framed according to RFC 8323 and are never retransmitted.
	Reliable() bool
	RemoteAddr() net.Addr
	Close() error
}
