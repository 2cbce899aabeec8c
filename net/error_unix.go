//go:build !plan9

package net

import (
	"errors"
	"syscall"
)

// IsConnectionBrokenError checks if error returned by operation on a socket failed because
// the other side has closed the connection.
func IsConnectionBrokenError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED)
}

// IsConnectionRefusedError checks if the peer rejected the message, e.g. an ICMP port unreachable
// received for a datagram sent before.
func IsConnectionRefusedError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
