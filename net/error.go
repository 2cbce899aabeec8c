package net

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
)

var (
	ErrListenerIsClosed = errors.New("listen socket was closed")
	ErrShortWrite       = errors.New("message was written partially")
)

// https://github.com/golang/go/blob/958e212db799e609b2a8df51cdd85c9341e7a404/src/internal/poll/fd.go#L43
const ioTimeout = "i/o timeout"

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), ioTimeout)
}

// classifyError maps a socket error to the error taxonomy of the engine, the original error stays wrapped.
func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", coapErrors.ErrConnectionClosed, err)
	case IsConnectionRefusedError(err):
		return fmt.Errorf("%w: %w", coapErrors.ErrConnectionRefused, err)
	case IsConnectionBrokenError(err):
		return fmt.Errorf("%w: %w", coapErrors.ErrConnectionReset, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %w", coapErrors.ErrReceiveTimedOut, err)
	}
	return err
}
