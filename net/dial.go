package net

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/dtls/v2"
)

// DialUDP creates a datagram socket connected to addr.
// Known networks are "udp", "udp4" (IPv4-only), "udp6" (IPv6-only).
func DialUDP(ctx context.Context, network, addr string) (*DatagramSocket, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", addr, classifyError(err))
	}
	return NewDatagramSocket(c), nil
}

// DialTCP creates a stream socket connected to addr.
// Known networks are "tcp", "tcp4" (IPv4-only), "tcp6" (IPv6-only).
func DialTCP(ctx context.Context, network, addr string) (*StreamSocket, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", addr, classifyError(err))
	}
	return NewStreamSocket(c), nil
}

// DialDTLS creates a datagram socket secured by DTLS. The handshake is finished before it returns.
func DialDTLS(ctx context.Context, network, addr string, cfg *dtls.Config) (*DatagramSocket, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", addr, classifyError(err))
	}
	conn, err := dtls.ClientWithContext(ctx, c, cfg)
	if err != nil {
		var errs *multierror.Error
		errs = multierror.Append(errs, fmt.Errorf("cannot DTLS handshake with %v: %w", addr, err))
		if errC := c.Close(); errC != nil {
			errs = multierror.Append(errs, errC)
		}
		return nil, errs.ErrorOrNil()
	}
	return NewDatagramSocket(conn), nil
}
