package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/message/codes"
	coapErrors "github.com/plgd-dev/go-coap-exchange/pkg/errors"
	"github.com/plgd-dev/go-coap-exchange/pkg/math"
)

// Options of the Capabilities and Settings Message: https://www.rfc-editor.org/rfc/rfc8323#section-5.3
const (
	optionMaxMessageSize    message.OptionID = 2
	optionBlockWiseTransfer message.OptionID = 4

	// csmHeadroom is reserved for the header and options of a message carrying a block.
	csmHeadroom = 128
)

func signal(code codes.Code, token message.Token) *message.Message {
	return &message.Message{Code: code, Token: token, Type: message.Unset, MessageID: -1}
}

// sendCSM announces the capabilities of this endpoint once per stream.
func (c *Context) sendCSM() error {
	if !c.reliable() || c.csmSent {
		return nil
	}
	c.csmSent = true
	csm := signal(codes.CSM, nil)
	csm.Options = csm.Options.SetUint32(optionMaxMessageSize, math.MustSafeCastTo[uint32](c.cfg.MaxMessageSize))
	if c.cfg.Blockwise.Enable {
		csm.Options = csm.Options.Set(message.Option{ID: optionBlockWiseTransfer})
	}
	if _, err := c.write(csm); err != nil {
		return fmt.Errorf("cannot send capabilities: %w", err)
	}
	return nil
}

func (c *Context) handleSignal(m *message.Message) error {
	switch m.Code {
	case codes.CSM:
		if v, err := m.Options.GetUint32(optionMaxMessageSize); err == nil {
			c.peerMaxMessageSize = v
			c.log.Debugf("%v accepts messages up to %v bytes", c.peer, v)
		}
	case codes.Ping:
		if _, err := c.write(signal(codes.Pong, m.Token)); err != nil {
			return fmt.Errorf(errFmtWriteResponse, err)
		}
	case codes.Release, codes.Abort:
		c.log.Infof("%v closed the connection with %v: %s", c.peer, m.Code, m.Payload)
		err := fmt.Errorf("%w: %v received", coapErrors.ErrConnectionClosed, m.Code)
		c.abortAll(err)
		return err
	}
	return nil
}
