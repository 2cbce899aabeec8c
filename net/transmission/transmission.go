package transmission

import (
	"errors"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap-exchange/pkg/rand"
)

// Default transmission parameters: https://www.rfc-editor.org/rfc/rfc7252#section-4.8
const (
	DefaultAckTimeout      = time.Second * 2
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4

	// MaxLatency is the maximum time a datagram is expected to take from the start of its transmission
	// to the completion of its reception.
	MaxLatency = time.Second * 100
)

var ErrInvalidParams = errors.New("invalid transmission parameters")

// Params are the CoAP transmission parameters of a context.
type Params struct {
	AckTimeout      time.Duration `env:"ACK_TIMEOUT"`
	AckRandomFactor float64       `env:"ACK_RANDOM_FACTOR"`
	MaxRetransmit   uint32        `env:"MAX_RETRANSMIT"`
}

func DefaultParams() Params {
	return Params{
		AckTimeout:      DefaultAckTimeout,
		AckRandomFactor: DefaultAckRandomFactor,
		MaxRetransmit:   DefaultMaxRetransmit,
	}
}

func (p Params) Validate() error {
	if p.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout %v", ErrInvalidParams, p.AckTimeout)
	}
	if p.AckRandomFactor < 1 {
		return fmt.Errorf("%w: ack random factor %v", ErrInvalidParams, p.AckRandomFactor)
	}
	if p.MaxRetransmit > 16 {
		return fmt.Errorf("%w: max retransmit %v", ErrInvalidParams, p.MaxRetransmit)
	}
	return nil
}

func (p Params) scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * p.AckRandomFactor)
}

// MaxTransmitSpan is the maximum time from the first transmission of a confirmable message to its last retransmission.
func (p Params) MaxTransmitSpan() time.Duration {
	return p.scale(p.AckTimeout * time.Duration((uint64(1)<<p.MaxRetransmit)-1))
}

// MaxTransmitWait is the maximum time from the first transmission of a confirmable message to the time
// when the sender gives up on receiving an acknowledgement or reset.
func (p Params) MaxTransmitWait() time.Duration {
	return p.scale(p.AckTimeout * time.Duration((uint64(1)<<(p.MaxRetransmit+1))-1))
}

// ExchangeLifetime is the time from starting to send a confirmable message to the time when an
// acknowledgement is no longer expected. Duplicates are detected within this window.
func (p Params) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*MaxLatency + p.AckTimeout
}

// Record is the retransmission state of one confirmable message.
type Record struct {
	BaseTimeout time.Duration
	Factor      uint32
	Attempts    uint32
	MaxAttempts uint32
	LastSend    time.Time
	acked       bool
}

// NewRecord creates a record for a message sent at now.
// The initial timeout is chosen from [AckTimeout, AckTimeout*AckRandomFactor].
func NewRecord(p Params, src rand.Source, now time.Time) *Record {
	base := p.AckTimeout
	if p.AckRandomFactor > 1 && src != nil {
		base += time.Duration(float64(p.AckTimeout) * (p.AckRandomFactor - 1) * src.Float64())
	}
	return &Record{
		BaseTimeout: base,
		Factor:      1,
		MaxAttempts: p.MaxRetransmit,
		LastSend:    now,
	}
}

// Timeout returns the current timeout, it doubles with every retransmission.
func (r *Record) Timeout() time.Duration {
	return r.BaseTimeout * time.Duration(r.Factor)
}

// NextDeadline returns the time of the next retransmission, or the time when the message is
// given up when all retransmissions were used.
func (r *Record) NextDeadline() time.Time {
	return r.LastSend.Add(r.Timeout())
}

// OnAck stops the retransmission.
func (r *Record) OnAck() {
	r.acked = true
}

// Active reports whether the message still waits for an acknowledgement.
func (r *Record) Active() bool {
	return !r.acked
}

// Decision tells the owner of a Record what to do when a timer fired.
type Decision struct {
	// Retransmit is set when the message has to be sent again now.
	Retransmit bool
	// Exhausted is set when all retransmissions were used, the exchange failed.
	Exhausted bool
	// Deadline is the next time the record has to be checked.
	Deadline time.Time
}

// OnTimeout evaluates the record at now.
func (r *Record) OnTimeout(now time.Time) Decision {
	if r.acked {
		return Decision{}
	}
	deadline := r.NextDeadline()
	if now.Before(deadline) {
		return Decision{Deadline: deadline}
	}
	if r.Attempts >= r.MaxAttempts {
		return Decision{Exhausted: true}
	}
	r.Attempts++
	r.Factor *= 2
	r.LastSend = now
	return Decision{Retransmit: true, Deadline: r.NextDeadline()}
}
