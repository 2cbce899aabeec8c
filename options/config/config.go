package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/units"
	"github.com/caarlos0/env/v11"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-exchange/message"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/transmission"
	"github.com/plgd-dev/go-coap-exchange/pkg/math"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
	"github.com/plgd-dev/go-coap-exchange/pkg/rand"
)

type (
	ErrorFunc    = func(error)
	ClockFunc    = func() time.Time
	GetTokenFunc = func() (message.Token, error)
	GetMIDFunc   = func() int32
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Blockwise struct {
	Enable bool
	SZX    blockwise.SZX
	// TransferTimeout bounds how long the state of a block-wise transfer served to the peer is kept.
	TransferTimeout time.Duration
	// EarlyBlock2Negotiation adds Block2 with the preferred size to GET requests.
	EarlyBlock2Negotiation bool
}

// Config of a context.
type Config struct {
	Transmission transmission.Params
	Blockwise    Blockwise
	// MaxPayloadSize limits the size of a reassembled body.
	MaxPayloadSize units.Base2Bytes
	// MaxMessageSize limits the size of a received message.
	MaxMessageSize units.Base2Bytes
	// ReceiveTimeout bounds a single wait for data on the socket.
	ReceiveTimeout time.Duration
	// AllowUnknownCriticalOptions skips the check of unknown critical options when messages
	// are encoded and decoded. Requests carrying them reach the handler instead of being
	// answered with 4.02 Bad Option.
	AllowUnknownCriticalOptions bool

	LoggerFactory logging.LoggerFactory
	Errors        ErrorFunc
	Metrics       *metrics.Metrics
	Clock         ClockFunc
	Rand          rand.Source
	GetToken      GetTokenFunc
	GetMID        GetMIDFunc
}

func New() Config {
	params := transmission.DefaultParams()
	return Config{
		Transmission: params,
		Blockwise: Blockwise{
			Enable:                 true,
			SZX:                    blockwise.SZX1024,
			TransferTimeout:        time.Second * 3,
			EarlyBlock2Negotiation: true,
		},
		MaxPayloadSize: 64 * units.KiB,
		MaxMessageSize: 64 * units.KiB,
		ReceiveTimeout: params.MaxTransmitWait(),
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
		Errors: func(error) {
			// default no-op
		},
		Clock:    time.Now,
		Rand:     rand.NewRand(time.Now().UnixNano()),
		GetToken: message.GetToken,
		GetMID:   message.RandMID,
	}
}

func (c Config) Validate() error {
	if err := c.Transmission.Validate(); err != nil {
		return err
	}
	if !c.Blockwise.SZX.Valid() {
		return fmt.Errorf("%w: block size %v", ErrInvalidConfig, c.Blockwise.SZX)
	}
	if _, err := math.SafeCastTo[uint32](c.MaxPayloadSize); err != nil || c.MaxPayloadSize <= 0 {
		return fmt.Errorf("%w: max payload size %v", ErrInvalidConfig, c.MaxPayloadSize)
	}
	if _, err := math.SafeCastTo[uint32](c.MaxMessageSize); err != nil || c.MaxMessageSize < 64 {
		return fmt.Errorf("%w: max message size %v", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: receive timeout %v", ErrInvalidConfig, c.ReceiveTimeout)
	}
	return nil
}

// envConfig are the knobs loadable from the environment.
type envConfig struct {
	AckTimeout             time.Duration `env:"ACK_TIMEOUT"`
	AckRandomFactor        float64       `env:"ACK_RANDOM_FACTOR"`
	MaxRetransmit          uint32        `env:"MAX_RETRANSMIT"`
	BlockwiseEnable        bool          `env:"BLOCKWISE_ENABLE"`
	BlockSize              byteSize      `env:"BLOCKWISE_BLOCK_SIZE"`
	BlockwiseTimeout       time.Duration `env:"BLOCKWISE_TRANSFER_TIMEOUT"`
	EarlyBlock2Negotiation bool          `env:"BLOCKWISE_EARLY_BLOCK2"`
	MaxPayloadSize         byteSize      `env:"MAX_PAYLOAD_SIZE"`
	MaxMessageSize         byteSize      `env:"MAX_MESSAGE_SIZE"`
	ReceiveTimeout         time.Duration `env:"RECEIVE_TIMEOUT"`
}

// byteSize is a size read from the environment, either a plain byte count or a value with
// a base 2 unit such as 64KiB.
type byteSize units.Base2Bytes

func (b *byteSize) UnmarshalText(text []byte) error {
	if n, err := strconv.ParseInt(string(text), 10, 64); err == nil {
		*b = byteSize(n)
		return nil
	}
	v, err := units.ParseBase2Bytes(string(text))
	if err != nil {
		return err
	}
	*b = byteSize(v)
	return nil
}

// FromEnv returns the default configuration overridden by environment variables with the prefix,
// e.g. COAP_ACK_TIMEOUT=3s or COAP_MAX_PAYLOAD_SIZE=1MiB.
func FromEnv(prefix string) (Config, error) {
	cfg := New()
	e := envConfig{
		AckTimeout:             cfg.Transmission.AckTimeout,
		AckRandomFactor:        cfg.Transmission.AckRandomFactor,
		MaxRetransmit:          cfg.Transmission.MaxRetransmit,
		BlockwiseEnable:        cfg.Blockwise.Enable,
		BlockSize:              byteSize(cfg.Blockwise.SZX.Size()),
		BlockwiseTimeout:       cfg.Blockwise.TransferTimeout,
		EarlyBlock2Negotiation: cfg.Blockwise.EarlyBlock2Negotiation,
		MaxPayloadSize:         byteSize(cfg.MaxPayloadSize),
		MaxMessageSize:         byteSize(cfg.MaxMessageSize),
		ReceiveTimeout:         0,
	}
	err := env.ParseWithOptions(&e, env.Options{Prefix: prefix})
	if err != nil {
		return Config{}, fmt.Errorf("cannot load configuration from environment: %w", err)
	}
	szx, err := blockwise.SZXFromSize(int64(e.BlockSize))
	if err != nil {
		return Config{}, fmt.Errorf("%w: block size %v: %w", ErrInvalidConfig, units.Base2Bytes(e.BlockSize), err)
	}
	cfg.Transmission = transmission.Params{
		AckTimeout:      e.AckTimeout,
		AckRandomFactor: e.AckRandomFactor,
		MaxRetransmit:   e.MaxRetransmit,
	}
	cfg.Blockwise = Blockwise{
		Enable:                 e.BlockwiseEnable,
		SZX:                    szx,
		TransferTimeout:        e.BlockwiseTimeout,
		EarlyBlock2Negotiation: e.EarlyBlock2Negotiation,
	}
	cfg.MaxPayloadSize = units.Base2Bytes(e.MaxPayloadSize)
	cfg.MaxMessageSize = units.Base2Bytes(e.MaxMessageSize)
	cfg.ReceiveTimeout = cfg.Transmission.MaxTransmitWait()
	if e.ReceiveTimeout > 0 {
		cfg.ReceiveTimeout = e.ReceiveTimeout
	}
	return cfg, cfg.Validate()
}
