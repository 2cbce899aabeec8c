package options

import (
	"time"

	"github.com/alecthomas/units"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-exchange/net/blockwise"
	"github.com/plgd-dev/go-coap-exchange/net/transmission"
	"github.com/plgd-dev/go-coap-exchange/options/config"
	"github.com/plgd-dev/go-coap-exchange/pkg/metrics"
	"github.com/plgd-dev/go-coap-exchange/pkg/rand"
)

// Option modifies the configuration of a context.
type Option interface {
	Apply(cfg *config.Config)
}

// TransmissionOpt transmission options.
type TransmissionOpt struct {
	params transmission.Params
}

func (o TransmissionOpt) Apply(cfg *config.Config) {
	cfg.Transmission = o.params
	cfg.ReceiveTimeout = o.params.MaxTransmitWait()
}

// WithTransmission set options for (re)transmission of confirmable messages.
// The receive timeout is reset to the resulting MAX_TRANSMIT_WAIT, apply WithReceiveTimeout after it to override.
func WithTransmission(ackTimeout time.Duration, ackRandomFactor float64, maxRetransmit uint32) TransmissionOpt {
	return TransmissionOpt{
		params: transmission.Params{
			AckTimeout:      ackTimeout,
			AckRandomFactor: ackRandomFactor,
			MaxRetransmit:   maxRetransmit,
		},
	}
}

// BlockwiseOpt block-wise transfer options.
type BlockwiseOpt struct {
	enable          bool
	szx             blockwise.SZX
	transferTimeout time.Duration
}

func (o BlockwiseOpt) Apply(cfg *config.Config) {
	cfg.Blockwise.Enable = o.enable
	cfg.Blockwise.SZX = o.szx
	cfg.Blockwise.TransferTimeout = o.transferTimeout
}

// WithBlockwise configures block-wise transfer.
func WithBlockwise(enable bool, szx blockwise.SZX, transferTimeout time.Duration) BlockwiseOpt {
	return BlockwiseOpt{
		enable:          enable,
		szx:             szx,
		transferTimeout: transferTimeout,
	}
}

// EarlyBlock2NegotiationOpt controls Block2 in outgoing GET requests.
type EarlyBlock2NegotiationOpt struct {
	enable bool
}

func (o EarlyBlock2NegotiationOpt) Apply(cfg *config.Config) {
	cfg.Blockwise.EarlyBlock2Negotiation = o.enable
}

// WithEarlyBlock2Negotiation adds Block2 with the preferred block size to GET requests.
func WithEarlyBlock2Negotiation(enable bool) EarlyBlock2NegotiationOpt {
	return EarlyBlock2NegotiationOpt{enable: enable}
}

// MaxPayloadSizeOpt limits reassembled bodies.
type MaxPayloadSizeOpt struct {
	size units.Base2Bytes
}

func (o MaxPayloadSizeOpt) Apply(cfg *config.Config) {
	cfg.MaxPayloadSize = o.size
}

// WithMaxPayloadSize limits the size of a body reassembled from blocks.
func WithMaxPayloadSize(size units.Base2Bytes) MaxPayloadSizeOpt {
	return MaxPayloadSizeOpt{size: size}
}

// MaxMessageSizeOpt limits received messages.
type MaxMessageSizeOpt struct {
	size units.Base2Bytes
}

func (o MaxMessageSizeOpt) Apply(cfg *config.Config) {
	cfg.MaxMessageSize = o.size
}

// WithMaxMessageSize limits the size of a single message.
func WithMaxMessageSize(size units.Base2Bytes) MaxMessageSizeOpt {
	return MaxMessageSizeOpt{size: size}
}

// ReceiveTimeoutOpt receive timeout option.
type ReceiveTimeoutOpt struct {
	timeout time.Duration
}

func (o ReceiveTimeoutOpt) Apply(cfg *config.Config) {
	cfg.ReceiveTimeout = o.timeout
}

// WithReceiveTimeout bounds a single wait for incoming data.
func WithReceiveTimeout(timeout time.Duration) ReceiveTimeoutOpt {
	return ReceiveTimeoutOpt{timeout: timeout}
}

// LoggerFactoryOpt logger option.
type LoggerFactoryOpt struct {
	factory logging.LoggerFactory
}

func (o LoggerFactoryOpt) Apply(cfg *config.Config) {
	cfg.LoggerFactory = o.factory
}

// WithLoggerFactory sets the factory of the leveled logger used by the context.
func WithLoggerFactory(factory logging.LoggerFactory) LoggerFactoryOpt {
	return LoggerFactoryOpt{factory: factory}
}

// ErrorsOpt errors option.
type ErrorsOpt struct {
	errors config.ErrorFunc
}

func (o ErrorsOpt) Apply(cfg *config.Config) {
	cfg.Errors = o.errors
}

// WithErrors set function for logging error.
func WithErrors(errors config.ErrorFunc) ErrorsOpt {
	return ErrorsOpt{errors: errors}
}

// MetricsOpt metrics option.
type MetricsOpt struct {
	metrics *metrics.Metrics
}

func (o MetricsOpt) Apply(cfg *config.Config) {
	cfg.Metrics = o.metrics
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *metrics.Metrics) MetricsOpt {
	return MetricsOpt{metrics: m}
}

// ClockOpt clock option.
type ClockOpt struct {
	clock config.ClockFunc
}

func (o ClockOpt) Apply(cfg *config.Config) {
	cfg.Clock = o.clock
}

// WithClock replaces time.Now.
func WithClock(clock config.ClockFunc) ClockOpt {
	return ClockOpt{clock: clock}
}

// RandomOpt random source option.
type RandomOpt struct {
	source rand.Source
}

func (o RandomOpt) Apply(cfg *config.Config) {
	cfg.Rand = o.source
}

// WithRandom sets the source of the initial retransmission timeout jitter.
func WithRandom(source rand.Source) RandomOpt {
	return RandomOpt{source: source}
}

// GetTokenOpt token option.
type GetTokenOpt struct {
	getToken config.GetTokenFunc
}

func (o GetTokenOpt) Apply(cfg *config.Config) {
	cfg.GetToken = o.getToken
}

// WithGetToken set function for generating tokens.
func WithGetToken(getToken config.GetTokenFunc) GetTokenOpt {
	return GetTokenOpt{getToken: getToken}
}

// GetMIDOpt message id option.
type GetMIDOpt struct {
	getMID config.GetMIDFunc
}

func (o GetMIDOpt) Apply(cfg *config.Config) {
	cfg.GetMID = o.getMID
}

// WithGetMID set function for generating the first message id.
func WithGetMID(getMID config.GetMIDFunc) GetMIDOpt {
	return GetMIDOpt{getMID: getMID}
}

// AllowUnknownCriticalOptionsOpt encoding option.
type AllowUnknownCriticalOptionsOpt struct {
	allow bool
}

func (o AllowUnknownCriticalOptionsOpt) Apply(cfg *config.Config) {
	cfg.AllowUnknownCriticalOptions = o.allow
}

// WithAllowUnknownCriticalOptions permits sending and receiving messages with options this endpoint
// does not understand. Such requests are passed to the handler instead of being answered with 4.02.
func WithAllowUnknownCriticalOptions(allow bool) AllowUnknownCriticalOptionsOpt {
	return AllowUnknownCriticalOptionsOpt{allow: allow}
}

// ConfigOpt replaces the whole configuration.
type ConfigOpt struct {
	cfg config.Config
}

func (o ConfigOpt) Apply(cfg *config.Config) {
	*cfg = o.cfg
}

// WithConfig starts from cfg, e.g. the result of config.FromEnv. Options applied after it
// override single values.
func WithConfig(cfg config.Config) ConfigOpt {
	return ConfigOpt{cfg: cfg}
}
