// Package metrics provides Prometheus instrumentation of the exchange engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	ResultCompleted = "completed"
	ResultTimedOut  = "timed_out"
	ResultFailed    = "failed"
	ResultCanceled  = "canceled"
)

// Metrics holds the counters of the engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Messages          *prometheus.CounterVec
	Exchanges         *prometheus.CounterVec
	BlockTransfers    *prometheus.CounterVec
	Retransmissions   prometheus.Counter
	Duplicates        prometheus.Counter
	MalformedMessages prometheus.Counter
}

// New registers the metrics at reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "coap"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages",
			},
			[]string{"direction", "type"},
		),
		Exchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of finished exchanges",
			},
			[]string{"role", "result"},
		),
		BlockTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Total number of finished block-wise transfers",
			},
			[]string{"direction", "result"},
		),
		Retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of retransmitted confirmable messages",
			},
		),
		Duplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Total number of received duplicate messages",
			},
		),
		MalformedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_messages_total",
				Help:      "Total number of dropped malformed messages",
			},
		),
	}
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ExchangeFinished(role, result string) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(role, result).Inc()
}

func (m *Metrics) BlockTransferFinished(direction, result string) {
	if m == nil {
		return
	}
	m.BlockTransfers.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) Retransmitted() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.MalformedMessages.Inc()
}
