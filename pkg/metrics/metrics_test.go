package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.Retransmitted()
	m.Retransmitted()
	m.Duplicate()
	m.Malformed()
	m.Message(DirectionOut, "CON")
	m.ExchangeFinished("client", ResultTimedOut)
	m.BlockTransferFinished(DirectionIn, ResultCompleted)

	require.Equal(t, float64(2), testutil.ToFloat64(m.Retransmissions))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Duplicates))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MalformedMessages))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Messages.WithLabelValues(DirectionOut, "CON")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Exchanges.WithLabelValues("client", ResultTimedOut)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.BlockTransfers.WithLabelValues(DirectionIn, ResultCompleted)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Retransmitted()
		m.Duplicate()
		m.Malformed()
		m.Message(DirectionIn, "ACK")
		m.ExchangeFinished("server", ResultCompleted)
		m.BlockTransferFinished(DirectionOut, ResultFailed)
	})
}
