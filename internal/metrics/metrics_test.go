package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("stream", 1)
		m.Duplicate()
		m.Malformed()
		m.Report(true)
		m.Sync(false, 0)
		m.Stream("connected")
		m.Stored(3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Received("stream", 2)
	m.Received("sync", 3)
	m.Received("sync", 0)
	m.Duplicate()
	m.Malformed()
	m.Report(true)
	m.Report(false)
	m.Report(false)
	m.Sync(true, 4)
	m.Stored(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("stream")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDuplicate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesMalformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusReports.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatusReports.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues("ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SyncedMessages))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.StoredMessages))
}

func TestStreamState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Stream("disconnected")
	m.Stream("connected")
	m.Stream("error")
	m.Stream("connected")
	m.Stream("disconnected")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamState.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamState.WithLabelValues("disconnected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamReconnects))
}
