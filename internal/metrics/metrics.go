// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDuplicate prometheus.Counter
	MessagesMalformed prometheus.Counter
	StatusReports     *prometheus.CounterVec
	SyncRuns          *prometheus.CounterVec
	SyncedMessages    prometheus.Counter
	StreamState       *prometheus.GaugeVec
	StreamReconnects  prometheus.Counter
	StoredMessages    prometheus.Gauge

	mu        sync.Mutex
	lastState string
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_agent_messages_received_total",
			Help: "New unique messages stored, by source.",
		}, []string{"source"}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_agent_messages_duplicate_total",
			Help: "Delivered messages ignored because the dispatch id was already stored.",
		}),
		MessagesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_agent_messages_malformed_total",
			Help: "Payloads that could not be parsed.",
		}),
		StatusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_agent_status_reports_total",
			Help: "Status report calls, by result.",
		}, []string{"result"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_agent_sync_runs_total",
			Help: "Offline sync runs, by result.",
		}, []string{"result"}),
		SyncedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_agent_synced_messages_total",
			Help: "New messages stored by offline sync.",
		}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "push_agent_stream_state",
			Help: "1 for the current stream state, 0 otherwise.",
		}, []string{"state"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_agent_stream_disconnects_total",
			Help: "Times the stream left the connected state.",
		}),
		StoredMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_agent_stored_messages",
			Help: "Messages currently in the local store.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived, m.MessagesDuplicate, m.MessagesMalformed,
		m.StatusReports,
		m.SyncRuns, m.SyncedMessages,
		m.StreamState, m.StreamReconnects,
		m.StoredMessages,
	)

	return m
}

// Received counts a new unique message from source ("stream", "sync", "inbox").
func (m *Metrics) Received(source string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.MessagesReceived.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}

	m.MessagesDuplicate.Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}

	m.MessagesMalformed.Inc()
}

// Report counts a status report call.
func (m *Metrics) Report(ok bool) {
	if m == nil {
		return
	}

	m.StatusReports.WithLabelValues(result(ok)).Inc()
}

// Sync counts one offline sync run and the messages it stored.
func (m *Metrics) Sync(ok bool, stored int) {
	if m == nil {
		return
	}

	m.SyncRuns.WithLabelValues(result(ok)).Inc()

	if stored > 0 {
		m.SyncedMessages.Add(float64(stored))
	}
}

// Stream records the current stream state name. Leaving "connected"
// counts as a disconnect.
func (m *Metrics) Stream(state string) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastState == "connected" && state != "connected" {
		m.StreamReconnects.Inc()
	}

	m.lastState = state

	for _, s := range []string{"connected", "disconnected", "error"} {
		v := 0.0
		if s == state {
			v = 1
		}

		m.StreamState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Stored(n int) {
	if m == nil {
		return
	}

	m.StoredMessages.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}

	return "error"
}
