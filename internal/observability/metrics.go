package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncReceived()
	IncAcked()
	IncRejected()
	IncRequeued()
	IncPersistFailed()
	IncPublished()
	IncPublishFailed()
	IncConnectFailed()
}

// InMemoryMetrics keeps counters in process; the health responder reports them.
type InMemoryMetrics struct {
	Received      atomic.Int64
	Acked         atomic.Int64
	Rejected      atomic.Int64
	Requeued      atomic.Int64
	PersistFailed atomic.Int64
	Published     atomic.Int64
	PublishFailed atomic.Int64
	ConnectFailed atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncAcked() {
	m.Acked.Add(1)
}

func (m *InMemoryMetrics) IncRejected() {
	m.Rejected.Add(1)
}

func (m *InMemoryMetrics) IncRequeued() {
	m.Requeued.Add(1)
}

func (m *InMemoryMetrics) IncPersistFailed() {
	m.PersistFailed.Add(1)
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncConnectFailed() {
	m.ConnectFailed.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Received      int64 `json:"received"`
	Acked         int64 `json:"acked"`
	Rejected      int64 `json:"rejected"`
	Requeued      int64 `json:"requeued"`
	PersistFailed int64 `json:"persist_failed"`
	Published     int64 `json:"published,omitempty"`
	PublishFailed int64 `json:"publish_failed,omitempty"`
	ConnectFailed int64 `json:"connect_failed"`
}

func (m *InMemoryMetrics) Snapshot() Snapshot {
	return Snapshot{
		Received:      m.Received.Load(),
		Acked:         m.Acked.Load(),
		Rejected:      m.Rejected.Load(),
		Requeued:      m.Requeued.Load(),
		PersistFailed: m.PersistFailed.Load(),
		Published:     m.Published.Load(),
		PublishFailed: m.PublishFailed.Load(),
		ConnectFailed: m.ConnectFailed.Load(),
	}
}
