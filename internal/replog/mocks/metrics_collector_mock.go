package mocks

import (
	"sync"
	"time"

	"replicated-log/internal/replog"
)

// MockMetricsCollector is a mock implementation of replog.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                  sync.RWMutex
	EntriesAppended     int
	EntriesCommitted    uint64
	CommitLatencies     []time.Duration
	AppendEntriesCount  int
	EntriesSent         int
	HeartbeatCount      int
	Rejections          map[replog.RejectReason]int
	TransportErrorCount int
	StepDownCount       int
	Dispatches          int
	DispatchErrors      int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		CommitLatencies: make([]time.Duration, 0),
		Rejections:      make(map[replog.RejectReason]int),
	}
}

func (m *MockMetricsCollector) RecordEntryAppended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EntriesAppended++
}

func (m *MockMetricsCollector) RecordEntriesCommitted(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EntriesCommitted += n
}

func (m *MockMetricsCollector) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

func (m *MockMetricsCollector) RecordAppendEntries(_ replog.ParticipantID, entries int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
	m.EntriesSent += entries
}

func (m *MockMetricsCollector) RecordHeartbeat(_ replog.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordRejection(reason replog.RejectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejections[reason]++
}

func (m *MockMetricsCollector) RecordTransportError(_ replog.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransportErrorCount++
}

func (m *MockMetricsCollector) RecordStepDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StepDownCount++
}

func (m *MockMetricsCollector) RecordDispatch(_ replog.ParticipantID, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dispatches++
	if err != nil {
		m.DispatchErrors++
	}
}

// RejectionCount returns how many rejections with reason were recorded
func (m *MockMetricsCollector) RejectionCount(reason replog.RejectReason) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Rejections[reason]
}

// TransportErrors returns the number of recorded transport errors
func (m *MockMetricsCollector) TransportErrors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TransportErrorCount
}

// StepDowns returns the number of recorded step-downs
func (m *MockMetricsCollector) StepDowns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.StepDownCount
}

func (m *MockMetricsCollector) Committed() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.EntriesCommitted
}

func (m *MockMetricsCollector) CommitLatencyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.CommitLatencies)
}
