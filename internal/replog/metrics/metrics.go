package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/armon/go-metrics"

	"replicated-log/internal/replog"
)

// ServiceName prefixes every key emitted to the go-metrics sink
const ServiceName = "replog"

// Metrics collects replication metrics for a single participant. It implements
// replog.MetricsCollector and mirrors every observation into an in-memory
// go-metrics sink.
type Metrics struct {
	mu sync.RWMutex

	// Commit latencies (time from append to commit)
	commitLatencies []time.Duration

	// Replication RPCs, split by payload
	appendEntriesCount atomic.Uint64
	entriesShipped     atomic.Uint64
	heartbeatCount     atomic.Uint64

	rejections      atomic.Uint64
	transportErrors atomic.Uint64
	stepDowns       atomic.Uint64

	// Requests passed through the manager's per-target dispatch
	dispatches     atomic.Uint64
	dispatchErrors atomic.Uint64

	// Throughput tracking
	entriesAppended  atomic.Uint64
	entriesCommitted atomic.Uint64
	startTime        time.Time

	sink *gometrics.InmemSink
	sm   *gometrics.Metrics
}

var _ replog.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)

	conf := gometrics.DefaultConfig(ServiceName)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false

	// New only fails when the runtime collector cannot start, which is disabled above
	sm, _ := gometrics.New(conf, sink)

	return &Metrics{
		commitLatencies: make([]time.Duration, 0, 1024),
		startTime:       time.Now(),
		sink:            sink,
		sm:              sm,
	}
}

// Sink exposes the in-memory go-metrics sink the collector writes to
func (m *Metrics) Sink() *gometrics.InmemSink {
	return m.sink
}

func (m *Metrics) RecordEntryAppended() {
	m.entriesAppended.Add(1)
	m.sm.IncrCounter([]string{"entries", "appended"}, 1)
}

func (m *Metrics) RecordEntriesCommitted(n uint64) {
	m.entriesCommitted.Add(n)
	m.sm.IncrCounter([]string{"entries", "committed"}, float32(n))
}

// RecordCommitLatency records how long an entry waited between append and commit
func (m *Metrics) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()

	m.sm.AddSample([]string{"commit", "latency"}, float32(latency.Microseconds())/1000)
}

// RecordAppendEntries counts a successful AppendEntries round trip that carried entries
func (m *Metrics) RecordAppendEntries(target replog.ParticipantID, entries int, latency time.Duration) {
	m.appendEntriesCount.Add(1)
	m.entriesShipped.Add(uint64(entries))

	labels := []gometrics.Label{{Name: "target", Value: string(target)}}
	m.sm.IncrCounterWithLabels([]string{"replication", "appendEntries", "logs"}, float32(entries), labels)
	m.sm.AddSampleWithLabels([]string{"replication", "appendEntries", "rpc"}, float32(latency.Microseconds())/1000, labels)
}

func (m *Metrics) RecordHeartbeat(target replog.ParticipantID) {
	m.heartbeatCount.Add(1)
	m.sm.IncrCounterWithLabels([]string{"replication", "heartbeat"}, 1,
		[]gometrics.Label{{Name: "target", Value: string(target)}})
}

func (m *Metrics) RecordRejection(reason replog.RejectReason) {
	m.rejections.Add(1)
	m.sm.IncrCounterWithLabels([]string{"replication", "rejected"}, 1,
		[]gometrics.Label{{Name: "reason", Value: reason.String()}})
}

func (m *Metrics) RecordTransportError(target replog.ParticipantID) {
	m.transportErrors.Add(1)
	m.sm.IncrCounterWithLabels([]string{"replication", "transportError"}, 1,
		[]gometrics.Label{{Name: "target", Value: string(target)}})
}

func (m *Metrics) RecordStepDown() {
	m.stepDowns.Add(1)
	m.sm.IncrCounter([]string{"leader", "stepDown"}, 1)
}

// RecordDispatch times one request through the manager's dispatch slot, failed or not
func (m *Metrics) RecordDispatch(target replog.ParticipantID, latency time.Duration, err error) {
	m.dispatches.Add(1)

	labels := []gometrics.Label{{Name: "target", Value: string(target)}}
	m.sm.AddSampleWithLabels([]string{"dispatch"}, float32(latency.Microseconds())/1000, labels)
	if err != nil {
		m.dispatchErrors.Add(1)
		m.sm.IncrCounterWithLabels([]string{"dispatch", "error"}, 1, labels)
	}
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded commit latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.commitLatencies))
	copy(latencies, m.commitLatencies)
	m.mu.RUnlock()

	return latencyStats(latencies)
}

func latencyStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	ms := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms[i] = float64(lat.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns committed entries per second since start or the last Reset
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.entriesCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	Participant replog.ParticipantID `json:"participant"`
	ClusterSize int                  `json:"cluster_size"`
	Duration    float64              `json:"duration_seconds"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     time.Time            `json:"end_time"`

	EntriesAppended  uint64  `json:"entries_appended"`
	EntriesCommitted uint64  `json:"entries_committed"`
	ThroughputPerSec float64 `json:"throughput_entries_per_sec"`

	CommitLatency LatencyStats `json:"commit_latency"`

	AppendEntriesCount uint64 `json:"append_entries_count"`
	EntriesShipped     uint64 `json:"entries_shipped"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`
	RejectionCount     uint64 `json:"rejection_count"`
	TransportErrors    uint64 `json:"transport_errors"`
	StepDowns          uint64 `json:"step_downs"`
	Dispatches         uint64 `json:"dispatches"`
	DispatchErrors     uint64 `json:"dispatch_errors"`
}

// GetReport generates a report for the participant that owns this collector
func (m *Metrics) GetReport(participant replog.ParticipantID, clusterSize int) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	end := time.Now()

	return Report{
		Participant:        participant,
		ClusterSize:        clusterSize,
		Duration:           end.Sub(start).Seconds(),
		StartTime:          start,
		EndTime:            end,
		EntriesAppended:    m.entriesAppended.Load(),
		EntriesCommitted:   m.entriesCommitted.Load(),
		ThroughputPerSec:   m.GetThroughput(),
		CommitLatency:      m.GetLatencyStats(),
		AppendEntriesCount: m.appendEntriesCount.Load(),
		EntriesShipped:     m.entriesShipped.Load(),
		HeartbeatCount:     m.heartbeatCount.Load(),
		RejectionCount:     m.rejections.Load(),
		TransportErrors:    m.transportErrors.Load(),
		StepDowns:          m.stepDowns.Load(),
		Dispatches:         m.dispatches.Load(),
		DispatchErrors:     m.dispatchErrors.Load(),
	}
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport() {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	fmt.Println("\n" + rule)
	fmt.Println("REPLICATED LOG REPORT")
	fmt.Println(rule)
	fmt.Printf("\nParticipant: %s (cluster of %d)\n", r.Participant, r.ClusterSize)
	fmt.Printf("  Duration: %.2f seconds\n", r.Duration)
	fmt.Printf("  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Println("\n" + thin)
	fmt.Println("Throughput")
	fmt.Println(thin)
	fmt.Printf("  Entries Appended: %d\n", r.EntriesAppended)
	fmt.Printf("  Entries Committed: %d\n", r.EntriesCommitted)
	fmt.Printf("  Throughput: %.2f entries/sec\n", r.ThroughputPerSec)

	fmt.Printf("\nCommit Latency (append to commit):\n")
	if r.CommitLatency.Count > 0 {
		fmt.Printf("  Count: %d\n", r.CommitLatency.Count)
		fmt.Printf("  Min: %.3f ms\n", r.CommitLatency.Min)
		fmt.Printf("  Mean: %.3f ms\n", r.CommitLatency.Mean)
		fmt.Printf("  P50: %.3f ms\n", r.CommitLatency.P50)
		fmt.Printf("  P95: %.3f ms\n", r.CommitLatency.P95)
		fmt.Printf("  P99: %.3f ms\n", r.CommitLatency.P99)
		fmt.Printf("  Max: %.3f ms\n", r.CommitLatency.Max)
		fmt.Printf("  StdDev: %.3f ms\n", r.CommitLatency.StdDev)
	} else {
		fmt.Printf("  No data collected\n")
	}

	fmt.Println("\n" + thin)
	fmt.Println("Replication")
	fmt.Println(thin)
	fmt.Printf("  AppendEntries: %d (%d entries)\n", r.AppendEntriesCount, r.EntriesShipped)
	fmt.Printf("  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Printf("  Rejections: %d\n", r.RejectionCount)
	fmt.Printf("  Transport Errors: %d\n", r.TransportErrors)
	fmt.Printf("  Step Downs: %d\n", r.StepDowns)
	fmt.Printf("  Dispatched: %d (%d failed)\n", r.Dispatches, r.DispatchErrors)

	fmt.Println("\n" + rule)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics (useful for running multiple rounds)
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commitLatencies = make([]time.Duration, 0, 1024)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.appendEntriesCount.Store(0)
	m.entriesShipped.Store(0)
	m.heartbeatCount.Store(0)
	m.rejections.Store(0)
	m.transportErrors.Store(0)
	m.stepDowns.Store(0)
	m.dispatches.Store(0)
	m.dispatchErrors.Store(0)
	m.entriesAppended.Store(0)
	m.entriesCommitted.Store(0)
}
