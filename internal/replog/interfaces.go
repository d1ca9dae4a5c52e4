package replog

import (
	"context"
	"time"
)

// LogStore is the durable, append-only storage of log entries. Implementations must be safe for concurrent use and
// must have persisted the data by the time a write method returns.
type LogStore interface {
	// Append persists entries. The first entry must directly follow the current last index.
	Append(entries []LogEntry) error
	// Read returns the entries in [from, to], both inclusive. An empty range returns no entries.
	Read(from, to LogIndex) ([]LogEntry, error)
	// RemoveAfter deletes every entry with an index greater than index.
	RemoveAfter(index LogIndex) error
	// LastIndex returns the index of the last entry, 0 if the log is empty.
	LastIndex() (LogIndex, error)
	// TermAt returns the term of the entry at index. ok is false when there is no such entry.
	TermAt(index LogIndex) (term LogTerm, ok bool, err error)
}

// TermStore is implemented by stores that can persist the participant's current term next to the log.
// The follower persists an adopted term before acknowledging the request that carried it.
type TermStore interface {
	CurrentTerm() (LogTerm, error)
	SetCurrentTerm(term LogTerm) error
}

// Transport carries AppendEntries requests to other participants. Calls honor ctx cancellation and deadline; a
// deadline expiry is reported as a *TransportError.
type Transport interface {
	AppendEntries(ctx context.Context, target ParticipantID, req *AppendEntriesRequest) (*AppendEntriesResult, error)
}

// AppendEntriesHandler is the receiving side of the AppendEntries RPC.
type AppendEntriesHandler interface {
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error)
}

// AppendEntriesHandlerFunc adapts a function to AppendEntriesHandler
type AppendEntriesHandlerFunc func(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error)

func (f AppendEntriesHandlerFunc) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error) {
	return f(ctx, req)
}

// Election is the leader election / term management collaborator. It decides who leads; this module only tells it when
// a higher term has been observed.
type Election interface {
	CurrentTerm() LogTerm
	IsLeader() bool
	// OnStepDown is invoked once when the leader for a term observes newTerm > its own term.
	OnStepDown(newTerm LogTerm)
}

// MetricsCollector is an optional interface for collecting replication metrics.
type MetricsCollector interface {
	RecordEntryAppended()
	RecordEntriesCommitted(n uint64)
	RecordCommitLatency(latency time.Duration)
	RecordAppendEntries(target ParticipantID, entries int, latency time.Duration)
	RecordHeartbeat(target ParticipantID)
	RecordRejection(reason RejectReason)
	RecordTransportError(target ParticipantID)
	RecordStepDown()
	// RecordDispatch times one outgoing request from the manager's dispatch slot to the transport's answer. err is nil
	// on delivery.
	RecordDispatch(target ParticipantID, latency time.Duration, err error)
}
