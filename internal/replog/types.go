package replog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogTerm identifies an epoch of leadership. It is a logical clock that only moves forward.
type LogTerm uint64

// LogIndex is the 1-based position of an entry in the log. Index 0 means "no entry".
type LogIndex uint64

// ParticipantID is an opaque identifier of a cluster member.
type ParticipantID string

// NewParticipantID returns a random ParticipantID.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

// LogEntry is a single replicated log record. Entries are never mutated once created; whoever hands an entry across an
// ownership boundary (store, in-memory transport) passes a Clone.
type LogEntry struct {
	Term    LogTerm
	Index   LogIndex
	Payload []byte
}

// Clone returns a deep copy of the entry.
func (e LogEntry) Clone() LogEntry {
	c := e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return c
}

func (e LogEntry) String() string {
	return fmt.Sprintf("{term:%d index:%d len:%d}", e.Term, e.Index, len(e.Payload))
}

// CloneEntries deep copies a slice of entries.
func CloneEntries(entries []LogEntry) []LogEntry {
	if entries == nil {
		return nil
	}
	out := make([]LogEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// AppendEntriesRequest is sent by the leader both to replicate entries and as a heartbeat (empty Entries).
// PrevLogIndex = 0 and PrevLogTerm = 0 mean the entries start the log.
type AppendEntriesRequest struct {
	LeaderTerm   LogTerm
	LeaderID     ParticipantID
	PrevLogIndex LogIndex
	PrevLogTerm  LogTerm
	Entries      []LogEntry
	LeaderCommit LogIndex
}

// LastIndex is the index of the last entry carried by the request, or PrevLogIndex for heartbeats.
func (r *AppendEntriesRequest) LastIndex() LogIndex {
	return r.PrevLogIndex + LogIndex(len(r.Entries))
}

// IsHeartbeat reports whether the request carries no entries.
func (r *AppendEntriesRequest) IsHeartbeat() bool {
	return len(r.Entries) == 0
}

// RejectReason tells the leader why a follower answered Success=false.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	// RejectStaleTerm means the request's leader term is lower than the follower's current term
	RejectStaleTerm
	// RejectLogMismatch means the follower has no entry matching (PrevLogIndex, PrevLogTerm)
	RejectLogMismatch
	// RejectStorage means the follower failed to persist the entries
	RejectStorage
	// RejectMalformed means the request violated the wire contract (non contiguous entries, bad terms)
	RejectMalformed
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "None"
	case RejectStaleTerm:
		return "StaleTerm"
	case RejectLogMismatch:
		return "LogMismatch"
	case RejectStorage:
		return "Storage"
	case RejectMalformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// AppendEntriesResult is the follower's answer to an AppendEntriesRequest. MatchIndex is only meaningful when Success
// is true. LastLogIndex carries the follower's last index on a log mismatch so the leader can skip ahead when
// backtracking.
type AppendEntriesResult struct {
	Term         LogTerm
	Success      bool
	MatchIndex   LogIndex
	Reason       RejectReason
	LastLogIndex LogIndex
}

// CommitStatus is delivered to WaitForIndex callers once the awaited index is committed.
type CommitStatus struct {
	// Index is the index that was waited for
	Index LogIndex
	// CommitIndex is the leader's commit index at resolution time, always >= Index
	CommitIndex LogIndex
	// Term is the leader term that committed the index
	Term LogTerm
}

// ReplicationState tracks the leader's view of a single follower. It is owned by exactly one replication loop.
type ReplicationState struct {
	Participant ParticipantID
	// NextIndex is the index of the next entry to send to the follower
	NextIndex LogIndex
	// MatchIndex is the highest index known to be replicated on the follower
	MatchIndex LogIndex
	// InFlight is set while an AppendEntries request is outstanding
	InFlight bool
	// LastErrorTime is the time of the last transport failure, zero if none
	LastErrorTime time.Time
	// Failures counts consecutive failed attempts and drives the backoff
	Failures uint64
}
