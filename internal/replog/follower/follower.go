package follower

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"replicated-log/internal/replog"
)

// State of a follower log. A follower starts Idle and moves to Following with the first request that carries an
// equal-or-higher term; it never goes back to Idle.
type State uint8

const (
	Idle State = iota
	Following
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Following:
		return "Following"
	default:
		return "Unknown"
	}
}

var errMalformed = errors.New("malformed AppendEntries request")

// FollowerLog accepts AppendEntries requests and keeps the local log consistent with the leader's. Requests against a
// single FollowerLog are processed one at a time.
type FollowerLog struct {
	// Serializes HandleAppendEntries and protects the fields below
	mu sync.Mutex

	id          replog.ParticipantID
	store       replog.LogStore
	state       State
	currentTerm replog.LogTerm
	leaderID    replog.ParticipantID
	// commitIndex never decreases
	commitIndex replog.LogIndex

	logger  *zap.Logger
	metrics replog.MetricsCollector
}

// New creates a FollowerLog over store. If the store persists terms (replog.TermStore) the last persisted term is
// restored, so a restarted follower keeps rejecting leaders it already saw superseded.
func New(id replog.ParticipantID, store replog.LogStore, cfg *replog.Config) (*FollowerLog, error) {
	f := &FollowerLog{
		id:      id,
		store:   store,
		state:   Idle,
		logger:  cfg.Logger.Named("follower").With(zap.String("participant", string(id))),
		metrics: cfg.Metrics,
	}

	if ts, ok := store.(replog.TermStore); ok {
		term, err := ts.CurrentTerm()
		if err != nil {
			return nil, fmt.Errorf("failed to restore current term: %w", err)
		}
		f.currentTerm = term
	}
	return f, nil
}

// HandleAppendEntries validates and applies req. Every store write happens before the result is returned.
func (f *FollowerLog) HandleAppendEntries(_ context.Context, req *replog.AppendEntriesRequest) *replog.AppendEntriesResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Stale leader, no side effects
	if req.LeaderTerm < f.currentTerm {
		f.logger.Debug("[FOLLOWER] rejecting stale leader",
			zap.Uint64("requestTerm", uint64(req.LeaderTerm)),
			zap.Uint64("currentTerm", uint64(f.currentTerm)),
			zap.String("leader", string(req.LeaderID)))
		return f.reject(replog.RejectStaleTerm, 0)
	}

	if req.LeaderTerm > f.currentTerm {
		if err := f.adoptTerm(req.LeaderTerm); err != nil {
			f.logger.Error("[FOLLOWER] failed to persist term", zap.Error(err))
			return f.reject(replog.RejectStorage, 0)
		}
	}
	f.state = Following
	f.leaderID = req.LeaderID

	if err := validate(req); err != nil {
		f.logger.Warn("[FOLLOWER] rejecting request", zap.Error(err))
		return f.reject(replog.RejectMalformed, 0)
	}

	lastIndex, err := f.checkConsistency(req)
	if err != nil {
		var mismatch *replog.LogMismatchError
		if errors.As(err, &mismatch) {
			f.logger.Debug("[FOLLOWER] log mismatch", zap.Error(err), zap.Uint64("lastIndex", uint64(lastIndex)))
			return f.reject(replog.RejectLogMismatch, lastIndex)
		}
		f.logger.Error("[FOLLOWER] consistency check failed", zap.Error(err))
		return f.reject(replog.RejectStorage, 0)
	}

	if err := f.applyEntries(req.Entries); err != nil {
		f.logger.Error("[FOLLOWER] failed to apply entries", zap.Error(err),
			zap.Uint64("prevLogIndex", uint64(req.PrevLogIndex)), zap.Int("entries", len(req.Entries)))
		return f.reject(replog.RejectStorage, 0)
	}

	// Only the prefix up to the request's last entry is known to match the leader. Anything the follower holds beyond
	// it was not checked by this request, so neither the match index nor the commit index may cover it.
	matchIndex := req.LastIndex()
	if commit := min(req.LeaderCommit, matchIndex); commit > f.commitIndex {
		f.commitIndex = commit
	}

	return &replog.AppendEntriesResult{
		Term:       f.currentTerm,
		Success:    true,
		MatchIndex: matchIndex,
	}
}

// ObserveTerm raises the current term without a request, e.g. when this participant becomes leader for term. Lower
// terms are ignored.
func (f *FollowerLog) ObserveTerm(term replog.LogTerm) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if term <= f.currentTerm {
		return nil
	}
	return f.adoptTerm(term)
}

// ObserveCommitIndex raises the commit index to index, e.g. with the commit index this participant reached while it was
// leader. Lower values are ignored.
func (f *FollowerLog) ObserveCommitIndex(index replog.LogIndex) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index > f.commitIndex {
		f.commitIndex = index
	}
}

// adoptTerm must be called with f.mu held.
func (f *FollowerLog) adoptTerm(term replog.LogTerm) error {
	if ts, ok := f.store.(replog.TermStore); ok {
		if err := ts.SetCurrentTerm(term); err != nil {
			return replog.NewStorageError("set current term", err)
		}
	}
	f.logger.Info("[FOLLOWER] adopted new term",
		zap.Uint64("oldTerm", uint64(f.currentTerm)), zap.Uint64("newTerm", uint64(term)))
	f.currentTerm = term
	return nil
}

// checkConsistency returns a *replog.LogMismatchError when the local log has no entry matching (PrevLogIndex,
// PrevLogTerm). The follower's last index is returned with it as a backtracking hint.
func (f *FollowerLog) checkConsistency(req *replog.AppendEntriesRequest) (replog.LogIndex, error) {
	if req.PrevLogIndex == 0 {
		return 0, nil
	}

	term, ok, err := f.store.TermAt(req.PrevLogIndex)
	if err != nil {
		return 0, err
	}
	if ok && term == req.PrevLogTerm {
		return 0, nil
	}

	lastIndex, err := f.store.LastIndex()
	if err != nil {
		return 0, err
	}
	return lastIndex, &replog.LogMismatchError{PrevLogIndex: req.PrevLogIndex, PrevLogTerm: req.PrevLogTerm, LocalTerm: term}
}

// applyEntries skips entries the log already holds, truncates at the first conflicting one and appends the rest.
func (f *FollowerLog) applyEntries(entries []replog.LogEntry) error {
	for i, entry := range entries {
		term, ok, err := f.store.TermAt(entry.Index)
		if err != nil {
			return err
		}
		if ok && term == entry.Term {
			// Already present, e.g. a re-sent request
			continue
		}

		if ok {
			f.logger.Info("[FOLLOWER] truncating conflicting suffix",
				zap.Uint64("index", uint64(entry.Index)),
				zap.Uint64("localTerm", uint64(term)),
				zap.Uint64("leaderTerm", uint64(entry.Term)))
			if err := f.store.RemoveAfter(entry.Index - 1); err != nil {
				return replog.NewStorageError("remove", err)
			}
		}
		if err := f.store.Append(entries[i:]); err != nil {
			return replog.NewStorageError("append", err)
		}
		return nil
	}
	return nil
}

func (f *FollowerLog) reject(reason replog.RejectReason, lastIndex replog.LogIndex) *replog.AppendEntriesResult {
	if f.metrics != nil {
		f.metrics.RecordRejection(reason)
	}
	return &replog.AppendEntriesResult{
		Term:         f.currentTerm,
		Success:      false,
		Reason:       reason,
		LastLogIndex: lastIndex,
	}
}

// validate checks the shape of the request: entries must directly follow PrevLogIndex, and their terms must be
// non-decreasing, not older than PrevLogTerm and not newer than the leader's term.
func validate(req *replog.AppendEntriesRequest) error {
	if req.PrevLogIndex == 0 && req.PrevLogTerm != 0 {
		return fmt.Errorf("%w: prevLogTerm %d without prevLogIndex", errMalformed, req.PrevLogTerm)
	}
	prevTerm := req.PrevLogTerm
	for i, e := range req.Entries {
		if want := req.PrevLogIndex + replog.LogIndex(i) + 1; e.Index != want {
			return fmt.Errorf("%w: entry %d has index %d, expected %d", errMalformed, i, e.Index, want)
		}
		if e.Term < prevTerm || e.Term > req.LeaderTerm {
			return fmt.Errorf("%w: entry %d has term %d outside [%d, %d]", errMalformed, i, e.Term, prevTerm, req.LeaderTerm)
		}
		prevTerm = e.Term
	}
	return nil
}

// CurrentTerm returns the latest term this follower has seen
func (f *FollowerLog) CurrentTerm() replog.LogTerm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTerm
}

// CommitIndex returns the highest index this follower knows to be committed
func (f *FollowerLog) CommitIndex() replog.LogIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

// State returns Idle until the first accepted leader contact
func (f *FollowerLog) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LeaderID returns the leader of the current term, empty while Idle
func (f *FollowerLog) LeaderID() replog.ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderID
}
