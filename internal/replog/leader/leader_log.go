package leader

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
)

// Options configures a LeaderLog
type Options struct {
	ID        replog.ParticipantID
	Term      replog.LogTerm
	Followers []replog.ParticipantID

	Store     replog.LogStore
	Transport replog.Transport
	// Election is notified once on step down, on its own goroutine. Optional.
	Election replog.Election
	// PubSub receives LeaderSteppedDown and CommitAdvanced events. Optional.
	PubSub *pubsub.PubSubClient

	// CommitIndex is the highest index already known to be committed, e.g. the follower commit index at the time this
	// participant became leader.
	CommitIndex replog.LogIndex

	Config *replog.Config
}

// LeaderLog is the leader side of the replicated log for a single term. It appends entries locally, runs one
// replicator per follower and advances the commit index once a quorum stores an entry of its term.
type LeaderLog struct {
	id        replog.ParticipantID
	term      replog.LogTerm
	followers []replog.ParticipantID

	store     replog.LogStore
	transport replog.Transport
	election  replog.Election
	bus       *pubsub.PubSubClient

	cfg     *replog.Config
	logger  *zap.Logger
	metrics replog.MetricsCollector

	// Protects the fields below. Commit index and waiters are updated together so no waiter misses an advance.
	mu          sync.Mutex
	lastIndex   replog.LogIndex
	commitIndex replog.LogIndex
	// Entries before this index belong to earlier terms and are only committed indirectly
	firstIndexOfTerm replog.LogIndex
	matchIndex       map[replog.ParticipantID]replog.LogIndex
	waiters          *WaitForQueue
	// Append time per uncommitted index, only kept when metrics are enabled
	appendTimes map[replog.LogIndex]time.Time
	resigned    bool

	replicators map[replog.ParticipantID]*replicator

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewLeaderLog creates the leader state for opts.Term. Replication starts with Start.
func NewLeaderLog(opts Options) (*LeaderLog, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = replog.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case opts.ID == "":
		return nil, fmt.Errorf("%w: leader id is empty", replog.ErrInvalidConfig)
	case opts.Term == 0:
		return nil, fmt.Errorf("%w: leader term must be positive", replog.ErrInvalidConfig)
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: log store is nil", replog.ErrInvalidConfig)
	case opts.Transport == nil && len(opts.Followers) > 0:
		return nil, fmt.Errorf("%w: transport is nil", replog.ErrInvalidConfig)
	}

	seen := make(map[replog.ParticipantID]struct{}, len(opts.Followers))
	for _, p := range opts.Followers {
		if p == opts.ID {
			return nil, fmt.Errorf("%w: leader %s listed as its own follower", replog.ErrInvalidConfig, p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: duplicate follower %s", replog.ErrInvalidConfig, p)
		}
		seen[p] = struct{}{}
	}

	lastIndex, err := opts.Store.LastIndex()
	if err != nil {
		return nil, replog.NewStorageError("last index", err)
	}
	firstIndexOfTerm, err := findFirstIndexOfTerm(opts.Store, opts.Term, lastIndex)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &LeaderLog{
		id:               opts.ID,
		term:             opts.Term,
		followers:        slices.Clone(opts.Followers),
		store:            opts.Store,
		transport:        opts.Transport,
		election:         opts.Election,
		bus:              opts.PubSub,
		cfg:              cfg,
		metrics:          cfg.Metrics,
		lastIndex:        lastIndex,
		commitIndex:      min(opts.CommitIndex, lastIndex),
		firstIndexOfTerm: firstIndexOfTerm,
		matchIndex:       make(map[replog.ParticipantID]replog.LogIndex, len(opts.Followers)),
		waiters:          NewWaitForQueue(),
		replicators:      make(map[replog.ParticipantID]*replicator, len(opts.Followers)),
		ctx:              ctx,
		cancel:           cancel,
	}
	l.logger = cfg.Logger.Named("leader").With(zap.String("participant", string(l.id)), zap.Uint64("term", uint64(l.term)))
	if l.metrics != nil {
		l.appendTimes = make(map[replog.LogIndex]time.Time)
	}

	for _, p := range l.followers {
		l.matchIndex[p] = 0
		l.replicators[p] = newReplicator(l, p, lastIndex)
	}

	return l, nil
}

// findFirstIndexOfTerm returns the first index the leader may commit by counting replicas: the first entry of term, or
// lastIndex+1 if the log holds none. Terms never decrease along the log, so the scan stops at the first older entry.
func findFirstIndexOfTerm(store replog.LogStore, term replog.LogTerm, lastIndex replog.LogIndex) (replog.LogIndex, error) {
	first := lastIndex + 1
	for i := lastIndex; i > 0; i-- {
		t, ok, err := store.TermAt(i)
		if err != nil {
			return 0, replog.NewStorageError("term lookup", err)
		}
		if !ok || t < term {
			break
		}
		if t > term {
			return 0, fmt.Errorf("%w: log holds term %d at index %d, newer than leader term %d",
				replog.ErrInvalidConfig, t, i, term)
		}
		first = i
	}
	return first, nil
}

// Start launches the replicators
func (l *LeaderLog) Start() {
	l.startOnce.Do(func() {
		l.logger.Info("[LEADER] starting replication",
			zap.Int("followers", len(l.followers)),
			zap.Uint64("lastIndex", uint64(l.lastIndex)),
			zap.Uint64("commitIndex", uint64(l.commitIndex)))

		// A single participant is its own quorum
		l.mu.Lock()
		ev := l.recomputeCommitIndexLocked()
		l.mu.Unlock()
		l.publishCommit(ev)

		for _, r := range l.replicators {
			l.wg.Add(1)
			go r.run(l.ctx)
		}
	})
}

// AppendEntry appends payload as a new entry of the leader's term and returns its index.
func (l *LeaderLog) AppendEntry(payload []byte) (replog.LogIndex, error) {
	_, last, err := l.AppendEntries(payload)
	return last, err
}

// AppendEntries appends the payloads as consecutive entries with a single store write and returns the first and last
// assigned index. On error no entry was appended.
func (l *LeaderLog) AppendEntries(payloads ...[]byte) (first, last replog.LogIndex, err error) {
	if len(payloads) == 0 {
		return 0, 0, fmt.Errorf("%w: no payloads", replog.ErrInvalidConfig)
	}

	l.mu.Lock()
	if l.resigned {
		l.mu.Unlock()
		return 0, 0, replog.ErrLeaderStepDown
	}

	entries := make([]replog.LogEntry, len(payloads))
	for i, payload := range payloads {
		entries[i] = replog.LogEntry{
			Term:    l.term,
			Index:   l.lastIndex + replog.LogIndex(i) + 1,
			Payload: slices.Clone(payload),
		}
	}

	if err := l.store.Append(entries); err != nil {
		l.mu.Unlock()
		l.logger.Error("[LEADER] failed to append entries", zap.Error(err))
		return 0, 0, replog.NewStorageError("append", err)
	}

	first, last = entries[0].Index, entries[len(entries)-1].Index
	l.lastIndex = last
	if l.metrics != nil {
		now := time.Now()
		for _, e := range entries {
			l.appendTimes[e.Index] = now
			l.metrics.RecordEntryAppended()
		}
	}
	ev := l.recomputeCommitIndexLocked()
	l.mu.Unlock()

	l.logger.Debug("[LEADER] appended entries", zap.Uint64("first", uint64(first)), zap.Uint64("last", uint64(last)))

	l.publishCommit(ev)
	l.triggerAll()
	return first, last, nil
}

// WaitFor returns a future that resolves once index is committed. An index that is already committed resolves
// immediately.
func (l *LeaderLog) WaitFor(index replog.LogIndex) *CommitFuture {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resigned {
		f := newCommitFuture(index)
		f.resolve(replog.CommitStatus{Index: index}, replog.ErrLeaderStepDown)
		return f
	}
	if index <= l.commitIndex {
		f := newCommitFuture(index)
		f.resolve(replog.CommitStatus{Index: index, CommitIndex: l.commitIndex, Term: l.term}, nil)
		return f
	}

	f := l.waiters.Register(index)
	f.cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.waiters.Cancel(f)
	}
	return f
}

// WaitForIndex blocks until index is committed, the leader steps down or ctx is done.
func (l *LeaderLog) WaitForIndex(ctx context.Context, index replog.LogIndex) (replog.CommitStatus, error) {
	return l.WaitFor(index).Wait(ctx)
}

// onReplicated is called by a replicator after its follower confirmed match
func (l *LeaderLog) onReplicated(follower replog.ParticipantID, match replog.LogIndex) {
	l.mu.Lock()
	if l.resigned {
		l.mu.Unlock()
		return
	}
	match = min(match, l.lastIndex)
	if match > l.matchIndex[follower] {
		l.matchIndex[follower] = match
	}
	ev := l.recomputeCommitIndexLocked()
	l.mu.Unlock()

	// Followers learn the new commit index with the next request
	if ev != nil {
		l.publishCommit(ev)
		l.triggerAll()
	}
}

// recomputeCommitIndexLocked advances the commit index to the highest index stored by a quorum, counting the leader's
// own log. Entries of earlier terms are never committed by counting; they commit with the first entry of this term.
// Returns nil if the commit index did not move. Callers must hold l.mu.
func (l *LeaderLog) recomputeCommitIndexLocked() *CommitEvent {
	if l.resigned {
		return nil
	}

	indices := make([]replog.LogIndex, 0, len(l.matchIndex)+1)
	indices = append(indices, l.lastIndex)
	for _, m := range l.matchIndex {
		indices = append(indices, m)
	}
	slices.SortFunc(indices, func(a, b replog.LogIndex) int { return cmp.Compare(b, a) })
	candidate := indices[replog.QuorumSize(len(indices))-1]

	if candidate <= l.commitIndex || candidate < l.firstIndexOfTerm {
		return nil
	}

	prev := l.commitIndex
	l.commitIndex = candidate

	if l.metrics != nil {
		l.metrics.RecordEntriesCommitted(uint64(candidate - prev))
		now := time.Now()
		for i := prev + 1; i <= candidate; i++ {
			if appended, ok := l.appendTimes[i]; ok {
				l.metrics.RecordCommitLatency(now.Sub(appended))
				delete(l.appendTimes, i)
			}
		}
	}

	resolved := l.waiters.ResolveUpTo(candidate, l.term)
	l.logger.Debug("[LEADER] commit index advanced",
		zap.Uint64("from", uint64(prev)), zap.Uint64("to", uint64(candidate)), zap.Int("resolved", resolved))

	return &CommitEvent{Term: l.term, CommitIndex: candidate, Committed: uint64(candidate - prev)}
}

func (l *LeaderLog) publishCommit(ev *CommitEvent) {
	if ev == nil || l.bus == nil {
		return
	}
	pubsub.Publish(l.bus, pubsub.NewEvent(CommitAdvanced, *ev))
}

func (l *LeaderLog) triggerAll() {
	for _, r := range l.replicators {
		r.trigger()
	}
}

// progress returns the last and commit index for building requests
func (l *LeaderLog) progress() (replog.LogIndex, replog.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex, l.commitIndex
}

// stepDown ends the leadership after a higher term was observed. Safe to call more than once and from any goroutine,
// including a replicator.
func (l *LeaderLog) stepDown(newTerm replog.LogTerm) {
	if !l.resign() {
		return
	}

	l.logger.Info("[LEADER] stepping down", zap.Uint64("newTerm", uint64(newTerm)))
	if l.metrics != nil {
		l.metrics.RecordStepDown()
	}
	if l.election != nil {
		// Off the replicator goroutines and outside l.wg, so the callback may Close this leader
		go l.election.OnStepDown(newTerm)
	}
	if l.bus != nil {
		pubsub.Publish(l.bus, pubsub.NewEvent(LeaderSteppedDown, StepDownEvent{
			Leader:  l.id,
			Term:    l.term,
			NewTerm: newTerm,
		}))
	}
}

// StepDown ends the leadership because newTerm was observed elsewhere, e.g. by the follower side of this participant.
// It does not wait for the replicators, use Close for that.
func (l *LeaderLog) StepDown(newTerm replog.LogTerm) {
	l.stepDown(newTerm)
}

// resign fails pending waiters and stops the replicators. Returns false if already resigned.
func (l *LeaderLog) resign() bool {
	l.mu.Lock()
	if l.resigned {
		l.mu.Unlock()
		return false
	}
	l.resigned = true
	failed := l.waiters.FailAll(replog.ErrLeaderStepDown)
	l.mu.Unlock()

	l.cancel()
	if failed > 0 {
		l.logger.Info("[LEADER] failed pending waiters", zap.Int("waiters", failed))
	}
	return true
}

// Close stops replication and waits for the replicators to exit. Pending waiters fail with ErrLeaderStepDown. Close
// does not notify the election collaborator.
func (l *LeaderLog) Close() {
	l.closeOnce.Do(func() {
		l.resign()
		l.wg.Wait()
		l.logger.Debug("[LEADER] closed")
	})
}

// Done is closed once the leader resigned
func (l *LeaderLog) Done() <-chan struct{} {
	return l.ctx.Done()
}

// IsActive reports whether the leader has not stepped down or been closed
func (l *LeaderLog) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.resigned
}

func (l *LeaderLog) CurrentCommitIndex() replog.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

func (l *LeaderLog) LastIndex() replog.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex
}

func (l *LeaderLog) Term() replog.LogTerm {
	return l.term
}

func (l *LeaderLog) ID() replog.ParticipantID {
	return l.id
}

// ReplicationStatus returns a snapshot of every follower's replication state
func (l *LeaderLog) ReplicationStatus() map[replog.ParticipantID]replog.ReplicationState {
	status := make(map[replog.ParticipantID]replog.ReplicationState, len(l.replicators))
	for p, r := range l.replicators {
		status[p] = r.Status()
	}
	return status
}
