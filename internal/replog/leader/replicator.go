package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/replog"
)

// action is what the replication loop does after handling an RPC outcome
type action uint8

const (
	// Wait for the next trigger or heartbeat
	actionIdle action = iota
	// Send the next request right away
	actionSend
	// Wait for the backoff timer
	actionBackoff
	// Leadership is lost, exit the loop
	actionStop
)

// rpcOutcome is the continuation of an AppendEntries call, delivered back to the loop that issued it
type rpcOutcome struct {
	req     *replog.AppendEntriesRequest
	res     *replog.AppendEntriesResult
	err     error
	latency time.Duration
}

// replicator drives replication to a single follower. Its ReplicationState is only touched by the run goroutine; other
// goroutines read the copy published under statusMu.
type replicator struct {
	leader *LeaderLog
	state  replog.ReplicationState

	// triggerCh has capacity 1 so repeated triggers coalesce
	triggerCh chan struct{}
	// resultCh has capacity 1; with at most one request in flight the sender never blocks
	resultCh chan rpcOutcome

	statusMu sync.Mutex
	status   replog.ReplicationState

	logger *zap.Logger
}

func newReplicator(l *LeaderLog, follower replog.ParticipantID, lastIndex replog.LogIndex) *replicator {
	r := &replicator{
		leader: l,
		state: replog.ReplicationState{
			Participant: follower,
			NextIndex:   lastIndex + 1,
		},
		triggerCh: make(chan struct{}, 1),
		resultCh:  make(chan rpcOutcome, 1),
		logger:    l.cfg.Logger.Named("replicator").With(zap.String("follower", string(follower))),
	}
	r.status = r.state
	return r
}

// trigger wakes the loop without blocking
func (r *replicator) trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the follower's replication state
func (r *replicator) Status() replog.ReplicationState {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

func (r *replicator) publishStatus() {
	r.statusMu.Lock()
	r.status = r.state
	r.statusMu.Unlock()
}

func (r *replicator) run(ctx context.Context) {
	defer r.leader.wg.Done()

	heartbeat := time.NewTicker(r.leader.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// nil while no backoff is pending; a nil channel never fires
	var backoff <-chan time.Time

	dispatch := func() {
		if backoff != nil {
			return
		}
		if wait := r.send(ctx); wait > 0 {
			backoff = time.After(wait)
		}
	}

	// The first request doubles as the heartbeat that announces the new term
	dispatch()

	for {
		select {
		case <-ctx.Done():
			return

		case <-r.triggerCh:
			dispatch()

		case <-heartbeat.C:
			dispatch()

		case <-backoff:
			backoff = nil
			dispatch()

		case out := <-r.resultCh:
			next, wait := r.handle(out)
			switch next {
			case actionStop:
				return
			case actionBackoff:
				backoff = time.After(wait)
			case actionSend:
				dispatch()
			}
		}
	}
}

// send issues the next AppendEntries request unless one is already in flight. The call runs on its own goroutine and
// reports back through resultCh. A non-zero return is the backoff to apply when the request could not be built.
func (r *replicator) send(ctx context.Context) time.Duration {
	if r.state.InFlight {
		return 0
	}

	req, err := r.buildRequest()
	if err != nil {
		r.logger.Error("[REPLICATOR] failed to build request", zap.Error(err),
			zap.Uint64("nextIndex", uint64(r.state.NextIndex)))
		_, wait := r.fail(err)
		r.publishStatus()
		return wait
	}

	r.state.InFlight = true
	r.publishStatus()

	target := r.state.Participant
	transport := r.leader.transport
	timeout := r.leader.cfg.RPCTimeout

	r.leader.wg.Add(1)
	go func() {
		defer r.leader.wg.Done()

		rpcCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		res, err := transport.AppendEntries(rpcCtx, target, req)
		r.resultCh <- rpcOutcome{req: req, res: res, err: err, latency: time.Since(start)}
	}()
	return 0
}

// buildRequest reads up to MaxBatchSize entries starting at NextIndex. The leader never truncates its own log during
// its term, so reading the store without the leader lock is safe.
func (r *replicator) buildRequest() (*replog.AppendEntriesRequest, error) {
	lastIndex, commitIndex := r.leader.progress()

	next := r.state.NextIndex
	if next > lastIndex+1 {
		next = lastIndex + 1
		r.state.NextIndex = next
	}

	prevIndex := next - 1
	var prevTerm replog.LogTerm
	if prevIndex > 0 {
		term, ok, err := r.leader.store.TermAt(prevIndex)
		if err != nil {
			return nil, replog.NewStorageError("term lookup", err)
		}
		if !ok {
			return nil, replog.NewStorageError("term lookup", fmt.Errorf("%w: index %d", replog.ErrEntryNotFound, prevIndex))
		}
		prevTerm = term
	}

	var entries []replog.LogEntry
	if next <= lastIndex {
		to := min(lastIndex, next+replog.LogIndex(r.leader.cfg.MaxBatchSize)-1)
		read, err := r.leader.store.Read(next, to)
		if err != nil {
			return nil, replog.NewStorageError("read", err)
		}
		entries = read
	}

	return &replog.AppendEntriesRequest{
		LeaderTerm:   r.leader.term,
		LeaderID:     r.leader.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commitIndex,
	}, nil
}

func (r *replicator) handle(out rpcOutcome) (action, time.Duration) {
	r.state.InFlight = false
	defer r.publishStatus()

	target := r.state.Participant
	metrics := r.leader.metrics

	if out.err != nil {
		if metrics != nil {
			metrics.RecordTransportError(target)
		}
		return r.fail(out.err)
	}
	res := out.res

	if res.Term > r.leader.term {
		r.logger.Info("[REPLICATOR] follower has a higher term, stepping down",
			zap.Uint64("term", uint64(r.leader.term)), zap.Uint64("followerTerm", uint64(res.Term)))
		r.leader.stepDown(res.Term)
		return actionStop, 0
	}

	if res.Success {
		// A follower can never have verified more than the request carried
		match := min(res.MatchIndex, out.req.LastIndex())
		if match > r.state.MatchIndex {
			r.state.MatchIndex = match
		}
		r.state.NextIndex = r.state.MatchIndex + 1
		r.state.Failures = 0

		if metrics != nil {
			if out.req.IsHeartbeat() {
				metrics.RecordHeartbeat(target)
			} else {
				metrics.RecordAppendEntries(target, len(out.req.Entries), out.latency)
			}
		}

		r.leader.onReplicated(target, r.state.MatchIndex)

		if r.state.NextIndex <= r.leader.LastIndex() {
			return actionSend, 0
		}
		return actionIdle, 0
	}

	if metrics != nil {
		metrics.RecordRejection(res.Reason)
	}

	switch res.Reason {
	case replog.RejectLogMismatch, replog.RejectNone:
		if !r.backtrack(res) {
			return r.fail(fmt.Errorf("follower %s rejected index %d at the match floor", target, r.state.NextIndex))
		}
		r.state.Failures = 0
		return actionSend, 0
	default:
		// Follower storage failure or a request it considered malformed. Nothing about the log changed, so retry the
		// same position later.
		return r.fail(fmt.Errorf("follower %s rejected request: %s", target, res.Reason))
	}
}

// backtrack moves NextIndex back after a log mismatch, using the follower's last index as a hint when it allows a
// larger jump. NextIndex never drops to or below MatchIndex. It returns false if NextIndex could not move.
func (r *replicator) backtrack(res *replog.AppendEntriesResult) bool {
	prev := r.state.NextIndex
	step := r.leader.cfg.BacktrackStep

	next := replog.LogIndex(1)
	if prev > step {
		next = prev - step
	}
	if res.Reason == replog.RejectLogMismatch && res.LastLogIndex+1 < next {
		next = res.LastLogIndex + 1
	}
	if next <= r.state.MatchIndex {
		next = r.state.MatchIndex + 1
	}
	if next < 1 {
		next = 1
	}

	r.state.NextIndex = next
	r.logger.Debug("[REPLICATOR] backtracking",
		zap.Uint64("from", uint64(prev)), zap.Uint64("to", uint64(next)),
		zap.Uint64("followerLastIndex", uint64(res.LastLogIndex)))
	return next < prev
}

// fail records a failed attempt and returns the backoff before the next one
func (r *replicator) fail(err error) (action, time.Duration) {
	r.state.Failures++
	r.state.LastErrorTime = time.Now()

	wait := r.leader.cfg.Backoff(r.state.Failures)

	// Log the first failure and then every 10th, an unreachable follower would flood the log otherwise
	if r.state.Failures == 1 || r.state.Failures%10 == 0 {
		r.logger.Warn("[REPLICATOR] replication attempt failed", zap.Error(err),
			zap.Uint64("failures", r.state.Failures), zap.Duration("backoff", wait))
	}
	return actionBackoff, wait
}
