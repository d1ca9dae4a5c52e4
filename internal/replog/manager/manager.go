package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"replicated-log/internal/pubsub"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/follower"
	"replicated-log/internal/replog/leader"
)

// Options configures a LogManager
type Options struct {
	ID    replog.ParticipantID
	Store replog.LogStore
	// Transport carries requests to the other participants
	Transport replog.Transport
	// Election is told when a leader of this participant steps down. Optional.
	Election replog.Election
	Config   *replog.Config
}

// job is a unit of work for the background workers
type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// LogManager binds a FollowerLog and, while this participant leads, a LeaderLog to one LogStore and Transport.
// Application appends and incoming AppendEntries requests pass through a bounded work queue drained by background
// workers, so callers never wait on storage or network beyond their own context.
type LogManager struct {
	id        replog.ParticipantID
	store     replog.LogStore
	transport replog.Transport
	election  replog.Election
	cfg       *replog.Config
	logger    *zap.Logger

	follower *follower.FollowerLog
	bus      *pubsub.PubSubClient

	// Guards the leader lifecycle. A nil leader means this participant follows.
	mu     sync.RWMutex
	leader *leader.LeaderLog

	workQueue chan job
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	// ParticipantID -> chan struct{} of capacity 1, held while a request to that participant is outstanding
	dispatchSlots sync.Map
}

func NewLogManager(opts Options) (*LogManager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = replog.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case opts.ID == "":
		return nil, fmt.Errorf("%w: participant id is empty", replog.ErrInvalidConfig)
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: log store is nil", replog.ErrInvalidConfig)
	case opts.Transport == nil:
		return nil, fmt.Errorf("%w: transport is nil", replog.ErrInvalidConfig)
	}

	f, err := follower.New(opts.ID, opts.Store, cfg)
	if err != nil {
		return nil, err
	}

	return &LogManager{
		id:        opts.ID,
		store:     opts.Store,
		transport: opts.Transport,
		election:  opts.Election,
		cfg:       cfg,
		logger:    cfg.Logger.Named("manager").With(zap.String("participant", string(opts.ID))),
		follower:  f,
		bus:       pubsub.NewPubSub(cfg.Logger),
		workQueue: make(chan job, cfg.WorkQueueSize),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the workers and the leader event loop
func (m *LogManager) Start() {
	m.startOnce.Do(func() {
		m.logger.Info("[MANAGER] starting", zap.Int("workers", m.cfg.Workers), zap.Int("queueSize", m.cfg.WorkQueueSize))

		events := make(chan *pubsub.Event[leader.StepDownEvent], 8)
		pubsub.Subscribe(m.bus, leader.LeaderSteppedDown, events, pubsub.SubscriptionOptions{})

		m.wg.Add(1)
		go m.watchStepDowns(events)

		for i := 0; i < m.cfg.Workers; i++ {
			m.wg.Add(1)
			go m.runWorker()
		}
		m.running.Store(true)
	})
}

// Stop tears down the leader, stops the workers and waits for them. Queued work that did not start fails with
// ErrManagerStopped.
func (m *LogManager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("[MANAGER] stopping")
		m.running.Store(false)
		close(m.stopCh)

		m.mu.Lock()
		if m.leader != nil {
			m.retireLocked(m.leader.Term())
		}
		m.mu.Unlock()

		// Closes the event subscription, which ends watchStepDowns
		m.bus.GracefulShutdown()
		m.wg.Wait()
	})
}

func (m *LogManager) runWorker() {
	defer m.wg.Done()

	for {
		select {
		case j := <-m.workQueue:
			// The caller gave up before the work started, nothing to do
			if j.ctx.Err() != nil {
				continue
			}
			j.run(j.ctx)
		case <-m.stopCh:
			return
		}
	}
}

func (m *LogManager) submit(ctx context.Context, run func(ctx context.Context)) error {
	if !m.running.Load() {
		return replog.ErrManagerStopped
	}
	select {
	case m.workQueue <- job{ctx: ctx, run: run}:
		return nil
	default:
		m.logger.Warn("[MANAGER] work queue full", zap.Int("capacity", cap(m.workQueue)))
		return replog.ErrQueueFull
	}
}

// do runs fn on a worker and waits for its result
func do[T any](m *LogManager, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type reply struct {
		value T
		err   error
	}
	var zero T

	// Claimed by the worker when fn starts or by the caller when it gives up first, whichever comes first
	const (
		pending = iota
		started
		abandoned
	)
	var state atomic.Int32

	replies := make(chan reply, 1)
	err := m.submit(ctx, func(ctx context.Context) {
		if !state.CompareAndSwap(pending, started) {
			return
		}
		value, err := fn(ctx)
		replies <- reply{value, err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-replies:
		return r.value, r.err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return zero, ctx.Err()
		}
		// fn is running and may already have taken effect, e.g. an appended entry. Its result is the only way the
		// caller learns about it.
		r := <-replies
		return r.value, r.err
	case <-m.stopCh:
		// A reply that raced with Stop still wins
		select {
		case r := <-replies:
			return r.value, r.err
		default:
			return zero, replog.ErrManagerStopped
		}
	}
}

// AppendEntry appends payload to the log if this participant leads and returns its index. The index may never commit if
// a majority is unreachable; use WaitForIndex with a deadline to find out.
func (m *LogManager) AppendEntry(ctx context.Context, payload []byte) (replog.LogIndex, error) {
	return do(m, ctx, func(context.Context) (replog.LogIndex, error) {
		l := m.currentLeader()
		if l == nil {
			return 0, replog.ErrNotLeader
		}
		return l.AppendEntry(payload)
	})
}

// WaitForIndex blocks until index is committed, the leader steps down or ctx is done
func (m *LogManager) WaitForIndex(ctx context.Context, index replog.LogIndex) (replog.CommitStatus, error) {
	l := m.currentLeader()
	if l == nil {
		return replog.CommitStatus{}, replog.ErrNotLeader
	}
	return l.WaitForIndex(ctx, index)
}

// CurrentCommitIndex returns the leader's commit index
func (m *LogManager) CurrentCommitIndex() (replog.LogIndex, error) {
	l := m.currentLeader()
	if l == nil {
		return 0, replog.ErrNotLeader
	}
	return l.CurrentCommitIndex(), nil
}

// HandleAppendEntries processes a request from a leader on a worker. A request from a higher term makes a local leader
// step down before the request is applied.
func (m *LogManager) HandleAppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	return do(m, ctx, func(ctx context.Context) (*replog.AppendEntriesResult, error) {
		return m.handleAppendEntries(ctx, req)
	})
}

func (m *LogManager) handleAppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	m.mu.Lock()
	if l := m.leader; l != nil {
		if req.LeaderTerm <= l.Term() {
			m.mu.Unlock()
			if req.LeaderTerm == l.Term() {
				m.logger.Error("[MANAGER] AppendEntries from another leader of the same term",
					zap.String("from", string(req.LeaderID)), zap.Uint64("term", uint64(req.LeaderTerm)))
			}
			return &replog.AppendEntriesResult{Term: l.Term(), Reason: replog.RejectStaleTerm}, nil
		}

		m.logger.Info("[MANAGER] leader of a higher term appeared, stepping down",
			zap.String("from", string(req.LeaderID)), zap.Uint64("term", uint64(req.LeaderTerm)))
		l.StepDown(req.LeaderTerm)
		m.retireLocked(req.LeaderTerm)
	}
	m.mu.Unlock()

	return m.follower.HandleAppendEntries(ctx, req), nil
}

// AppendEntries dispatches req to target through the underlying transport. At most one request per target is
// outstanding; a second caller waits for the slot or its ctx.
func (m *LogManager) AppendEntries(ctx context.Context, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	start := time.Now()
	res, err := m.dispatch(ctx, target, req)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordDispatch(target, time.Since(start), err)
	}
	return res, err
}

func (m *LogManager) dispatch(ctx context.Context, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	slot := m.dispatchSlot(target)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, &replog.TransportError{Target: target, Err: ctx.Err()}
	}
	defer func() { <-slot }()

	res, err := m.transport.AppendEntries(ctx, target, req)
	if err != nil {
		if !replog.IsTransportError(err) {
			err = &replog.TransportError{Target: target, Err: err}
		}
		return nil, err
	}
	return res, nil
}

func (m *LogManager) dispatchSlot(target replog.ParticipantID) chan struct{} {
	if slot, ok := m.dispatchSlots.Load(target); ok {
		return slot.(chan struct{})
	}
	slot, _ := m.dispatchSlots.LoadOrStore(target, make(chan struct{}, 1))
	return slot.(chan struct{})
}

// BecomeLeader starts leading term with followers as the other participants. The election decides who leads; the
// manager refuses the call when the election does not report this participant as leader, and refuses terms older than
// the election's or the one it has seen itself.
func (m *LogManager) BecomeLeader(term replog.LogTerm, followers []replog.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return replog.ErrManagerStopped
	}
	if m.election != nil {
		if !m.election.IsLeader() {
			return replog.ErrNotLeader
		}
		if current := m.election.CurrentTerm(); term < current {
			return &replog.StaleTermError{Term: term, CurrentTerm: current}
		}
	}
	if current := m.follower.CurrentTerm(); term < current {
		return &replog.StaleTermError{Term: term, CurrentTerm: current}
	}
	if m.leader != nil {
		if m.leader.Term() == term && m.leader.IsActive() {
			return nil
		}
		m.retireLocked(term)
	}

	if err := m.follower.ObserveTerm(term); err != nil {
		return err
	}

	l, err := leader.NewLeaderLog(leader.Options{
		ID:          m.id,
		Term:        term,
		Followers:   followers,
		Store:       m.store,
		Transport:   m,
		PubSub:      m.bus,
		CommitIndex: m.follower.CommitIndex(),
		Config:      m.cfg,
	})
	if err != nil {
		return err
	}
	l.Start()
	m.leader = l

	m.logger.Info("[MANAGER] became leader", zap.Uint64("term", uint64(term)), zap.Int("followers", len(followers)))
	return nil
}

// StepDown ends the local leadership because the election moved on to newTerm. The election is not notified back.
func (m *LogManager) StepDown(newTerm replog.LogTerm) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leader != nil {
		m.retireLocked(newTerm)
	}
	return m.follower.ObserveTerm(newTerm)
}

// retireLocked closes the current leader and hands its progress to the follower. Callers hold m.mu.
func (m *LogManager) retireLocked(newTerm replog.LogTerm) {
	l := m.leader
	m.leader = nil

	l.Close()
	m.follower.ObserveCommitIndex(l.CurrentCommitIndex())
	if err := m.follower.ObserveTerm(newTerm); err != nil {
		m.logger.Error("[MANAGER] failed to persist term", zap.Error(err), zap.Uint64("term", uint64(newTerm)))
	}
	m.logger.Info("[MANAGER] no longer leading", zap.Uint64("term", uint64(l.Term())), zap.Uint64("newTerm", uint64(newTerm)))
}

// watchStepDowns retires leaders that stepped down after observing a higher term, either from a follower's reply or
// from an incoming request, and then tells the election. The election is called without m.mu held, so it may call
// back into StepDown or BecomeLeader.
func (m *LogManager) watchStepDowns(events chan *pubsub.Event[leader.StepDownEvent]) {
	defer m.wg.Done()

	for ev := range events {
		m.mu.Lock()
		if l := m.leader; l != nil && l.Term() == ev.Payload.Term && !l.IsActive() {
			m.retireLocked(ev.Payload.NewTerm)
		}
		m.mu.Unlock()

		if m.election != nil {
			m.election.OnStepDown(ev.Payload.NewTerm)
		}
	}
}

func (m *LogManager) currentLeader() *leader.LeaderLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader
}

func (m *LogManager) ID() replog.ParticipantID {
	return m.id
}

// IsLeader reports whether this participant currently leads
func (m *LogManager) IsLeader() bool {
	l := m.currentLeader()
	return l != nil && l.IsActive()
}

// Term returns the highest term this participant has seen
func (m *LogManager) Term() replog.LogTerm {
	return m.follower.CurrentTerm()
}

// Status is a point-in-time view of a participant
type Status struct {
	ID       replog.ParticipantID
	Term     replog.LogTerm
	IsLeader bool
	// Leader is the known leader of Term, this participant when leading
	Leader      replog.ParticipantID
	LastIndex   replog.LogIndex
	CommitIndex replog.LogIndex
	// Replication is only set on the leader
	Replication map[replog.ParticipantID]replog.ReplicationState
}

func (m *LogManager) Status() (Status, error) {
	lastIndex, err := m.store.LastIndex()
	if err != nil {
		return Status{}, replog.NewStorageError("last index", err)
	}

	status := Status{
		ID:          m.id,
		Term:        m.follower.CurrentTerm(),
		Leader:      m.follower.LeaderID(),
		LastIndex:   lastIndex,
		CommitIndex: m.follower.CommitIndex(),
	}
	if l := m.currentLeader(); l != nil && l.IsActive() {
		status.IsLeader = true
		status.Leader = m.id
		status.CommitIndex = l.CurrentCommitIndex()
		status.Replication = l.ReplicationStatus()
	}
	return status, nil
}
