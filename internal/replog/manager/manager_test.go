package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/metrics"
	"replicated-log/internal/replog/mocks"
	"replicated-log/internal/replog/storage"
	"replicated-log/internal/replog/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() *replog.Config {
	cfg := replog.DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.RPCTimeout = 50 * time.Millisecond
	cfg.RetryBackoffBase = time.Millisecond
	cfg.MaxRetryBackoff = 20 * time.Millisecond
	return cfg
}

type node struct {
	manager  *LogManager
	store    *storage.MemoryLogStore
	election *mocks.MockElection
}

// newCluster starts n managers connected through an in-process transport
func newCluster(t *testing.T, n int) ([]*node, *transport.InProcTransport) {
	t.Helper()

	net := transport.NewInProcTransport()
	nodes := make([]*node, n)
	for i := range nodes {
		id := replog.ParticipantID(fmt.Sprintf("node-%d", i+1))
		store := storage.NewMemoryLogStore()
		election := &mocks.MockElection{}
		expectElection(election)
		election.On("OnStepDown", mock.Anything).Return()

		m, err := NewLogManager(Options{
			ID:        id,
			Store:     store,
			Transport: net.Sender(id),
			Election:  election,
			Config:    testConfig(),
		})
		require.NoError(t, err)
		m.Start()
		t.Cleanup(m.Stop)

		net.Register(id, m)
		nodes[i] = &node{manager: m, store: store, election: election}
	}
	return nodes, net
}

// expectElection lets the election report this participant as leader for any term
func expectElection(election *mocks.MockElection) {
	election.On("IsLeader").Return(true).Maybe()
	election.On("CurrentTerm").Return(replog.LogTerm(0)).Maybe()
}

func others(nodes []*node, leader int) []replog.ParticipantID {
	var ids []replog.ParticipantID
	for i, n := range nodes {
		if i != leader {
			ids = append(ids, n.manager.ID())
		}
	}
	return ids
}

func TestLogManager_NotLeader(t *testing.T) {
	nodes, _ := newCluster(t, 1)
	m := nodes[0].manager
	ctx := context.Background()

	_, err := m.AppendEntry(ctx, []byte("x"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)
	_, err = m.WaitForIndex(ctx, 1)
	assert.ErrorIs(t, err, replog.ErrNotLeader)
	_, err = m.CurrentCommitIndex()
	assert.ErrorIs(t, err, replog.ErrNotLeader)
	assert.False(t, m.IsLeader())
}

func TestLogManager_Replicates(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	leader := nodes[0].manager
	require.NoError(t, leader.BecomeLeader(1, others(nodes, 0)))
	assert.True(t, leader.IsLeader())
	assert.Equal(t, replog.LogTerm(1), leader.Term())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	var last replog.LogIndex
	for i := 1; i <= 3; i++ {
		index, err := leader.AppendEntry(ctx, []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
		last = index
	}
	assert.Equal(t, replog.LogIndex(3), last)

	status, err := leader.WaitForIndex(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, last, status.CommitIndex)

	commit, err := leader.CurrentCommitIndex()
	require.NoError(t, err)
	assert.Equal(t, last, commit)

	for _, n := range nodes[1:] {
		require.Eventually(t, func() bool {
			s, err := n.manager.Status()
			return err == nil && s.CommitIndex == last
		}, waitFor, tick)

		s, err := n.manager.Status()
		require.NoError(t, err)
		assert.False(t, s.IsLeader)
		assert.Equal(t, leader.ID(), s.Leader)
		assert.Equal(t, last, s.LastIndex)
		assert.Equal(t, nodes[0].store.Entries(), n.store.Entries())
	}

	s, err := leader.Status()
	require.NoError(t, err)
	assert.True(t, s.IsLeader)
	assert.Len(t, s.Replication, 2)
}

func TestLogManager_NewLeaderTakesOver(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	old, next := nodes[0].manager, nodes[1].manager

	require.NoError(t, old.BecomeLeader(1, others(nodes, 0)))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	index, err := old.AppendEntry(ctx, []byte("term-1"))
	require.NoError(t, err)
	_, err = old.WaitForIndex(ctx, index)
	require.NoError(t, err)

	// The election picked node-2 for term 2, which holds the committed entry; its first request demotes node-1
	require.Eventually(t, func() bool { return len(nodes[1].store.Entries()) == int(index) }, waitFor, tick)
	require.NoError(t, next.BecomeLeader(2, others(nodes, 1)))
	require.Eventually(t, func() bool { return old.currentLeader() == nil }, waitFor, tick)
	assert.False(t, old.IsLeader())
	assert.Equal(t, replog.LogTerm(2), old.Term())
	require.Eventually(t, func() bool { return len(nodes[0].election.SteppedDown()) == 1 }, waitFor, tick)
	nodes[0].election.AssertCalled(t, "OnStepDown", replog.LogTerm(2))

	index2, err := next.AppendEntry(ctx, []byte("term-2"))
	require.NoError(t, err)
	assert.Equal(t, index+1, index2)
	_, err = next.WaitForIndex(ctx, index2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(nodes[0].store.Entries()) == int(index2)
	}, waitFor, tick)
	assert.Equal(t, nodes[1].store.Entries(), nodes[0].store.Entries())

	_, err = old.AppendEntry(ctx, []byte("late"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)
}

func TestLogManager_StepsDownOnHigherFollowerTerm(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	// node-3 already knows about term 5
	require.NoError(t, nodes[2].manager.StepDown(5))

	m := nodes[0].manager
	require.NoError(t, m.BecomeLeader(1, others(nodes, 0)))

	// The leader is retired once the step-down event is handled
	require.Eventually(t, func() bool { return m.currentLeader() == nil }, waitFor, tick)
	assert.False(t, m.IsLeader())
	assert.Equal(t, replog.LogTerm(5), m.Term())
	require.Eventually(t, func() bool { return len(nodes[0].election.SteppedDown()) == 1 }, waitFor, tick)
	nodes[0].election.AssertCalled(t, "OnStepDown", replog.LogTerm(5))

	_, err := m.AppendEntry(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)
}

// reenterOnStepDown makes n's election call back into the manager from OnStepDown
func reenterOnStepDown(n *node) {
	n.election.ExpectedCalls = nil
	expectElection(n.election)
	n.election.On("OnStepDown", mock.Anything).Run(func(args mock.Arguments) {
		_ = n.manager.StepDown(args.Get(0).(replog.LogTerm))
	}).Return()
}

func TestLogManager_ElectionReentersOnStepDown(t *testing.T) {
	t.Run("higher term in a request", func(t *testing.T) {
		nodes, _ := newCluster(t, 2)
		reenterOnStepDown(nodes[0])
		m := nodes[0].manager

		require.NoError(t, m.BecomeLeader(1, others(nodes, 0)))
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		index, err := m.AppendEntry(ctx, []byte("term-1"))
		require.NoError(t, err)
		_, err = m.WaitForIndex(ctx, index)
		require.NoError(t, err)

		res, err := m.HandleAppendEntries(ctx, &replog.AppendEntriesRequest{
			LeaderTerm:   2,
			LeaderID:     "node-2",
			PrevLogIndex: index,
			PrevLogTerm:  1,
			LeaderCommit: index,
		})
		require.NoError(t, err)
		assert.True(t, res.Success)

		require.Eventually(t, func() bool { return len(nodes[0].election.SteppedDown()) == 1 }, waitFor, tick)
		assert.Equal(t, []replog.LogTerm{2}, nodes[0].election.SteppedDown())
		assert.Equal(t, replog.LogTerm(2), m.Term())
		assert.False(t, m.IsLeader())

		// The manager is still usable after the callback ran
		require.NoError(t, m.BecomeLeader(3, others(nodes, 0)))
		assert.True(t, m.IsLeader())
	})

	t.Run("higher term in a reply", func(t *testing.T) {
		nodes, _ := newCluster(t, 3)
		require.NoError(t, nodes[1].manager.StepDown(5))
		reenterOnStepDown(nodes[0])
		m := nodes[0].manager

		require.NoError(t, m.BecomeLeader(1, others(nodes, 0)))
		require.Eventually(t, func() bool { return len(nodes[0].election.SteppedDown()) == 1 }, waitFor, tick)
		assert.Equal(t, []replog.LogTerm{5}, nodes[0].election.SteppedDown())
		assert.Equal(t, replog.LogTerm(5), m.Term())
		assert.False(t, m.IsLeader())

		require.NoError(t, m.BecomeLeader(6, others(nodes, 0)))
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		index, err := m.AppendEntry(ctx, []byte("term-6"))
		require.NoError(t, err)
		status, err := m.WaitForIndex(ctx, index)
		require.NoError(t, err)
		assert.Equal(t, replog.LogTerm(6), status.Term)
	})
}

func TestLogManager_BecomeLeaderConsultsElection(t *testing.T) {
	net := transport.NewInProcTransport()
	election := &mocks.MockElection{}
	m, err := NewLogManager(Options{
		ID:        "n1",
		Store:     storage.NewMemoryLogStore(),
		Transport: net.Sender("n1"),
		Election:  election,
		Config:    testConfig(),
	})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)

	t.Run("not the elected leader", func(t *testing.T) {
		election.On("IsLeader").Return(false).Once()

		assert.ErrorIs(t, m.BecomeLeader(1, nil), replog.ErrNotLeader)
		assert.False(t, m.IsLeader())
		assert.Equal(t, replog.LogTerm(0), m.Term())
	})

	t.Run("election is already past the term", func(t *testing.T) {
		election.On("IsLeader").Return(true).Once()
		election.On("CurrentTerm").Return(replog.LogTerm(4)).Once()

		err := m.BecomeLeader(3, nil)
		var stale *replog.StaleTermError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, replog.LogTerm(3), stale.Term)
		assert.Equal(t, replog.LogTerm(4), stale.CurrentTerm)
		assert.False(t, m.IsLeader())
	})

	t.Run("elected for the current term", func(t *testing.T) {
		election.On("IsLeader").Return(true).Once()
		election.On("CurrentTerm").Return(replog.LogTerm(4)).Once()

		require.NoError(t, m.BecomeLeader(4, nil))
		assert.True(t, m.IsLeader())
		assert.Equal(t, replog.LogTerm(4), m.Term())
	})

	election.AssertExpectations(t)
}

func TestLogManager_LeaderLifecycle(t *testing.T) {
	nodes, _ := newCluster(t, 2)
	m := nodes[0].manager

	require.NoError(t, m.BecomeLeader(3, others(nodes, 0)))

	t.Run("same term is idempotent", func(t *testing.T) {
		require.NoError(t, m.BecomeLeader(3, others(nodes, 0)))
		assert.True(t, m.IsLeader())
	})

	t.Run("older term is refused", func(t *testing.T) {
		err := m.BecomeLeader(2, others(nodes, 0))
		var stale *replog.StaleTermError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, replog.LogTerm(3), stale.CurrentTerm)
	})

	t.Run("explicit step down does not notify the election", func(t *testing.T) {
		require.NoError(t, m.StepDown(4))
		assert.False(t, m.IsLeader())
		assert.Equal(t, replog.LogTerm(4), m.Term())
		nodes[0].election.AssertNotCalled(t, "OnStepDown", mock.Anything)
	})

	t.Run("stale requests are rejected while leading", func(t *testing.T) {
		require.NoError(t, m.BecomeLeader(6, others(nodes, 0)))
		res, err := m.HandleAppendEntries(context.Background(), &replog.AppendEntriesRequest{LeaderTerm: 6, LeaderID: "rogue"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, replog.RejectStaleTerm, res.Reason)
		assert.True(t, m.IsLeader())
	})
}

// blockingStore parks Append until released
type blockingStore struct {
	*storage.MemoryLogStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Append(entries []replog.LogEntry) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.MemoryLogStore.Append(entries)
}

func TestLogManager_WorkQueue(t *testing.T) {
	store := &blockingStore{
		MemoryLogStore: storage.NewMemoryLogStore(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.WorkQueueSize = 1

	m, err := NewLogManager(Options{ID: "n1", Store: store, Transport: transport.NewInProcTransport(), Config: cfg})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx := context.Background()

	t.Run("not started", func(t *testing.T) {
		_, err := m.HandleAppendEntries(ctx, &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "l"})
		assert.ErrorIs(t, err, replog.ErrManagerStopped)
	})

	m.Start()

	withEntry := &replog.AppendEntriesRequest{
		LeaderTerm: 1,
		LeaderID:   "l",
		Entries:    []replog.LogEntry{{Term: 1, Index: 1, Payload: []byte("a")}},
	}

	results := make(chan error, 2)
	go func() {
		_, err := m.HandleAppendEntries(ctx, withEntry)
		results <- err
	}()
	<-store.entered

	// The worker is parked in Append; one more request fits in the queue
	go func() {
		_, err := m.HandleAppendEntries(ctx, &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "l", PrevLogIndex: 1, PrevLogTerm: 1})
		results <- err
	}()
	require.Eventually(t, func() bool { return len(m.workQueue) == 1 }, waitFor, tick)

	_, err = m.HandleAppendEntries(ctx, &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "l"})
	assert.ErrorIs(t, err, replog.ErrQueueFull)

	close(store.release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("queued request did not complete")
		}
	}

	t.Run("cancelled after the work started", func(t *testing.T) {
		store := &blockingStore{
			MemoryLogStore: storage.NewMemoryLogStore(),
			entered:        make(chan struct{}),
			release:        make(chan struct{}),
		}
		m, err := NewLogManager(Options{ID: "n2", Store: store, Transport: transport.NewInProcTransport(), Config: cfg})
		require.NoError(t, err)
		m.Start()
		t.Cleanup(m.Stop)
		require.NoError(t, m.BecomeLeader(1, nil))

		appendCtx, cancel := context.WithCancel(ctx)
		type appended struct {
			index replog.LogIndex
			err   error
		}
		done := make(chan appended, 1)
		go func() {
			index, err := m.AppendEntry(appendCtx, []byte("a"))
			done <- appended{index, err}
		}()
		<-store.entered
		cancel()
		close(store.release)

		// The entry went into the log, so the caller gets its index rather than the cancellation
		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, replog.LogIndex(1), r.index)
		case <-time.After(waitFor):
			t.Fatal("append did not return")
		}
		assert.Len(t, store.Entries(), 1)
	})

	t.Run("stopped", func(t *testing.T) {
		m.Stop()
		m.Stop()
		_, err := m.HandleAppendEntries(ctx, &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "l"})
		assert.ErrorIs(t, err, replog.ErrManagerStopped)
		assert.ErrorIs(t, m.BecomeLeader(2, nil), replog.ErrManagerStopped)
	})
}

func TestLogManager_DispatchOneRequestPerTarget(t *testing.T) {
	net := transport.NewInProcTransport()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	net.Register("peer", replog.AppendEntriesHandlerFunc(
		func(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
			entered <- struct{}{}
			<-release
			return &replog.AppendEntriesResult{Term: req.LeaderTerm, Success: true}, nil
		}))

	cfg := testConfig()
	mm := metrics.NewMetrics()
	cfg.Metrics = mm
	m, err := NewLogManager(Options{ID: "n1", Store: storage.NewMemoryLogStore(), Transport: net.Sender("n1"), Config: cfg})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	req := &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "n1"}
	first := make(chan error, 1)
	go func() {
		_, err := m.AppendEntries(context.Background(), "peer", req)
		first <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.AppendEntries(ctx, "peer", req)
	require.Error(t, err)
	assert.True(t, replog.IsTransportError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, entered, 0, "second request must not reach the peer while the first is outstanding")

	close(release)
	require.NoError(t, <-first)

	res, err := m.AppendEntries(context.Background(), "peer", req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	report := mm.GetReport("n1", 2)
	assert.Equal(t, uint64(3), report.Dispatches)
	assert.Equal(t, uint64(1), report.DispatchErrors)

	data := mm.Sink().Data()
	require.NotEmpty(t, data)
	interval := data[len(data)-1]
	interval.RLock()
	defer interval.RUnlock()
	assert.Contains(t, interval.Samples, metrics.ServiceName+".dispatch;target=peer")
}

func TestNewLogManager_Validation(t *testing.T) {
	store := storage.NewMemoryLogStore()
	net := transport.NewInProcTransport()

	_, err := NewLogManager(Options{Store: store, Transport: net})
	assert.ErrorIs(t, err, replog.ErrInvalidConfig)
	_, err = NewLogManager(Options{ID: "n", Transport: net})
	assert.ErrorIs(t, err, replog.ErrInvalidConfig)
	_, err = NewLogManager(Options{ID: "n", Store: store})
	assert.ErrorIs(t, err, replog.ErrInvalidConfig)

	cfg := testConfig()
	cfg.Workers = 0
	_, err = NewLogManager(Options{ID: "n", Store: store, Transport: net, Config: cfg})
	assert.ErrorIs(t, err, replog.ErrInvalidConfig)
}
