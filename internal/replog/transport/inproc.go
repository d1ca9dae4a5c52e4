package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"replicated-log/internal/replog"
)

var (
	ErrPartitioned = errors.New("network partition")
	ErrDropped     = errors.New("message dropped")
)

// InProcTransport delivers AppendEntries calls to handlers in the same process. It can drop, delay and partition
// traffic, which makes it the transport of choice for tests and local demos.
type InProcTransport struct {
	mu       sync.RWMutex
	handlers map[replog.ParticipantID]replog.AppendEntriesHandler
	dropRate float64
	delayMin time.Duration
	delayMax time.Duration
	// Isolated participants can neither send nor receive
	isolated map[replog.ParticipantID]bool
	// Cut links, keyed by directed (from, to) pair
	cut   map[link]bool
	calls map[replog.ParticipantID]int
}

type link struct {
	from, to replog.ParticipantID
}

func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		handlers: make(map[replog.ParticipantID]replog.AppendEntriesHandler),
		isolated: make(map[replog.ParticipantID]bool),
		cut:      make(map[link]bool),
		calls:    make(map[replog.ParticipantID]int),
	}
}

// Register makes handler reachable as id
func (t *InProcTransport) Register(id replog.ParticipantID, handler replog.AppendEntriesHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = handler
}

func (t *InProcTransport) Unregister(id replog.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

// SetDropRate sets the probability in [0, 1] that a call fails without reaching its target
func (t *InProcTransport) SetDropRate(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropRate = rate
}

// SetDelay delays every call by a random duration in [min, max)
func (t *InProcTransport) SetDelay(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delayMin = min
	t.delayMax = max
}

// Isolate cuts id off from every other participant, or heals it
func (t *InProcTransport) Isolate(id replog.ParticipantID, isolated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isolated[id] = isolated
}

// Cut breaks or heals the link between a and b in both directions
func (t *InProcTransport) Cut(a, b replog.ParticipantID, cut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cut[link{a, b}] = cut
	t.cut[link{b, a}] = cut
}

// Calls returns how many calls were addressed to target, delivered or not
func (t *InProcTransport) Calls(target replog.ParticipantID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls[target]
}

// IsPartitioned reports whether traffic from one participant to another is blocked
func (t *InProcTransport) IsPartitioned(from, to replog.ParticipantID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isPartitionedLocked(from, to)
}

func (t *InProcTransport) isPartitionedLocked(from, to replog.ParticipantID) bool {
	return t.isolated[from] || t.isolated[to] || t.cut[link{from, to}]
}

// Sender returns a replog.Transport that sends on behalf of from, so partitions apply to its traffic
func (t *InProcTransport) Sender(from replog.ParticipantID) replog.Transport {
	return &inProcSender{transport: t, from: from}
}

type inProcSender struct {
	transport *InProcTransport
	from      replog.ParticipantID
}

func (s *inProcSender) AppendEntries(ctx context.Context, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	return s.transport.send(ctx, s.from, target, req)
}

// AppendEntries sends req on behalf of req.LeaderID
func (t *InProcTransport) AppendEntries(ctx context.Context, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	return t.send(ctx, req.LeaderID, target, req)
}

func (t *InProcTransport) send(ctx context.Context, from, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	t.mu.Lock()
	t.calls[target]++
	handler, exists := t.handlers[target]
	partitioned := t.isPartitionedLocked(from, target)
	dropRate := t.dropRate
	delayMin, delayMax := t.delayMin, t.delayMax
	t.mu.Unlock()

	if !exists {
		return nil, &replog.TransportError{Target: target, Err: ErrUnknownPeer}
	}
	if partitioned {
		// A partition looks like a silent network to the sender
		<-ctx.Done()
		return nil, &replog.TransportError{Target: target, Err: errors.Join(ErrPartitioned, ctx.Err())}
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil, &replog.TransportError{Target: target, Err: ErrDropped}
	}

	delay := delayMin
	if delayMax > delayMin {
		delay += time.Duration(rand.Int63n(int64(delayMax - delayMin)))
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &replog.TransportError{Target: target, Err: ctx.Err()}
		}
	}

	// The receiver must not share memory with the sender
	res, err := handler.HandleAppendEntries(ctx, cloneRequest(req))
	if err != nil {
		return nil, &replog.TransportError{Target: target, Err: err}
	}
	if ctx.Err() != nil {
		// The response arrived after the caller gave up
		return nil, &replog.TransportError{Target: target, Err: ctx.Err()}
	}
	out := *res
	return &out, nil
}

func cloneRequest(req *replog.AppendEntriesRequest) *replog.AppendEntriesRequest {
	out := *req
	out.Entries = replog.CloneEntries(req.Entries)
	return &out
}
