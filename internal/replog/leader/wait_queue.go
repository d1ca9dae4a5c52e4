package leader

import (
	"container/heap"
	"context"
	"sync"

	"replicated-log/internal/replog"
)

// CommitFuture resolves once the leader's commit index reaches Index, or fails when the leader steps down.
type CommitFuture struct {
	index replog.LogIndex
	done  chan struct{}

	// Written once before done is closed
	status replog.CommitStatus
	err    error

	// cancel removes the registration from its queue, set by the owner of the queue
	cancel     func()
	cancelOnce sync.Once
}

func newCommitFuture(index replog.LogIndex) *CommitFuture {
	return &CommitFuture{index: index, done: make(chan struct{})}
}

// Index returns the awaited index
func (f *CommitFuture) Index() replog.LogIndex {
	return f.index
}

// Done is closed once the future is resolved
func (f *CommitFuture) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is resolved.
func (f *CommitFuture) Result() (replog.CommitStatus, error) {
	<-f.done
	return f.status, f.err
}

// Wait blocks until the future is resolved or ctx is done. On ctx expiry the registration is dropped, which has no
// other side effect.
func (f *CommitFuture) Wait(ctx context.Context) (replog.CommitStatus, error) {
	select {
	case <-f.done:
		return f.status, f.err
	case <-ctx.Done():
		f.Cancel()
		// The future may have resolved concurrently, prefer the result if so
		select {
		case <-f.done:
			return f.status, f.err
		default:
		}
		return replog.CommitStatus{}, ctx.Err()
	}
}

// Cancel drops the registration. It is a no-op on resolved futures.
func (f *CommitFuture) Cancel() {
	f.cancelOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
	})
}

func (f *CommitFuture) resolve(status replog.CommitStatus, err error) {
	f.status, f.err = status, err
	close(f.done)
}

// WaitForQueue keeps pending CommitFutures ordered by index so that advancing the commit index resolves every
// satisfied waiter in one pass. Waiters on the same index share a bucket. It is not safe for concurrent use; the
// LeaderLog guards it with the same mutex as the commit index.
type WaitForQueue struct {
	// Min-heap of indices that have (or had) a bucket. Indices whose bucket was emptied by cancellation are skipped
	// lazily when popped.
	indices indexHeap
	buckets map[replog.LogIndex]map[*CommitFuture]struct{}
	size    int
}

func NewWaitForQueue() *WaitForQueue {
	return &WaitForQueue{buckets: make(map[replog.LogIndex]map[*CommitFuture]struct{})}
}

// Register adds a waiter for index.
func (q *WaitForQueue) Register(index replog.LogIndex) *CommitFuture {
	f := newCommitFuture(index)

	bucket, ok := q.buckets[index]
	if !ok {
		bucket = make(map[*CommitFuture]struct{})
		q.buckets[index] = bucket
		heap.Push(&q.indices, index)
	}
	bucket[f] = struct{}{}
	q.size++
	return f
}

// Cancel drops f from the queue. It returns false if f was not registered (already resolved or removed).
func (q *WaitForQueue) Cancel(f *CommitFuture) bool {
	bucket, ok := q.buckets[f.index]
	if !ok {
		return false
	}
	if _, ok := bucket[f]; !ok {
		return false
	}
	delete(bucket, f)
	if len(bucket) == 0 {
		delete(q.buckets, f.index)
	}
	q.size--
	return true
}

// ResolveUpTo resolves every waiter with index <= commitIndex and returns how many were resolved.
func (q *WaitForQueue) ResolveUpTo(commitIndex replog.LogIndex, term replog.LogTerm) int {
	resolved := 0
	for q.indices.Len() > 0 && q.indices[0] <= commitIndex {
		index := heap.Pop(&q.indices).(replog.LogIndex)
		bucket, ok := q.buckets[index]
		if !ok {
			continue
		}
		delete(q.buckets, index)
		for f := range bucket {
			f.resolve(replog.CommitStatus{Index: index, CommitIndex: commitIndex, Term: term}, nil)
			resolved++
		}
	}
	q.size -= resolved
	return resolved
}

// FailAll resolves every pending waiter with err.
func (q *WaitForQueue) FailAll(err error) int {
	failed := 0
	for index, bucket := range q.buckets {
		for f := range bucket {
			f.resolve(replog.CommitStatus{Index: index}, err)
			failed++
		}
	}
	q.buckets = make(map[replog.LogIndex]map[*CommitFuture]struct{})
	q.indices = q.indices[:0]
	q.size = 0
	return failed
}

// Len returns the number of pending waiters
func (q *WaitForQueue) Len() int {
	return q.size
}

// indexHeap implements heap.Interface over log indices
type indexHeap []replog.LogIndex

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *indexHeap) Push(x any) {
	*h = append(*h, x.(replog.LogIndex))
}

func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
