package leader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-log/internal/replog"
)

func isResolved(f *CommitFuture) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestWaitForQueue_ResolveUpTo(t *testing.T) {
	q := NewWaitForQueue()

	f3 := q.Register(3)
	f5a := q.Register(5)
	f5b := q.Register(5)
	f10 := q.Register(10)
	assert.Equal(t, 4, q.Len())

	t.Run("nothing below the lowest index", func(t *testing.T) {
		assert.Equal(t, 0, q.ResolveUpTo(2, 1))
		assert.False(t, isResolved(f3))
	})

	t.Run("resolves every satisfied waiter in one pass", func(t *testing.T) {
		assert.Equal(t, 3, q.ResolveUpTo(7, 2))
		assert.True(t, isResolved(f3))
		assert.True(t, isResolved(f5a))
		assert.True(t, isResolved(f5b))
		assert.False(t, isResolved(f10))
		assert.Equal(t, 1, q.Len())

		status, err := f5a.Result()
		require.NoError(t, err)
		assert.Equal(t, replog.CommitStatus{Index: 5, CommitIndex: 7, Term: 2}, status)
	})

	t.Run("late registrations below the commit wait for the next advance", func(t *testing.T) {
		f1 := q.Register(1)
		assert.Equal(t, 2, q.ResolveUpTo(10, 2))
		assert.True(t, isResolved(f1))
		assert.True(t, isResolved(f10))
		assert.Equal(t, 0, q.Len())
	})
}

func TestWaitForQueue_Cancel(t *testing.T) {
	q := NewWaitForQueue()

	f := q.Register(4)
	other := q.Register(4)

	assert.True(t, q.Cancel(f))
	assert.False(t, q.Cancel(f))
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, 1, q.ResolveUpTo(4, 1))
	assert.False(t, isResolved(f))
	assert.True(t, isResolved(other))
	assert.False(t, q.Cancel(other))

	t.Run("re-registering an emptied index", func(t *testing.T) {
		g := q.Register(6)
		require.True(t, q.Cancel(g))
		h := q.Register(6)
		assert.Equal(t, 1, q.ResolveUpTo(6, 1))
		assert.True(t, isResolved(h))
		assert.Equal(t, 0, q.Len())
	})
}

func TestWaitForQueue_FailAll(t *testing.T) {
	q := NewWaitForQueue()
	boom := errors.New("boom")

	f := q.Register(2)
	g := q.Register(9)

	assert.Equal(t, 2, q.FailAll(boom))
	assert.Equal(t, 0, q.Len())

	_, err := f.Result()
	assert.ErrorIs(t, err, boom)
	_, err = g.Result()
	assert.ErrorIs(t, err, boom)

	// The queue stays usable
	h := q.Register(1)
	assert.Equal(t, 1, q.ResolveUpTo(1, 1))
	assert.True(t, isResolved(h))
}

func TestCommitFuture_Wait(t *testing.T) {
	t.Run("context expiry cancels the registration", func(t *testing.T) {
		q := NewWaitForQueue()
		f := q.Register(3)
		f.cancel = func() { q.Cancel(f) }

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("returns the status once resolved", func(t *testing.T) {
		q := NewWaitForQueue()
		f := q.Register(1)
		q.ResolveUpTo(1, 3)

		status, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, replog.LogTerm(3), status.Term)
	})
}
