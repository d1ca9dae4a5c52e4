package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-log/internal/replog"
)

func echoHandler(calls *int) replog.AppendEntriesHandler {
	return replog.AppendEntriesHandlerFunc(func(_ context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
		*calls++
		// Mutating the request must not leak back to the sender
		for i := range req.Entries {
			req.Entries[i].Payload[0] = 'x'
		}
		return &replog.AppendEntriesResult{Term: req.LeaderTerm, Success: true, MatchIndex: req.LastIndex()}, nil
	})
}

func TestInProcTransport_Delivers(t *testing.T) {
	tr := NewInProcTransport()
	var calls int
	tr.Register("b", echoHandler(&calls))

	req := &replog.AppendEntriesRequest{
		LeaderTerm: 2,
		LeaderID:   "a",
		Entries:    []replog.LogEntry{{Term: 2, Index: 1, Payload: []byte("p")}},
	}
	res, err := tr.AppendEntries(context.Background(), "b", req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, replog.LogIndex(1), res.MatchIndex)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, tr.Calls("b"))
	assert.Equal(t, []byte("p"), req.Entries[0].Payload)
}

func TestInProcTransport_Failures(t *testing.T) {
	tr := NewInProcTransport()
	var calls int
	tr.Register("b", echoHandler(&calls))
	sender := tr.Sender("a")
	req := &replog.AppendEntriesRequest{LeaderTerm: 1, LeaderID: "a"}

	t.Run("unknown target", func(t *testing.T) {
		_, err := sender.AppendEntries(context.Background(), "c", req)
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("isolated participant times out", func(t *testing.T) {
		tr.Isolate("a", true)
		defer tr.Isolate("a", false)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := sender.AppendEntries(ctx, "b", req)
		require.Error(t, err)
		assert.True(t, replog.IsTransportError(err))
		assert.ErrorIs(t, err, ErrPartitioned)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, tr.IsPartitioned("b", "a"))
	})

	t.Run("cut link", func(t *testing.T) {
		tr.Cut("a", "b", true)
		assert.True(t, tr.IsPartitioned("a", "b"))
		assert.True(t, tr.IsPartitioned("b", "a"))
		tr.Cut("a", "b", false)
		assert.False(t, tr.IsPartitioned("a", "b"))
	})

	t.Run("dropped", func(t *testing.T) {
		tr.SetDropRate(1)
		defer tr.SetDropRate(0)
		_, err := sender.AppendEntries(context.Background(), "b", req)
		assert.ErrorIs(t, err, ErrDropped)
	})

	t.Run("delay honors the deadline", func(t *testing.T) {
		tr.SetDelay(time.Second, 2*time.Second)
		defer tr.SetDelay(0, 0)

		before := calls
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := sender.AppendEntries(ctx, "b", req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, before, calls)
	})

	t.Run("healed network delivers again", func(t *testing.T) {
		res, err := sender.AppendEntries(context.Background(), "b", req)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}
