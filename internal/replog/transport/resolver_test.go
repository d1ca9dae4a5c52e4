package transport

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
)

func targetOf(id string) resolver.Target {
	return resolver.Target{URL: url.URL{Scheme: resolverScheme, Path: "/" + id}}
}

func TestPeerRegistry_Scheme(t *testing.T) {
	assert.Equal(t, "replog", newPeerRegistry().Scheme())
	assert.Equal(t, "replog:///node-1", targetFor("node-1"))
}

func TestPeerRegistry_Set(t *testing.T) {
	reg := newPeerRegistry()

	t.Run("registers peer address", func(t *testing.T) {
		reg.set("node-1", "localhost:5001")
		addr, ok := reg.lookup("node-1")
		assert.True(t, ok)
		assert.Equal(t, "localhost:5001", addr)
	})

	t.Run("updates existing peer address", func(t *testing.T) {
		reg.set("node-2", "localhost:5002")
		reg.set("node-2", "localhost:5003")
		addr, _ := reg.lookup("node-2")
		assert.Equal(t, "localhost:5003", addr)
	})

	t.Run("removes peer", func(t *testing.T) {
		reg.remove("node-1")
		_, ok := reg.lookup("node-1")
		assert.False(t, ok)
	})
}

func TestPeerRegistry_Build(t *testing.T) {
	reg := newPeerRegistry()

	t.Run("pushes the registered address", func(t *testing.T) {
		reg.set("node-1", "localhost:8001")
		cc := &mockClientConn{}

		res, err := reg.Build(targetOf("node-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		last := cc.last()
		require.Len(t, last.Addresses, 1)
		assert.Equal(t, "localhost:8001", last.Addresses[0].Addr)
	})

	t.Run("pushes empty state when the address is unknown", func(t *testing.T) {
		cc := &mockClientConn{}
		res, err := reg.Build(targetOf("unknown"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		assert.Len(t, cc.last().Addresses, 0)
	})

	t.Run("returns error for empty endpoint", func(t *testing.T) {
		_, err := reg.Build(resolver.Target{URL: url.URL{Scheme: resolverScheme}}, &mockClientConn{}, resolver.BuildOptions{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "empty target endpoint")
	})
}

func TestPeerResolver_Updates(t *testing.T) {
	reg := newPeerRegistry()
	cc := &mockClientConn{}

	res, err := reg.Build(targetOf("node-3"), cc, resolver.BuildOptions{})
	require.NoError(t, err)

	initial := cc.count()

	t.Run("address change is pushed to active resolvers", func(t *testing.T) {
		reg.set("node-3", "localhost:9001")
		assert.Greater(t, cc.count(), initial)
		assert.Equal(t, "localhost:9001", cc.last().Addresses[0].Addr)
	})

	t.Run("ResolveNow pushes the current state", func(t *testing.T) {
		before := cc.count()
		res.ResolveNow(resolver.ResolveNowOptions{})
		assert.Equal(t, before+1, cc.count())
	})

	t.Run("Close removes the watcher", func(t *testing.T) {
		res.Close()
		reg.mu.RLock()
		watchers := reg.watchers["node-3"]
		reg.mu.RUnlock()
		assert.Len(t, watchers, 0)

		before := cc.count()
		reg.set("node-3", "localhost:9002")
		assert.Equal(t, before, cc.count())
	})
}

type mockClientConn struct {
	mu     sync.Mutex
	states []resolver.State
}

func (m *mockClientConn) UpdateState(s resolver.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
	return nil
}

func (m *mockClientConn) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func (m *mockClientConn) last() resolver.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[len(m.states)-1]
}

func (m *mockClientConn) ReportError(error) {}

func (m *mockClientConn) NewAddress([]resolver.Address) {}

func (m *mockClientConn) NewServiceConfig(string) {}

func (m *mockClientConn) ParseServiceConfig(string) *serviceconfig.ParseResult {
	return &serviceconfig.ParseResult{}
}
