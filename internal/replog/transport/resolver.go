package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"replicated-log/internal/replog"
)

// resolverScheme lets a connection dial a participant by id: "replog:///<participant id>"
const resolverScheme = "replog"

// peerRegistry maps participant ids to network addresses and is the resolver.Builder for the "replog" scheme. Each
// GRPCTransport owns its registry and passes it with grpc.WithResolvers, so several transports in one process do not
// share address books.
type peerRegistry struct {
	mu       sync.RWMutex
	records  map[replog.ParticipantID]string
	watchers map[replog.ParticipantID]map[*peerResolver]struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		records:  make(map[replog.ParticipantID]string),
		watchers: make(map[replog.ParticipantID]map[*peerResolver]struct{}),
	}
}

// set sets or updates the address for id and notifies the active resolvers
func (reg *peerRegistry) set(id replog.ParticipantID, addr string) {
	reg.mu.Lock()
	reg.records[id] = addr
	watchers := make([]*peerResolver, 0, len(reg.watchers[id]))
	for w := range reg.watchers[id] {
		watchers = append(watchers, w)
	}
	reg.mu.Unlock()

	// Notify after unlocking, UpdateState may call back into ResolveNow
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (reg *peerRegistry) remove(id replog.ParticipantID) {
	reg.mu.Lock()
	delete(reg.records, id)
	reg.mu.Unlock()
}

func (reg *peerRegistry) lookup(id replog.ParticipantID) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	addr, ok := reg.records[id]
	return addr, ok
}

func (reg *peerRegistry) Scheme() string { return resolverScheme }

func (reg *peerRegistry) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := replog.ParticipantID(target.Endpoint())
	if id == "" {
		return nil, fmt.Errorf("replog resolver: empty target endpoint: %+v", target)
	}

	r := &peerResolver{id: id, cc: cc, registry: reg}

	reg.mu.Lock()
	set := reg.watchers[id]
	if set == nil {
		set = make(map[*peerResolver]struct{})
		reg.watchers[id] = set
	}
	set[r] = struct{}{}
	reg.mu.Unlock()

	r.pushCurrent()
	return r, nil
}

func targetFor(id replog.ParticipantID) string {
	return fmt.Sprintf("%s:///%s", resolverScheme, id)
}

type peerResolver struct {
	id       replog.ParticipantID
	cc       resolver.ClientConn
	registry *peerRegistry
}

func (r *peerResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *peerResolver) Close() {
	r.registry.mu.Lock()
	defer r.registry.mu.Unlock()
	if set, ok := r.registry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.registry.watchers, r.id)
		}
	}
}

func (r *peerResolver) pushCurrent() {
	addr, ok := r.registry.lookup(r.id)
	if !ok || addr == "" {
		// No address yet, gRPC keeps the channel in TRANSIENT_FAILURE until one is pushed
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
