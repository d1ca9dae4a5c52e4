package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"replicated-log/internal/replog"
)

var ErrUnknownPeer = errors.New("unknown peer")

// GRPCTransport implements replog.Transport over gRPC. Peers are dialed by participant id through the transport's own
// resolver, so an address change only needs SetPeerAddress.
type GRPCTransport struct {
	// ParticipantID -> *grpc.ClientConn. sync.Map is optimized for the read-mostly access of the replicators.
	clientsConnPool *sync.Map
	registry        *peerRegistry

	// Per attempt deadline, applied on top of the caller's ctx
	rpcTimeout time.Duration
	logger     *zap.Logger
}

// NewGRPCTransport creates a transport. peers maps participant ids to "host:port" addresses.
func NewGRPCTransport(peers map[replog.ParticipantID]string, cfg *replog.Config) (*GRPCTransport, error) {
	if cfg == nil {
		cfg = replog.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		clientsConnPool: &sync.Map{},
		registry:        newPeerRegistry(),
		rpcTimeout:      cfg.RPCTimeout,
		logger:          cfg.Logger.Named("transport"),
	}

	for id, addr := range peers {
		if err := t.AddPeer(id, addr); err != nil {
			// One unreachable peer must not prevent connections to the others
			t.logger.Warn("[TRANSPORT] failed to add peer", zap.String("peer", string(id)), zap.Error(err))
		}
	}
	return t, nil
}

// getClientConn retrieves the grpc.ClientConn of peerID from the connection pool
func (t *GRPCTransport) getClientConn(peerID replog.ParticipantID) (*grpc.ClientConn, error) {
	value, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for peer %s: %T", peerID, value)
	}
	return conn, nil
}

// AppendEntries sends a single AppendEntries attempt to target. Retrying is the replication loop's job. Every failure,
// including a deadline expiry, is returned as a *replog.TransportError.
func (t *GRPCTransport) AppendEntries(ctx context.Context, target replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	conn, err := t.getClientConn(target)
	if err != nil {
		return nil, &replog.TransportError{Target: target, Err: err}
	}

	rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	res, err := invokeAppendEntries(rpcCtx, conn, req)
	if err != nil {
		return nil, &replog.TransportError{Target: target, Err: fromStatus(err)}
	}
	return res, nil
}

// fromStatus maps deadline and cancellation statuses back to the context errors so callers can use errors.Is
func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	default:
		return err
	}
}

// AddPeer registers addr for peerID and opens a connection. Adding a known peer only updates its address.
func (t *GRPCTransport) AddPeer(peerID replog.ParticipantID, addr string) error {
	t.SetPeerAddress(peerID, addr)

	if _, err := t.getClientConn(peerID); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(targetFor(peerID),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(t.registry),
	)
	if err != nil {
		t.registry.remove(peerID)
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", peerID, err)
	}

	if _, loaded := t.clientsConnPool.LoadOrStore(peerID, conn); loaded {
		// Lost a race with a concurrent AddPeer
		_ = conn.Close()
		return nil
	}
	t.logger.Debug("[TRANSPORT] added peer", zap.String("peer", string(peerID)), zap.String("addr", addr))
	return nil
}

// SetPeerAddress records addr for peerID. A connected peer re-resolves to the new address without its connection being
// recreated; an unknown peer is dialed there by a later AddPeer.
func (t *GRPCTransport) SetPeerAddress(peerID replog.ParticipantID, addr string) {
	t.registry.set(peerID, addr)
}

// RemovePeer closes and forgets the connection to peerID
func (t *GRPCTransport) RemovePeer(peerID replog.ParticipantID) {
	t.registry.remove(peerID)
	if value, ok := t.clientsConnPool.LoadAndDelete(peerID); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warn("[TRANSPORT] failed to close connection", zap.String("peer", string(peerID)), zap.Error(err))
			}
		}
	}
}

// CloseAllClients closes every client connection opened by the transport
func (t *GRPCTransport) CloseAllClients() {
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warn("[TRANSPORT] failed to close connection", zap.Any("peer", key), zap.Error(err))
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Debug("[TRANSPORT] all client connections closed")
}
