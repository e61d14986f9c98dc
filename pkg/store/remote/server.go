package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server adapts a coordinator's store.Client onto the remote ServiceDesc so
// hypervisor-only nodes can reach it over gRPC. One Server is shared by
// every hypervisor connection; outstanding locks are tracked by a token the
// client must present to Unlock, since the lock itself is held on this
// goroutine's stack inside Client.Lock and the RPC that acquired it has
// already returned.
type Server struct {
	backend store.Client

	mu    sync.Mutex
	locks map[string]store.Unlocker
}

// NewServer wraps backend (normally a *store.CoordinatorStore) for gRPC
// exposure.
func NewServer(backend store.Client) *Server {
	return &Server{backend: backend, locks: make(map[string]store.Unlocker)}
}

// Register attaches the store service to an existing grpc.Server.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

func (s *Server) Read(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req readRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	data, version, err := s.backend.Read(ctx, req.Key)
	if err == store.ErrNotFound {
		return encode(readResponse{Found: false})
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return encode(readResponse{Data: data, Version: version, Found: true})
}

func (s *Server) Children(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req childrenRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	names, err := s.backend.Children(ctx, req.Key)
	if err != nil {
		return nil, translateErr(err)
	}
	return encode(childrenResponse{Names: names})
}

func (s *Server) WriteTxn(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req writeTxnRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.WriteTxn(ctx, req.Ops, req.Dels); err != nil {
		return nil, translateErr(err)
	}
	return encode(writeTxnResponse{})
}

func (s *Server) EphemeralCreate(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req ephemeralCreateRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.backend.EphemeralCreate(ctx, req.Key, req.Data, ttl); err != nil {
		return nil, translateErr(err)
	}
	return encode(ephemeralCreateResponse{})
}

// Lock blocks until the advisory lock is acquired, then returns a token the
// client must present to Unlock. If the client's connection drops before
// calling Unlock, the lock leaks until the server process restarts.
func (s *Server) Lock(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req lockRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	unlocker, err := s.backend.Lock(ctx, req.Key)
	if err != nil {
		return nil, translateErr(err)
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.locks[token] = unlocker
	s.mu.Unlock()
	return encode(lockResponse{Token: token})
}

func (s *Server) Unlock(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req unlockRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.mu.Lock()
	unlocker, found := s.locks[req.Token]
	delete(s.locks, req.Token)
	s.mu.Unlock()
	if !found {
		return nil, status.Error(codes.NotFound, "unknown lock token")
	}
	if err := unlocker.Unlock(); err != nil {
		return nil, translateErr(err)
	}
	return encode(unlockResponse{})
}

func (s *Server) WatchData(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	var req watchRequest
	if err := decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx := stream.Context()
	errCh := make(chan error, 1)
	cancel, err := s.backend.WatchData(ctx, req.Key, func(ev store.Event) {
		msg, encErr := encode(watchDataEvent{Key: ev.Key, Data: ev.Data, Version: ev.Version, Tombstone: ev.Tombstone})
		if encErr != nil {
			return
		}
		if sendErr := stream.SendMsg(msg); sendErr != nil {
			select {
			case errCh <- sendErr:
			default:
			}
		}
	})
	if err != nil {
		return translateErr(err)
	}
	defer cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sendErr := <-errCh:
		return sendErr
	}
}

func (s *Server) WatchChildren(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	var req watchRequest
	if err := decode(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx := stream.Context()
	errCh := make(chan error, 1)
	cancel, err := s.backend.WatchChildren(ctx, req.Key, func(names []string) {
		msg, encErr := encode(watchChildrenEvent{Names: names})
		if encErr != nil {
			return
		}
		if sendErr := stream.SendMsg(msg); sendErr != nil {
			select {
			case errCh <- sendErr:
			default:
			}
		}
	})
	if err != nil {
		return translateErr(err)
	}
	defer cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sendErr := <-errCh:
		return sendErr
	}
}

func translateErr(err error) error {
	switch err {
	case store.ErrConflict:
		return status.Error(codes.Aborted, err.Error())
	case store.ErrNotFound:
		return status.Error(codes.NotFound, err.Error())
	case store.ErrDisconnected:
		return status.Error(codes.Unavailable, err.Error())
	case store.ErrLockHeld:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprintf("store: %v", err))
	}
}
