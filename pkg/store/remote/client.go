package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is the hypervisor-only side of store.Client: every call is
// forwarded as an RPC to a coordinator over the hand-authored ServiceDesc.
// Watch callbacks are dispatched from the goroutine draining the server
// stream, so a slow callback stalls only that one watch's delivery, never
// another caller's RPCs (same non-blocking contract store.Client requires
// of the coordinator implementation).
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a coordinator's remote store endpoint. tlsCreds may be
// nil to use an insecure connection (intra-cluster only, never for a
// CLI-facing surface).
func Dial(addr string, tlsCreds credentials.TransportCredentials) (*Client, error) {
	creds := insecure.NewCredentials()
	if tlsCreds != nil {
		creds = tlsCreds
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Connected() bool {
	switch c.conn.GetState() {
	case connectivity.Ready, connectivity.Idle:
		return true
	default:
		return false
	}
}

func (c *Client) invoke(ctx context.Context, method string, req interface{}, resp interface{}) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(wrapperspb.BytesValue)
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, method)
	if err := c.conn.Invoke(ctx, fullMethod, in, out); err != nil {
		return translateClientErr(err)
	}
	return decode(out, resp)
}

func (c *Client) Read(ctx context.Context, key string) (string, int64, error) {
	var resp readResponse
	if err := c.invoke(ctx, "Read", readRequest{Key: key}, &resp); err != nil {
		return "", 0, err
	}
	if !resp.Found {
		return "", 0, store.ErrNotFound
	}
	return resp.Data, resp.Version, nil
}

func (c *Client) Children(ctx context.Context, key string) ([]string, error) {
	var resp childrenResponse
	if err := c.invoke(ctx, "Children", childrenRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return resp.Names, nil
}

func (c *Client) WriteTxn(ctx context.Context, ops []store.WriteOp, dels []store.Delete) error {
	var resp writeTxnResponse
	return c.invoke(ctx, "WriteTxn", writeTxnRequest{Ops: ops, Dels: dels}, &resp)
}

func (c *Client) EphemeralCreate(ctx context.Context, key, data string, ttl time.Duration) error {
	var resp ephemeralCreateResponse
	return c.invoke(ctx, "EphemeralCreate", ephemeralCreateRequest{
		Key: key, Data: data, TTLSeconds: int64(ttl / time.Second),
	}, &resp)
}

func (c *Client) Lock(ctx context.Context, key string) (store.Unlocker, error) {
	var resp lockResponse
	if err := c.invoke(ctx, "Lock", lockRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return &remoteLock{client: c, key: key, token: resp.Token}, nil
}

type remoteLock struct {
	client *Client
	key    string
	token  string
}

func (l *remoteLock) Unlock() error {
	var resp unlockResponse
	return l.client.invoke(context.Background(), "Unlock", unlockRequest{Key: l.key, Token: l.token}, &resp)
}

func (c *Client) watchStream(ctx context.Context, method string, key string) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, method)
	stream, err := c.conn.NewStream(ctx, desc, fullMethod)
	if err != nil {
		return nil, translateClientErr(err)
	}
	in, err := encode(watchRequest{Key: key})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, translateClientErr(err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, translateClientErr(err)
	}
	return stream, nil
}

func (c *Client) WatchData(ctx context.Context, key string, cb func(store.Event)) (store.CancelFunc, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := c.watchStream(watchCtx, "WatchData", key)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for {
			msg := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			var ev watchDataEvent
			if err := decode(msg, &ev); err != nil {
				continue
			}
			cb(store.Event{Key: ev.Key, Data: ev.Data, Version: ev.Version, Tombstone: ev.Tombstone})
		}
	}()
	return cancel, nil
}

func (c *Client) WatchChildren(ctx context.Context, key string, cb func([]string)) (store.CancelFunc, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := c.watchStream(watchCtx, "WatchChildren", key)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for {
			msg := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			var ev watchChildrenEvent
			if err := decode(msg, &ev); err != nil {
				continue
			}
			cb(ev.Names)
		}
	}()
	return cancel, nil
}

// translateClientErr maps a gRPC status error back onto the store error
// sentinels so callers (e.g. pkg/store's generic acquireLock) can branch on
// them identically regardless of transport.
func translateClientErr(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", store.ErrDisconnected, err)
	}
	switch st.Code() {
	case codes.Aborted:
		return store.ErrConflict
	case codes.NotFound:
		return store.ErrNotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %v", store.ErrDisconnected, err)
	default:
		return fmt.Errorf("remote store: %w", err)
	}
}
