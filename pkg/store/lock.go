package store

import (
	"context"
	"fmt"
	"time"
)

// acquireLock implements an "advisory, fair" lock generically
// on top of the Client primitives (CAS write + watch), so both the raft
// coordinator store and the gRPC remote client share one implementation
// instead of duplicating lock semantics per transport.
//
// Fairness is approximate: a holder writes its own session token as the
// lock value; waiters watch the key and retry the CAS the moment it goes
// empty, backing off between attempts to avoid a thundering herd.
func acquireLock(ctx context.Context, c Client, key string) (Unlocker, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	changed := make(chan struct{}, 1)
	cancel, err := c.WatchData(ctx, key, func(ev Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	backoff := 25 * time.Millisecond
	for {
		holder, _, err := c.Read(ctx, key)
		expected := Create
		if err == nil && holder != "" {
			// Someone holds it; wait for a change or poll timeout, then retry.
			select {
			case <-changed:
			case <-time.After(backoff):
				if backoff < time.Second {
					backoff *= 2
				}
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			}
			continue
		}
		if err == nil {
			expected = Any
		}
		writeErr := c.WriteTxn(ctx, []WriteOp{{Key: key, Expected: expected, Data: token}}, nil)
		if writeErr == nil {
			return &lockHandle{client: c, key: key, token: token, cancel: cancel}, nil
		}
		if writeErr != ErrConflict {
			cancel()
			return nil, writeErr
		}
		select {
		case <-changed:
		case <-time.After(backoff):
			if backoff < time.Second {
				backoff *= 2
			}
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

type lockHandle struct {
	client Client
	key    string
	token  string
	cancel CancelFunc
}

func (l *lockHandle) Unlock() error {
	defer l.cancel()
	return l.client.WriteTxn(context.Background(), nil, []Delete{{Key: l.key, Expected: Any}})
}
