// Package store defines the replicated configuration store contract used by
// every other component of the daemon: a hierarchical key-value space with
// watches, ephemeral keys, and transactional multi-key writes.
//
// Two implementations satisfy Client: the coordinator-side store in this
// package (backed by hashicorp/raft) and the hypervisor-side remote client
// in pkg/store/remote (a gRPC proxy to a coordinator). Every other package
// in this module depends only on the Client interface.
package store

import (
	"context"
	"errors"
	"time"
)

// Version-match sentinels for WriteOp.Expected.
const (
	// Any skips the optimistic-concurrency check entirely.
	Any int64 = -1
	// Create requires the key to not already exist.
	Create int64 = -2
)

var (
	// ErrNotFound is returned by Read/Children when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned by WriteTxn when an expected version does not
	// match, or a Create write targets an existing key. Transient: callers
	// skip the cycle and retry on the next tick rather than looping here.
	ErrConflict = errors.New("store: version conflict")
	// ErrDisconnected is returned by any call made while the client has no
	// live session with the store. Nothing in this module treats a lasting
	// disconnection as fatal: the daemon keeps running and retries.
	ErrDisconnected = errors.New("store: disconnected")
	// ErrLockHeld is returned by TryLock when the advisory lock is already
	// held by another session.
	ErrLockHeld = errors.New("store: lock held")
)

// WriteOp is one key write inside a WriteTxn call. Expected is either Any,
// Create, or an exact version number the key must currently have.
type WriteOp struct {
	Key      string
	Expected int64
	Data     string
	// Ephemeral keys are removed automatically by the store when their TTL
	// elapses without being refreshed. Used for /nodes/<name>/daemon_state.
	Ephemeral bool
	TTL       time.Duration
}

// Delete marks a WriteOp as removing the key instead of setting it. A
// deletion fires a tombstone event to any active watch and then retires it.
type Delete struct {
	Key      string
	Expected int64
}

// Event is delivered to a watch callback on the initial read and on every
// subsequent change, including reconnection re-fires and tombstones.
type Event struct {
	Key       string
	Data      string
	Version   int64
	Tombstone bool
}

// CancelFunc stops a watch. Safe to call more than once.
type CancelFunc func()

// Client is the contract every component programs against. Implementations
// must make watch callbacks non-blocking with respect to the caller: a slow
// consumer must not stall delivery to others (see pkg/registry, which hands
// each event to a per-entity worker rather than processing inline).
type Client interface {
	Read(ctx context.Context, key string) (data string, version int64, err error)
	Children(ctx context.Context, key string) ([]string, error)

	// WriteTxn applies all ops atomically: either every op succeeds or none
	// does. dels, if non-empty, are applied in the same transaction.
	WriteTxn(ctx context.Context, ops []WriteOp, dels []Delete) error

	// WatchData fires cb once with the key's current state (or a Tombstone
	// event if absent) and again on every subsequent write or delete, until
	// the returned CancelFunc is called or the connection is permanently
	// lost. On reconnect after a transient loss, the watch re-fires with
	// current state rather than attempting to replay missed events.
	WatchData(ctx context.Context, key string, cb func(Event)) (CancelFunc, error)

	// WatchChildren fires cb with the full current child-name set whenever
	// a direct child of key is written or deleted, even if the set itself
	// is unchanged (and once, immediately, with the initial set).
	WatchChildren(ctx context.Context, key string, cb func(names []string)) (CancelFunc, error)

	// Lock acquires the advisory, fair lock rooted at key, blocking until
	// acquired or ctx is done. The returned Unlocker must be released
	// exactly once.
	Lock(ctx context.Context, key string) (Unlocker, error)

	// EphemeralCreate writes data to key as an ephemeral key with a TTL; it
	// is removed if not refreshed via a write within the TTL. Close does not
	// remove it.
	EphemeralCreate(ctx context.Context, key, data string, ttl time.Duration) error

	// Connected reports whether the client currently holds a live session.
	// Components must suspend emission of observed state while false.
	Connected() bool

	Close() error
}

// Unlocker releases a lock acquired via Client.Lock.
type Unlocker interface {
	Unlock() error
}
