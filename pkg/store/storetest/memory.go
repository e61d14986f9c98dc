// Package storetest provides an in-memory store.Client for unit tests of
// components that depend on the store without standing up a raft cluster
// or a live boltdb file.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/store"
)

type entry struct {
	data    string
	version int64
}

type subscription struct {
	id int
	cb func(store.Event)
}

type childSubscription struct {
	id int
	cb func([]string)
}

// Memory is a single-process, synchronous implementation of store.Client.
// Watches fire inline (not in a goroutine) so tests can assert ordering
// deterministically.
type Memory struct {
	mu         sync.Mutex
	data       map[string]entry
	dataWatch  map[string][]subscription
	childWatch map[string][]childSubscription
	connected  bool
	nextID     int
}

// New returns a connected, empty in-memory store.
func New() *Memory {
	return &Memory{
		data:       make(map[string]entry),
		dataWatch:  make(map[string][]subscription),
		childWatch: make(map[string][]childSubscription),
		connected:  true,
	}
}

func (m *Memory) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Read(ctx context.Context, key string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", 0, store.ErrNotFound
	}
	return e.data, e.version, nil
}

func (m *Memory) Children(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(key), nil
}

func (m *Memory) childrenLocked(key string) []string {
	prefix := key
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	seen := map[string]bool{}
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			rest := k[len(prefix):]
			name := rest
			for i, c := range rest {
				if c == '/' {
					name = rest[:i]
					break
				}
			}
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

func (m *Memory) WriteTxn(ctx context.Context, ops []store.WriteOp, dels []store.Delete) error {
	m.mu.Lock()
	for _, op := range ops {
		e, found := m.data[op.Key]
		switch op.Expected {
		case store.Any:
		case store.Create:
			if found {
				m.mu.Unlock()
				return store.ErrConflict
			}
		default:
			if !found || e.version != op.Expected {
				m.mu.Unlock()
				return store.ErrConflict
			}
		}
	}
	for _, d := range dels {
		e, found := m.data[d.Key]
		if d.Expected != store.Any && (!found || e.version != d.Expected) {
			m.mu.Unlock()
			return store.ErrConflict
		}
	}

	var fired []func()
	touchedParents := map[string]bool{}
	for _, op := range ops {
		e := m.data[op.Key]
		e.version++
		e.data = op.Data
		m.data[op.Key] = e
		ev := store.Event{Key: op.Key, Data: op.Data, Version: e.version}
		for _, sub := range m.dataWatch[op.Key] {
			cb := sub.cb
			fired = append(fired, func() { cb(ev) })
		}
		touchedParents[parentOf(op.Key)] = true
	}
	for _, d := range dels {
		delete(m.data, d.Key)
		ev := store.Event{Key: d.Key, Tombstone: true}
		for _, sub := range m.dataWatch[d.Key] {
			cb := sub.cb
			fired = append(fired, func() { cb(ev) })
		}
		touchedParents[parentOf(d.Key)] = true
	}
	for parent := range touchedParents {
		names := m.childrenLocked(parent)
		for _, sub := range m.childWatch[parent] {
			cb := sub.cb
			fired = append(fired, func() { cb(names) })
		}
	}
	m.mu.Unlock()

	for _, fn := range fired {
		fn()
	}
	return nil
}

func (m *Memory) WatchData(ctx context.Context, key string, cb func(store.Event)) (store.CancelFunc, error) {
	m.mu.Lock()
	e, found := m.data[key]
	m.nextID++
	id := m.nextID
	m.dataWatch[key] = append(m.dataWatch[key], subscription{id: id, cb: cb})
	m.mu.Unlock()

	if found {
		cb(store.Event{Key: key, Data: e.data, Version: e.version})
	} else {
		cb(store.Event{Key: key, Tombstone: true})
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.dataWatch[key]
		for i, s := range subs {
			if s.id == id {
				m.dataWatch[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (m *Memory) WatchChildren(ctx context.Context, key string, cb func([]string)) (store.CancelFunc, error) {
	m.mu.Lock()
	names := m.childrenLocked(key)
	m.nextID++
	id := m.nextID
	m.childWatch[key] = append(m.childWatch[key], childSubscription{id: id, cb: cb})
	m.mu.Unlock()
	cb(names)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.childWatch[key]
		for i, s := range subs {
			if s.id == id {
				m.childWatch[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (m *Memory) Lock(ctx context.Context, key string) (store.Unlocker, error) {
	for {
		if err := m.WriteTxn(ctx, []store.WriteOp{{Key: key, Expected: store.Create, Data: "locked"}}, nil); err == nil {
			return &memLock{m: m, key: key}, nil
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type memLock struct {
	m   *Memory
	key string
}

func (l *memLock) Unlock() error {
	return l.m.WriteTxn(context.Background(), nil, []store.Delete{{Key: l.key, Expected: store.Any}})
}

func (m *Memory) EphemeralCreate(ctx context.Context, key, data string, ttl time.Duration) error {
	return m.WriteTxn(ctx, []store.WriteOp{{Key: key, Expected: store.Any, Data: data, Ephemeral: true, TTL: ttl}}, nil)
}

func (m *Memory) Close() error { return nil }

func parentOf(key string) string {
	i := len(key) - 1
	for i >= 0 && key[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return key[:i]
}
