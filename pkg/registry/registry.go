// Package registry implements the object registries: a
// mapping from entity identity to a locally-constructed object, kept in
// sync with the store's child list. Mutations to the map are serialized
// through a single goroutine per registry so construction and teardown
// never race a concurrent child-watch callback, and object construction
// completes synchronously before the next child event is processed — the
// ordering guarantee required here.
package registry

import (
	"context"
	"sync"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
)

// Object is anything a Registry can own: constructed when its identity
// first appears as a store child, torn down when it disappears.
type Object interface {
	// Close releases everything the object started (watches, goroutines,
	// managed subprocesses). Called at most once.
	Close() error
}

// Factory constructs the local object for a newly-observed identity. It
// runs on the registry's single worker goroutine, so it may safely
// register its own per-field watches without racing a teardown of the
// same identity.
type Factory[T Object] func(ctx context.Context, identity string) (T, error)

// Registry owns one identity->object map, kept current by watching
// childrenKey's child list.
type Registry[T Object] struct {
	client      store.Client
	childrenKey string
	factory     Factory[T]
	component   string

	mu      sync.RWMutex
	objects map[string]T

	ctx    context.Context
	cancel context.CancelFunc
	cancelWatch store.CancelFunc

	events chan []string
}

// New constructs a registry and immediately starts watching childrenKey.
// Call Close to stop it.
func New[T Object](ctx context.Context, client store.Client, childrenKey, component string, factory Factory[T]) (*Registry[T], error) {
	rctx, cancel := context.WithCancel(ctx)
	r := &Registry[T]{
		client:      client,
		childrenKey: childrenKey,
		factory:     factory,
		component:   component,
		objects:     make(map[string]T),
		ctx:         rctx,
		cancel:      cancel,
		events:      make(chan []string, 8),
	}

	go r.run()

	cancelWatch, err := client.WatchChildren(rctx, childrenKey, func(names []string) {
		select {
		case r.events <- names:
		case <-rctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}
	r.cancelWatch = cancelWatch
	return r, nil
}

// run is the registry's single serialization point: every reconciliation
// of the child set happens here, one at a time, in watch-delivery order.
func (r *Registry[T]) run() {
	for {
		select {
		case names := <-r.events:
			r.reconcile(names)
		case <-r.ctx.Done():
			r.teardownAll()
			return
		}
	}
}

func (r *Registry[T]) reconcile(names []string) {
	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
	}

	r.mu.Lock()
	var added []string
	for name := range current {
		if _, ok := r.objects[name]; !ok {
			added = append(added, name)
		}
	}
	var removed []string
	for name := range r.objects {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	for _, name := range removed {
		r.mu.Lock()
		obj, ok := r.objects[name]
		delete(r.objects, name)
		r.mu.Unlock()
		if ok {
			_ = obj.Close()
		}
	}

	for _, name := range added {
		obj, err := r.factory(r.ctx, name)
		if err != nil {
			log.WithComponent(r.component).Error().Err(err).Str("identity", name).Msg("failed to construct object")
			continue
		}
		r.mu.Lock()
		r.objects[name] = obj
		r.mu.Unlock()
	}
}

func (r *Registry[T]) teardownAll() {
	r.mu.Lock()
	objs := r.objects
	r.objects = make(map[string]T)
	r.mu.Unlock()
	for _, obj := range objs {
		_ = obj.Close()
	}
}

// Get returns the currently-registered object for identity, if any.
func (r *Registry[T]) Get(identity string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[identity]
	return obj, ok
}

// List returns a snapshot of all currently-registered identities.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.objects))
	for name := range r.objects {
		names = append(names, name)
	}
	return names
}

// Close stops watching and tears down every owned object.
func (r *Registry[T]) Close() error {
	if r.cancelWatch != nil {
		r.cancelWatch()
	}
	r.cancel()
	return nil
}
