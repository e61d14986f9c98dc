package store

import "sync"

// watchBroker dispatches key-change notifications to registered watchers.
// Every FSM Apply runs on every node's raft log replication, so notifying
// from the FSM's Apply method naturally gives every node's watches a fire
// on every change.
type watchBroker struct {
	mu       sync.Mutex
	data     map[string]map[int]func(Event)
	children map[string]map[int]func([]string)
	nextID   int
}

func newWatchBroker() *watchBroker {
	return &watchBroker{
		data:     make(map[string]map[int]func(Event)),
		children: make(map[string]map[int]func([]string)),
	}
}

func (b *watchBroker) subscribeData(key string, cb func(Event)) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.data[key] == nil {
		b.data[key] = make(map[int]func(Event))
	}
	b.data[key][id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.data[key], id)
	}
}

func (b *watchBroker) subscribeChildren(key string, cb func([]string)) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.children[key] == nil {
		b.children[key] = make(map[int]func([]string))
	}
	b.children[key][id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.children[key], id)
	}
}

func (b *watchBroker) notifyData(ev Event) {
	b.mu.Lock()
	cbs := make([]func(Event), 0, len(b.data[ev.Key]))
	for _, cb := range b.data[ev.Key] {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		go cb(ev)
	}
}

func (b *watchBroker) notifyChildren(key string, names []string) {
	b.mu.Lock()
	cbs := make([]func([]string), 0, len(b.children[key]))
	for _, cb := range b.children[key] {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()
	for _, cb := range cbs {
		go cb(names)
	}
}

// resubscribeAll re-fires every active watch with current state rather
// than waiting for the next change. Nothing in this module calls it.
func (b *watchBroker) resubscribeAll(readCurrent func(key string) (Event, bool), listChildren func(key string) []string) {
	b.mu.Lock()
	dataKeys := make([]string, 0, len(b.data))
	for k := range b.data {
		dataKeys = append(dataKeys, k)
	}
	childKeys := make([]string, 0, len(b.children))
	for k := range b.children {
		childKeys = append(childKeys, k)
	}
	b.mu.Unlock()

	for _, k := range dataKeys {
		if ev, ok := readCurrent(k); ok {
			b.notifyData(ev)
		}
	}
	for _, k := range childKeys {
		b.notifyChildren(k, listChildren(k))
	}
}
