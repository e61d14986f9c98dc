package store

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"
)

// commandOp enumerates the raft log entry kinds applied to the kv store.
type commandOp string

const (
	opWriteTxn commandOp = "write_txn"
	opExpire   commandOp = "expire"
)

// command is the JSON payload appended to the raft log.
type command struct {
	Op   commandOp       `json:"op"`
	Data json.RawMessage `json:"data"`
}

type writeTxnPayload struct {
	Ops  []WriteOp `json:"ops"`
	Dels []Delete  `json:"dels"`
}

type expirePayload struct {
	Keys []string `json:"keys"`
}

// applyResult is returned from FSM.Apply and surfaced to the caller of
// raft.Apply via the raft.ApplyFuture.
type applyResult struct {
	Err error
}

// FSM is the raft finite-state machine. All writes to the kv store and to
// the in-memory watch broker happen exclusively through Apply, so every
// node's watches fire for every committed entry — including followers, not
// just the leader that proposed the entry. The broker runs each callback in
// its own goroutine, so callbacks are not guaranteed to run in log order.
type FSM struct {
	kv     *kvStore
	broker *watchBroker
}

// newFSM constructs an FSM over an already-open kvStore.
func newFSM(kv *kvStore, broker *watchBroker) *FSM {
	return &FSM{kv: kv, broker: broker}
}

func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("decode command: %w", err)}
	}

	switch cmd.Op {
	case opWriteTxn:
		var p writeTxnPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.applyWriteTxn(p)}
	case opExpire:
		var p expirePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return applyResult{Err: err}
		}
		for _, k := range p.Keys {
			if err := f.kv.delete(k); err == nil {
				f.broker.notifyData(Event{Key: k, Tombstone: true})
			}
		}
		return applyResult{}
	default:
		return applyResult{Err: fmt.Errorf("unknown command op %q", cmd.Op)}
	}
}

func (f *FSM) applyWriteTxn(p writeTxnPayload) error {
	// Validate every op's expected version before mutating anything so the
	// transaction is all-or-nothing.
	for _, op := range p.Ops {
		if err := checkExpected(f.kv, op.Key, op.Expected); err != nil {
			return err
		}
	}
	for _, d := range p.Dels {
		if err := checkExpected(f.kv, d.Key, d.Expected); err != nil {
			return err
		}
	}

	touched := make([]Event, 0, len(p.Ops)+len(p.Dels))
	touchedParents := make(map[string]bool)

	for _, op := range p.Ops {
		existing, found, _ := f.kv.get(op.Key)
		version := int64(1)
		if found {
			version = existing.Version + 1
		}
		rec := record{Data: op.Data, Version: version, Ephemeral: op.Ephemeral}
		if op.Ephemeral && op.TTL > 0 {
			rec.ExpiresAt = nowFunc().Add(op.TTL)
		}
		if err := f.kv.put(op.Key, rec); err != nil {
			return err
		}
		touched = append(touched, Event{Key: op.Key, Data: op.Data, Version: version})
		touchedParents[parentOf(op.Key)] = true
	}
	for _, d := range p.Dels {
		if err := f.kv.delete(d.Key); err != nil {
			return err
		}
		touched = append(touched, Event{Key: d.Key, Tombstone: true})
		touchedParents[parentOf(d.Key)] = true
	}

	for _, ev := range touched {
		f.broker.notifyData(ev)
	}
	for parent := range touchedParents {
		names, err := f.kv.children(parent)
		if err == nil {
			f.broker.notifyChildren(parent, names)
		}
	}
	return nil
}

func checkExpected(kv *kvStore, key string, expected int64) error {
	existing, found, err := kv.get(key)
	if err != nil {
		return err
	}
	switch expected {
	case Any:
		return nil
	case Create:
		if found {
			return ErrConflict
		}
		return nil
	default:
		if !found || existing.Version != expected {
			return ErrConflict
		}
		return nil
	}
}

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

// snapshot/restore persist the entire kv table in one pass.

type fsmSnapshot struct {
	Records map[string]record `json:"records"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	records := make(map[string]record)
	if err := f.kv.forEach(func(key string, rec record) error {
		records[key] = rec
		return nil
	}); err != nil {
		return nil, err
	}
	return &fsmSnapshot{Records: records}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for key, rec := range snap.Records {
		if err := f.kv.put(key, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

var nowFunc = time.Now
