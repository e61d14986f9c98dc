package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// CoordinatorConfig holds node identity, raft bind address and on-disk data directory:
// node identity, raft bind address and on-disk data directory.
type CoordinatorConfig struct {
	NodeName string
	BindAddr string
	DataDir  string
}

// CoordinatorStore is the coordinator-side Client implementation: a raft
// voter with a local FSM and kv store. Hypervisor-only nodes never construct
// one of these; they use pkg/store/remote instead.
type CoordinatorStore struct {
	cfg        CoordinatorConfig
	raft       *raft.Raft
	fsm        *FSM
	kv         *kvStore
	broker     *watchBroker
	transport *raft.NetworkTransport

	mu        sync.RWMutex
	connected bool

	reapStop chan struct{}
}

// NewCoordinatorStore opens local storage and wires the raft instance but
// does not start or join a cluster; call Bootstrap or Join next.
func NewCoordinatorStore(cfg CoordinatorConfig) (*CoordinatorStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := openKVStore(filepath.Join(cfg.DataDir, "pvc-store.db"))
	if err != nil {
		return nil, err
	}
	broker := newWatchBroker()
	fsm := newFSM(kv, broker)

	cs := &CoordinatorStore{
		cfg:    cfg,
		fsm:    fsm,
		kv:     kv,
		broker: broker,
	}
	return cs, nil
}

func (cs *CoordinatorStore) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(cs.cfg.NodeName)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (cs *CoordinatorStore) newRaft() error {
	addr, err := resolveTCPAddr(cs.cfg.BindAddr)
	if err != nil {
		return err
	}
	transport, err := raft.NewTCPTransport(cs.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	cs.transport = transport

	snapshots, err := raft.NewFileSnapshotStore(cs.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cs.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cs.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("raft stable store: %w", err)
	}

	r, err := raft.NewRaft(cs.raftConfig(), cs.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("new raft: %w", err)
	}
	cs.raft = r
	return nil
}

// Bootstrap forms a brand-new single-node cluster that other coordinators
// can later join (mirrors manager.Manager.Bootstrap).
func (cs *CoordinatorStore) Bootstrap() error {
	if err := cs.newRaft(); err != nil {
		return err
	}
	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cs.cfg.NodeName), Address: cs.transport.LocalAddr()},
		},
	}
	if err := cs.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	cs.setConnected(true)
	cs.startReaper()
	log.WithComponent("store").Info().Str("node", cs.cfg.NodeName).Msg("store bootstrapped")
	return nil
}

// Join starts this node's own raft instance without bootstrapping a
// cluster. It does not contact leaderAPIAddr (the argument is unused), and
// the remote-store gRPC service has no AddVoter method: the node replicates
// only once the leader has added it with AddVoter.
func (cs *CoordinatorStore) Join(leaderAPIAddr string) error {
	if err := cs.newRaft(); err != nil {
		return err
	}
	cs.setConnected(true)
	cs.startReaper()
	return nil
}

// AddVoter adds a new coordinator to the raft configuration. Called on the
// current leader in response to a join request.
func (cs *CoordinatorStore) AddVoter(id, addr string) error {
	if cs.raft.State() != raft.Leader {
		return fmt.Errorf("not leader")
	}
	return cs.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (cs *CoordinatorStore) IsLeader() bool { return cs.raft.State() == raft.Leader }

func (cs *CoordinatorStore) setConnected(v bool) {
	cs.mu.Lock()
	cs.connected = v
	cs.mu.Unlock()
}

func (cs *CoordinatorStore) Connected() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.connected
}

// apply marshals and proposes a command through raft, translating the FSM's
// applyResult into a plain error the Client interface expects.
func (cs *CoordinatorStore) apply(op commandOp, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd := command{Op: op, Data: data}
	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := cs.raft.Apply(cmdData, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	res, _ := future.Response().(applyResult)
	return res.Err
}

func (cs *CoordinatorStore) Read(ctx context.Context, key string) (string, int64, error) {
	rec, found, err := cs.kv.get(key)
	if err != nil {
		return "", 0, err
	}
	if !found {
		return "", 0, ErrNotFound
	}
	return rec.Data, rec.Version, nil
}

func (cs *CoordinatorStore) Children(ctx context.Context, key string) ([]string, error) {
	return cs.kv.children(key)
}

func (cs *CoordinatorStore) WriteTxn(ctx context.Context, ops []WriteOp, dels []Delete) error {
	return cs.apply(opWriteTxn, writeTxnPayload{Ops: ops, Dels: dels})
}

func (cs *CoordinatorStore) WatchData(ctx context.Context, key string, cb func(Event)) (CancelFunc, error) {
	if rec, found, err := cs.kv.get(key); err == nil {
		if found {
			cb(Event{Key: key, Data: rec.Data, Version: rec.Version})
		} else {
			cb(Event{Key: key, Tombstone: true})
		}
	}
	return cs.broker.subscribeData(key, cb), nil
}

func (cs *CoordinatorStore) WatchChildren(ctx context.Context, key string, cb func([]string)) (CancelFunc, error) {
	if names, err := cs.kv.children(key); err == nil {
		cb(names)
	}
	return cs.broker.subscribeChildren(key, cb), nil
}

func (cs *CoordinatorStore) EphemeralCreate(ctx context.Context, key, data string, ttl time.Duration) error {
	return cs.apply(opWriteTxn, writeTxnPayload{Ops: []WriteOp{
		{Key: key, Expected: Any, Data: data, Ephemeral: true, TTL: ttl},
	}})
}

func (cs *CoordinatorStore) Lock(ctx context.Context, key string) (Unlocker, error) {
	return acquireLock(ctx, cs, key)
}

func (cs *CoordinatorStore) Close() error {
	cs.stopReaper()
	if cs.raft != nil {
		cs.raft.Shutdown()
	}
	if cs.transport != nil {
		cs.transport.Close()
	}
	return cs.kv.close()
}

// startReaper runs the ephemeral-key TTL sweep. Only the raft leader issues
// expirations, so followers never race the leader's decision about which
// keys have lapsed.
func (cs *CoordinatorStore) startReaper() {
	cs.reapStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !cs.IsLeader() {
					continue
				}
				expired, err := cs.kv.expiredEphemeral(time.Now())
				if err != nil || len(expired) == 0 {
					continue
				}
				_ = cs.apply(opExpire, expirePayload{Keys: expired})
			case <-cs.reapStop:
				return
			}
		}
	}()
}

func (cs *CoordinatorStore) stopReaper() {
	if cs.reapStop != nil {
		close(cs.reapStop)
	}
}

func resolveTCPAddr(bindAddr string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", bindAddr)
}
