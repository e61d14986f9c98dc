package fence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Supervisor runs the fixed-interval peer-liveness tick
// and the self-fence check alongside it.
type Supervisor struct {
	coord  *coordinator.Coordinator
	logger zerolog.Logger

	rebooter rebooter
	fencer   fencer

	mu       sync.Mutex
	inFlight map[string]bool
}

// New constructs a Supervisor for coord's own node.
func New(coord *coordinator.Coordinator) *Supervisor {
	return &Supervisor{
		coord:    coord,
		logger:   log.WithComponent("fence").With().Str("node", coord.NodeName()).Logger(),
		rebooter: newSysrqRebooter(),
		fencer:   ipmitoolFencer{},
		inFlight: make(map[string]bool),
	}
}

// Run ticks every keepalive_interval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.coord.Config.KeepaliveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.coord.Store.Connected() {
				continue
			}
			s.checkSelf(ctx)
			s.checkPeers(ctx)
		}
	}
}

// checkPeers marks any peer whose keepalive has gone stale dead and spawns
// a fence task for it, unless one is already in flight for that peer.
func (s *Supervisor) checkPeers(ctx context.Context) {
	cfg := s.coord.Config
	deadAfter := cfg.KeepaliveInterval * time.Duration(cfg.FenceIntervals)
	if deadAfter <= 0 {
		return
	}

	names, err := coordinator.ListNodeNames(ctx, s.coord.Store)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list nodes for keepalive check")
		return
	}

	self := s.coord.NodeName()
	for _, name := range names {
		if name == self {
			continue
		}
		n, err := coordinator.ReadNode(ctx, s.coord.Store, name)
		if err != nil {
			continue
		}
		if n.DaemonState != types.DaemonStateRun {
			continue
		}
		if n.Keepalive == 0 {
			continue
		}
		age := time.Since(time.Unix(n.Keepalive, 0))
		if age <= deadAfter {
			continue
		}
		s.logger.Warn().Str("peer", name).Dur("age", age).Msg("peer keepalive stale, marking dead")
		if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.NodeDaemonStateKey(name), Expected: store.Any, Data: string(types.DaemonStateDead)},
		}, nil); err != nil {
			s.logger.Error().Err(err).Str("peer", name).Msg("failed to mark peer dead")
			continue
		}
		s.spawnFence(name)
	}
}

// spawnFence runs a fence task for peer in its own goroutine, guarding
// against a second task starting while one is already running. It is
// intentionally detached from the tick's own context: a fence task outlives
// any single tick and is not cancellable once past the
// saving-throw phase.
func (s *Supervisor) spawnFence(peer string) {
	s.mu.Lock()
	if s.inFlight[peer] {
		s.mu.Unlock()
		return
	}
	s.inFlight[peer] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, peer)
			s.mu.Unlock()
		}()
		s.runFenceTask(context.Background(), peer, s.logger)
	}()
}

// checkSelf implements the suicide check: unconditional whenever
// suicide_intervals is configured non-zero, per the self-fence
// paragraph.
func (s *Supervisor) checkSelf(ctx context.Context) {
	cfg := s.coord.Config
	if cfg.SuicideIntervals <= 0 {
		return
	}
	n, err := coordinator.ReadNode(ctx, s.coord.Store, s.coord.NodeName())
	if err != nil || n.Keepalive == 0 {
		return
	}
	threshold := cfg.KeepaliveInterval * time.Duration(cfg.SuicideIntervals)
	age := time.Since(time.Unix(n.Keepalive, 0))
	if age <= threshold {
		return
	}
	s.logger.Error().Dur("age", age).Msg("unable to refresh own keepalive, self-fencing")
	if err := s.rebooter.Reboot(); err != nil {
		s.logger.Error().Err(err).Msg("self-fence reboot trigger failed")
	}
}
