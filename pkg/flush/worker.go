package flush

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/scheduler"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// pollInterval is how often the worker polls a migrating domain's state
// waiting for it to return to start. A var, not a const, so tests don't
// spend real wall-clock time per VM exercised.
var pollInterval = time.Second

// Supervisor watches this node's own domain_state flag and runs the
// flush/unflush worker. Only one worker runs at a
// time per node; a new flush/unflush transition observed while one is
// already running cancels it and waits for it to exit before starting
// fresh.
type Supervisor struct {
	coord  *coordinator.Coordinator
	logger zerolog.Logger

	cancelWatch store.CancelFunc

	mu         sync.Mutex
	cancelTask context.CancelFunc
	taskDone   chan struct{}
}

// New constructs a Supervisor for coord's own node.
func New(coord *coordinator.Coordinator) *Supervisor {
	return &Supervisor{
		coord:  coord,
		logger: log.WithComponent("flush").With().Str("node", coord.NodeName()).Logger(),
	}
}

// Run watches this node's domain_state key until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	cancel, err := s.coord.Store.WatchData(ctx, coordinator.NodeDomainStateKey(s.coord.NodeName()), func(ev store.Event) {
		s.evaluate(ctx, types.DomainStateFlag(ev.Data))
	})
	if err != nil {
		return err
	}
	s.cancelWatch = cancel

	<-ctx.Done()
	s.Close()
	return nil
}

// Close stops watching and cancels any in-flight worker without waiting
// for it to drain (used at daemon shutdown; the caller is responsible for
// the bounded-timeout wait used elsewhere).
func (s *Supervisor) Close() error {
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	s.mu.Lock()
	if s.cancelTask != nil {
		s.cancelTask()
	}
	s.mu.Unlock()
	return nil
}

// evaluate reacts to an observed domain_state value, starting the
// matching worker and canceling/awaiting any worker already running.
func (s *Supervisor) evaluate(ctx context.Context, flag types.DomainStateFlag) {
	switch flag {
	case types.NodeDomainStateFlush:
		s.restart(ctx, s.runFlush)
	case types.NodeDomainStateUnflush:
		s.restart(ctx, s.runUnflush)
	}
}

// restart cancels and waits for any worker currently running, then spawns
// task in a fresh goroutine.
func (s *Supervisor) restart(parent context.Context, task func(context.Context)) {
	s.mu.Lock()
	if s.cancelTask != nil {
		cancel := s.cancelTask
		done := s.taskDone
		s.mu.Unlock()
		cancel()
		<-done
		s.mu.Lock()
	}

	taskCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancelTask = cancel
	s.taskDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			if s.taskDone == done {
				s.cancelTask = nil
				s.taskDone = nil
			}
			s.mu.Unlock()
		}()
		task(taskCtx)
	}()
}

// runFlush implements the flush worker: serially migrate every
// currently-running domain off this node, falling back to a shutdown+
// autostart-flag for any VM with no eligible target.
func (s *Supervisor) runFlush(ctx context.Context) {
	self := s.coord.NodeName()
	logger := s.logger

	node, err := coordinator.ReadNode(ctx, s.coord.Store, self)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read own node for flush")
		return
	}

	uuids := append([]string(nil), node.RunningDomains...)
	sort.Strings(uuids)

	for _, uuid := range uuids {
		select {
		case <-ctx.Done():
			logger.Info().Msg("flush canceled between VMs")
			return
		default:
		}

		if !s.flushOne(ctx, uuid, self, logger) {
			return
		}
	}

	if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.NodeRunningDomainsKey(self), Expected: store.Any, Data: ""},
		{Key: coordinator.NodeDomainStateKey(self), Expected: store.Any, Data: string(types.NodeDomainStateFlushed)},
	}, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark node flushed")
	}
}

// flushOne migrates a single domain off self, or shuts it down with
// node_autostart set if no eligible target exists (the
// empty-candidate-set rule for flush). Returns false if ctx was canceled
// while waiting, signaling the caller to abandon the remaining VMs.
func (s *Supervisor) flushOne(ctx context.Context, uuid, self string, logger zerolog.Logger) bool {
	dom, err := coordinator.ReadDomain(ctx, s.coord.Store, uuid)
	if err != nil {
		logger.Error().Err(err).Str("domain", uuid).Msg("failed to read domain for flush")
		return true
	}

	target, ok := selectTarget(ctx, s.coord, dom, self)
	if !ok {
		logger.Warn().Str("domain", uuid).Msg("no eligible flush target, shutting down and flagging autostart")
		if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.DomainNodeAutostartKey(uuid), Expected: store.Any, Data: "true"},
			{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(types.DomainStateShutdown)},
		}, nil); err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to flag autostart")
		}
		return true
	}

	if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(types.DomainStateMigrate)},
		{Key: coordinator.DomainNodeKey(uuid), Expected: store.Any, Data: target},
		{Key: coordinator.DomainLastNodeKey(uuid), Expected: store.Any, Data: self},
	}, nil); err != nil {
		logger.Error().Err(err).Str("domain", uuid).Msg("failed to request migration")
		return true
	}

	return s.awaitStart(ctx, uuid, logger)
}

// runUnflush implements the unflush worker: reclaim every
// domain whose lastnode is this node, then start anything left flagged
// for autostart here.
func (s *Supervisor) runUnflush(ctx context.Context) {
	self := s.coord.NodeName()
	logger := s.logger

	uuids, err := coordinator.ListDomainUUIDs(ctx, s.coord.Store)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list domains for unflush")
		return
	}
	sort.Strings(uuids)

	var reclaim, autostart []string
	for _, uuid := range uuids {
		dom, err := coordinator.ReadDomain(ctx, s.coord.Store, uuid)
		if err != nil {
			continue
		}
		if dom.LastNode == self {
			reclaim = append(reclaim, uuid)
		}
		if dom.NodeAutostart && dom.Node == self {
			autostart = append(autostart, uuid)
		}
	}

	for _, uuid := range reclaim {
		select {
		case <-ctx.Done():
			logger.Info().Msg("unflush canceled between VMs")
			return
		default:
		}
		if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(types.DomainStateMigrate)},
			{Key: coordinator.DomainNodeKey(uuid), Expected: store.Any, Data: self},
			{Key: coordinator.DomainLastNodeKey(uuid), Expected: store.Any, Data: ""},
		}, nil); err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to request unmigrate")
			continue
		}
		if !s.awaitStart(ctx, uuid, logger) {
			return
		}
	}

	for _, uuid := range autostart {
		if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(types.DomainStateStart)},
			{Key: coordinator.DomainNodeAutostartKey(uuid), Expected: store.Any, Data: "false"},
		}, nil); err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to start autostart-flagged domain")
		}
	}

	if err := s.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.NodeDomainStateKey(self), Expected: store.Any, Data: string(types.NodeDomainStateReady)},
	}, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark node ready after unflush")
	}
}

// awaitStart polls uuid's state at pollInterval, checking ctx at every
// poll boundary, until it returns to start (success) or fail (give up and
// move on regardless). Returns false only if ctx was canceled first.
func (s *Supervisor) awaitStart(ctx context.Context, uuid string, logger zerolog.Logger) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			state, _, err := s.coord.Store.Read(ctx, coordinator.DomainStateKey(uuid))
			if err != nil {
				continue
			}
			switch types.DomainState(state) {
			case types.DomainStateStart:
				return true
			case types.DomainStateFail:
				logger.Warn().Str("domain", uuid).Msg("domain failed during flush/unflush migration, proceeding")
				return true
			}
		}
	}
}

// selectTarget runs the same scheduler.Eligible/Select pass pkg/vm's
// unmigrate and pkg/fence's relocation use, excluding the
// domain's current owner.
func selectTarget(ctx context.Context, coord *coordinator.Coordinator, dom types.Domain, exclude string) (string, bool) {
	names, err := coordinator.ListNodeNames(ctx, coord.Store)
	if err != nil {
		return "", false
	}
	nodes := make([]types.Node, 0, len(names))
	for _, name := range names {
		n, err := coordinator.ReadNode(ctx, coord.Store, name)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	candidates := scheduler.Eligible(nodes, dom.NodeLimit, exclude)
	selector := dom.NodeSelector
	if selector == types.SelectorNone || selector == "" {
		selector = coord.Config.MigrationTargetSelector
	}
	return scheduler.Select(selector, candidates)
}
