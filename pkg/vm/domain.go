package vm

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

// Manager is the shared dependency set closed over by every Domain
// factory: the coordinator, the libvirt runtime, and tuning knobs.
type Manager struct {
	Coord   *coordinator.Coordinator
	Runtime Runtime
	locks   lockFlusher

	ReceiveTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogDirectory    string
}

// NewManager wires the production RBD lock-flusher; Runtime is supplied
// by the caller (pkg/runtime's libvirt implementation).
func NewManager(coord *coordinator.Coordinator, runtime Runtime, logDirectory string) *Manager {
	return &Manager{
		Coord:           coord,
		Runtime:         runtime,
		locks:           newRBDLockFlusher(),
		ReceiveTimeout:  120 * time.Second,
		ShutdownTimeout: 90 * time.Second,
		LogDirectory:    logDirectory,
	}
}

// Factory returns a registry.Factory constructing one Domain per
// /domains/<uuid> child.
func (m *Manager) Factory() func(ctx context.Context, uuid string) (*Domain, error) {
	return func(ctx context.Context, uuid string) (*Domain, error) {
		return newDomain(ctx, m, uuid)
	}
}

// Domain is the per-VM state machine.
type Domain struct {
	mgr  *Manager
	uuid string

	mu      sync.Mutex
	busy    busyFlag
	console *ConsoleWatcher

	cancelWatch store.CancelFunc
}

func newDomain(ctx context.Context, mgr *Manager, uuid string) (*Domain, error) {
	d := &Domain{mgr: mgr, uuid: uuid}

	cancel, err := mgr.Coord.Store.WatchChildren(ctx, coordinator.DomainKey(uuid), func(names []string) {
		d.evaluate(context.Background())
	})
	if err != nil {
		return nil, err
	}
	d.cancelWatch = cancel
	return d, nil
}

// Close stops watching this domain. It deliberately does not touch the
// VM itself: a registry teardown happens when the store entity is
// deleted (domain removed by the API after stop), at which point the VM
// is expected to already be stopped.
func (d *Domain) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelWatch != nil {
		d.cancelWatch()
	}
	if d.console != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.console.Stop(ctx)
		d.console = nil
	}
	return nil
}

// evaluate re-reads the domain and local libvirt state fresh (watch
// callbacks race newer writes, so every decision re-reads rather than
// trusting the event payload) and runs the selected action if this Domain
// isn't already mid-operation.
func (d *Domain) evaluate(ctx context.Context) {
	logger := log.WithComponent("vm").With().Str("domain", d.uuid).Logger()

	d.mu.Lock()
	if d.busy != busyNone {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	dom, err := coordinator.ReadDomain(ctx, d.mgr.Coord.Store, d.uuid)
	if err != nil {
		if err != store.ErrNotFound {
			logger.Error().Err(err).Msg("failed to read domain")
		}
		return
	}

	observed, err := d.mgr.Runtime.State(ctx, d.uuid)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read observed libvirt state")
		return
	}

	isOwner := dom.Node == d.mgr.Coord.NodeName()
	act := selectAction(dom.State, observed, isOwner)
	if act == actionNone {
		return
	}

	flag := act.busyFlag()
	d.mu.Lock()
	d.busy = flag
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.busy = busyNone
			d.mu.Unlock()
		}()
		d.run(ctx, act, dom, logger)
	}()
}

func (d *Domain) run(ctx context.Context, act action, dom types.Domain, logger zerolog.Logger) {
	c := d.mgr.Coord.Store
	switch act {
	case actionStart:
		d.runStart(ctx, dom, logger)
	case actionEnsureRunning:
		d.ensureConsole(dom)
	case actionRestart:
		d.runGracefulShutdown(ctx, dom, logger)
		d.runStart(ctx, dom, logger)
	case actionShutdownThenStop:
		d.runGracefulShutdown(ctx, dom, logger)
		if err := coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStop, store.Any); err != nil {
			logger.Error().Err(err).Msg("failed to record stop state")
		}
	case actionStop:
		if err := d.mgr.Runtime.Destroy(ctx, d.uuid); err != nil {
			logger.Error().Err(err).Msg("destroy failed")
		}
		d.stopConsole()
	case actionDisable:
		d.runGracefulShutdown(ctx, dom, logger)
	case actionMigrateOutbound:
		d.runOutboundMigration(ctx, dom, logger)
	case actionMigrateInbound:
		d.runInboundMigration(ctx, dom, logger)
	case actionMigrateReset:
		d.runMigrateReset(ctx, dom, logger)
	case actionUnmigrate:
		d.runUnmigrate(ctx, dom, logger)
	case actionDestroyForeign:
		if err := d.mgr.Runtime.Destroy(ctx, d.uuid); err != nil {
			logger.Error().Err(err).Msg("destroy of foreign-owned domain failed")
		}
		d.stopConsole()
	}
}

// runStart defines and creates the domain, then starts the console log
// watcher alongside it.
func (d *Domain) runStart(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	if err := d.mgr.Runtime.DefineAndCreate(ctx, d.uuid, dom.XML); err != nil {
		logger.Error().Err(err).Msg("failed to start domain")
		d.fail(ctx, err.Error())
		return
	}
	d.ensureConsole(dom)
}

// runGracefulShutdown requests ACPI shutdown and waits up to
// ShutdownTimeout for the guest to stop on its own, forcing a Destroy if
// it doesn't.
func (d *Domain) runGracefulShutdown(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	if err := d.mgr.Runtime.Shutdown(ctx, d.uuid); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown request failed, forcing destroy")
		_ = d.mgr.Runtime.Destroy(ctx, d.uuid)
		d.stopConsole()
		return
	}
	if err := d.mgr.Runtime.WaitForState(ctx, d.uuid, types.LibvirtStateShutoff, d.mgr.ShutdownTimeout); err != nil {
		logger.Warn().Msg("guest did not shut down in time, forcing destroy")
		_ = d.mgr.Runtime.Destroy(ctx, d.uuid)
	}
	d.stopConsole()
}

func (d *Domain) ensureConsole(dom types.Domain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.console != nil || d.mgr.LogDirectory == "" {
		return
	}
	source := "/var/log/libvirt/qemu/" + d.uuid + ".log"
	w, err := StartConsoleWatcher(d.uuid, source, d.mgr.LogDirectory)
	if err != nil {
		log.WithComponent("vm").Warn().Err(err).Str("domain", d.uuid).Msg("failed to start console watcher")
		return
	}
	d.console = w
}

func (d *Domain) stopConsole() {
	d.mu.Lock()
	w := d.console
	d.console = nil
	d.mu.Unlock()
	if w == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.Stop(ctx)
}

func (d *Domain) fail(ctx context.Context, reason string) {
	c := d.mgr.Coord.Store
	_ = c.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.DomainStateKey(d.uuid), Expected: store.Any, Data: string(types.DomainStateFail)},
		{Key: coordinator.DomainFailedReasonKey(d.uuid), Expected: store.Any, Data: reason},
	}, nil)
}
