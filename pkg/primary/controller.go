package primary

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/network"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Controller runs the single-writer election for this
// node: it watches /primary_node and its own eligibility fields, and on
// every change attempts the transition the current state calls for.
type Controller struct {
	coord *coordinator.Coordinator
	cfg   config.Config

	addrs   addrManager
	patroni patroniClient
	dns     service
	userAPI service

	logger zerolog.Logger

	mu    sync.Mutex
	state types.RouterState

	cancelPrimaryWatch store.CancelFunc
	cancelSelfWatch    store.CancelFunc
}

// New constructs a Controller wired with production backends. dns and
// userAPI may be nil (e.g. in a hypervisor-only build where those
// services are never started); the acquire/release sequence no-ops for a
// nil service.
func New(coord *coordinator.Coordinator, cfg config.Config, patroniBaseURL string, dns, userAPI service) *Controller {
	var pc patroniClient
	if patroniBaseURL != "" {
		pc = newHTTPPatroniClient(patroniBaseURL)
	}
	return &Controller{
		coord:   coord,
		cfg:     cfg,
		addrs:   newNetlinkAddrManager(),
		patroni: pc,
		dns:     dns,
		userAPI: userAPI,
		logger:  log.WithComponent("primary").With().Str("node", cfg.NodeName).Logger(),
		state:   types.RouterStateClient,
	}
}

// Run starts watching the election-relevant keys and blocks until ctx is
// done.
func (c *Controller) Run(ctx context.Context) error {
	cancel, err := c.coord.Store.WatchData(ctx, coordinator.PrimaryNodeKey, func(ev store.Event) {
		c.evaluate(ctx)
	})
	if err != nil {
		return err
	}
	c.cancelPrimaryWatch = cancel

	cancel2, err := c.coord.Store.WatchData(ctx, coordinator.NodeDaemonStateKey(c.cfg.NodeName), func(ev store.Event) {
		c.evaluate(ctx)
	})
	if err != nil {
		c.cancelPrimaryWatch()
		return err
	}
	c.cancelSelfWatch = cancel2

	<-ctx.Done()
	c.Close()
	return nil
}

// Close stops watching and, if currently primary, releases the role.
func (c *Controller) Close() error {
	if c.cancelPrimaryWatch != nil {
		c.cancelPrimaryWatch()
	}
	if c.cancelSelfWatch != nil {
		c.cancelSelfWatch()
	}
	c.mu.Lock()
	isPrimary := c.state == types.RouterStatePrimary
	c.mu.Unlock()
	if isPrimary {
		c.release(context.Background())
	}
	return nil
}

// State reports the controller's last-known router_state.
func (c *Controller) State() types.RouterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// evaluate is the reconciliation entrypoint, fired on every change to
// /primary_node or this node's own daemon_state.
func (c *Controller) evaluate(ctx context.Context) {
	eligible, err := c.eligible(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to evaluate primary eligibility")
		return
	}

	primaryNode, _, err := c.coord.Store.Read(ctx, coordinator.PrimaryNodeKey)
	if err != nil && err != store.ErrNotFound {
		c.logger.Error().Err(err).Msg("failed to read primary_node")
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == types.RouterStatePrimary && !eligible:
		c.release(ctx)
	case state != types.RouterStatePrimary && eligible && (primaryNode == "" || primaryNode == coordinator.PrimaryNodeNone):
		c.acquire(ctx)
	}
}

// eligible checks the eligibility rule: coordinator mode,
// running, and the cluster not in maintenance.
func (c *Controller) eligible(ctx context.Context) (bool, error) {
	if c.cfg.DaemonMode != types.DaemonModeCoordinator {
		return false, nil
	}
	state, _, err := c.coord.Store.Read(ctx, coordinator.NodeDaemonStateKey(c.cfg.NodeName))
	if err != nil && err != store.ErrNotFound {
		return false, err
	}
	if types.DaemonState(state) != types.DaemonStateRun {
		return false, nil
	}
	maint, _, err := c.coord.Store.Read(ctx, coordinator.ConfigMaintenanceKey)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}
	return maint != "true", nil
}

// acquire runs the acquire sequence under the cluster lock.
// Every step after the CAS is best-effort logged-and-continued rather
// than aborting outright: a partially-up primary (e.g. one network's
// dnsmasq failed to start) is still closer to correct than rolling back
// floating IPs mid-announcement, and the next evaluate() tick will retry
// the failed component via the network Instance's own reconcile loop.
func (c *Controller) acquire(ctx context.Context) {
	unlock, err := c.coord.Store.Lock(ctx, coordinator.PrimaryNodeLockKey)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to acquire cluster lock for takeover")
		return
	}
	defer unlock.Unlock()

	c.setState(ctx, types.RouterStateTakeover)

	current, version, err := c.coord.Store.Read(ctx, coordinator.PrimaryNodeKey)
	if err != nil && err != store.ErrNotFound {
		c.logger.Error().Err(err).Msg("failed to read primary_node before CAS")
		c.setState(ctx, types.RouterStateSecondary)
		return
	}
	if current != "" && current != coordinator.PrimaryNodeNone {
		c.logger.Info().Str("holder", current).Msg("primary_node already claimed, aborting takeover")
		c.setState(ctx, types.RouterStateSecondary)
		return
	}
	expected := version
	if err == store.ErrNotFound {
		expected = store.Create
	}
	if err := c.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.PrimaryNodeKey, Expected: expected, Data: c.cfg.NodeName},
	}, nil); err != nil {
		c.logger.Error().Err(err).Msg("CAS of primary_node failed")
		c.setState(ctx, types.RouterStateSecondary)
		return
	}

	if err := c.acquireFloatingIPs(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to bring up floating ips")
	}

	c.setNetworksPrimary(ctx, true)

	if err := c.switchDatabaseLeader(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to switch database leader")
	}

	c.startServices(ctx)

	c.setState(ctx, types.RouterStatePrimary)
	c.logger.Info().Msg("acquired primary role")
}

// release runs the release sequence; unlike acquire it is not
// taken under the cluster lock from within evaluate() (the new primary's
// own acquire() takes the lock when it writes /primary_node).
func (c *Controller) release(ctx context.Context) {
	c.setState(ctx, types.RouterStateRelinquish)

	c.stopServices(ctx)
	c.setNetworksPrimary(ctx, false)
	c.releaseFloatingIPs()

	_ = c.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.PrimaryNodeKey, Expected: store.Any, Data: coordinator.PrimaryNodeNone},
	}, nil)

	c.setState(ctx, types.RouterStateSecondary)
	c.logger.Info().Msg("released primary role")
}

func (c *Controller) setState(ctx context.Context, state types.RouterState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	_ = c.coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.NodeRouterStateKey(c.cfg.NodeName), Expected: store.Any, Data: string(state)},
	}, nil)
}

// setNetworksPrimary toggles every currently-registered Network Instance's
// gateway/dnsmasq addenda.
func (c *Controller) setNetworksPrimary(ctx context.Context, primary bool) {
	reg, ok := coordinator.LookupRegistry[*network.Instance](c.coord, coordinator.RegistryNetworks)
	if !ok {
		return
	}
	for _, vni := range reg.List() {
		inst, ok := reg.Get(vni)
		if !ok {
			continue
		}
		if err := inst.SetPrimary(ctx, primary); err != nil {
			c.logger.Error().Err(err).Str("vni", vni).Bool("primary", primary).Msg("failed to toggle network primary addenda")
		}
	}
}

func (c *Controller) startServices(ctx context.Context) {
	for _, svc := range []service{c.dns, c.userAPI} {
		if svc == nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			c.logger.Error().Err(err).Msg("failed to start primary-only service")
		}
	}
}

func (c *Controller) stopServices(ctx context.Context) {
	for _, svc := range []service{c.userAPI, c.dns} {
		if svc == nil {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := svc.Stop(stopCtx); err != nil {
			c.logger.Error().Err(err).Msg("failed to stop primary-only service")
		}
		cancel()
	}
}
