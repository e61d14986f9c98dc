package metrics

import (
	"context"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// DefaultCollectInterval mirrors the facts collector's own tick cadence;
// metrics are a read-only view of the same store state, so there is no
// benefit to polling faster than the data actually changes.
const DefaultCollectInterval = 15 * time.Second

// leaderChecker is satisfied by *store.CoordinatorStore; accepted as an
// interface so Collector works against hypervisor-only nodes (where it is
// nil) without importing pkg/store's full coordinator implementation.
type leaderChecker interface {
	IsLeader() bool
}

// Collector republishes pkg/coordinator's entity registries as gauges on
// an interval.
type Collector struct {
	coord    *coordinator.Coordinator
	leader   leaderChecker
	interval time.Duration
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// NewCollector builds a Collector. leader may be nil on nodes with no
// embedded raft store (pure hypervisors using pkg/store/remote).
func NewCollector(coord *coordinator.Coordinator, leader leaderChecker) *Collector {
	return &Collector{coord: coord, leader: leader, interval: DefaultCollectInterval}
}

// Start begins the collection loop and returns immediately after
// performing one collection pass, so the first scrape after startup
// already has data.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	c.cancel = cancel
	c.stopped = stopped

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.collect(runCtx)
			}
		}
	}()
}

// Stop halts the collection loop.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.stopped
}

func (c *Collector) collect(ctx context.Context) {
	c.collectNodes(ctx)
	c.collectDomains(ctx)
	c.collectNetworks(ctx)
	c.collectLeadership()
}

func (c *Collector) collectNodes(ctx context.Context) {
	names, err := coordinator.ListNodeNames(ctx, c.coord.Store)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, name := range names {
		n, err := coordinator.ReadNode(ctx, c.coord.Store, name)
		if err != nil {
			continue
		}
		counts[string(n.DaemonState)]++
		if n.Name == c.coord.NodeName() {
			IsPrimary.Set(boolFloat(n.RouterState == types.RouterStatePrimary))
		}
	}
	for state, count := range counts {
		NodesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectDomains(ctx context.Context) {
	uuids, err := coordinator.ListDomainUUIDs(ctx, c.coord.Store)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, uuid := range uuids {
		d, err := coordinator.ReadDomain(ctx, c.coord.Store, uuid)
		if err != nil {
			continue
		}
		counts[string(d.State)]++
	}
	for state, count := range counts {
		DomainsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectNetworks(ctx context.Context) {
	vnis, err := coordinator.ListNetworkVNIs(ctx, c.coord.Store)
	if err != nil {
		return
	}
	NetworksTotal.Set(float64(len(vnis)))
}

func (c *Collector) collectLeadership() {
	if c.leader == nil {
		return
	}
	IsStoreLeader.Set(boolFloat(c.leader.IsLeader()))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
