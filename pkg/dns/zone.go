package dns

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// zone is one network's aggregated forward records, keyed by the
// lowercase, fully-qualified hostname (hostname.domain.).
type zone struct {
	domain      string
	nameServers []string
	records     map[string]net.IP
}

// zoneSet is the aggregator's current view across every served network,
// rebuilt wholesale on each refresh rather than patched incrementally: the
// underlying reservation set is small and refresh is driven by a poll
// interval, not a per-key watch, so there is no staleness window worth
// optimizing away.
type zoneSet struct {
	mu    sync.RWMutex
	zones map[string]zone // by domain, lowercased
}

func newZoneSet() *zoneSet {
	return &zoneSet{zones: make(map[string]zone)}
}

// refresh rebuilds the aggregator's zones from the current store state:
// every network with a non-empty Domain becomes a zone, populated from
// that network's reservation records.
func refresh(ctx context.Context, c store.Client, zs *zoneSet) error {
	vnis, err := coordinator.ListNetworkVNIs(ctx, c)
	if err != nil {
		return err
	}

	next := make(map[string]zone, len(vnis))
	for _, vni := range vnis {
		nw, err := coordinator.ReadNetwork(ctx, c, vni)
		if err != nil || nw.Domain == "" {
			continue
		}
		reservations, err := coordinator.ListReservations(ctx, c, vni)
		if err != nil {
			continue
		}
		next[strings.ToLower(nw.Domain)] = zoneFromNetwork(nw, reservations)
	}

	zs.mu.Lock()
	zs.zones = next
	zs.mu.Unlock()
	return nil
}

func zoneFromNetwork(nw types.Network, reservations []types.DHCPReservation) zone {
	z := zone{
		domain:      strings.ToLower(nw.Domain),
		nameServers: nw.NameServers,
		records:     make(map[string]net.IP, len(reservations)),
	}
	for _, r := range reservations {
		if r.Hostname == "" || r.IPAddress == "" {
			continue
		}
		ip := net.ParseIP(r.IPAddress)
		if ip == nil {
			continue
		}
		fqdn := strings.ToLower(r.Hostname) + "." + z.domain + "."
		z.records[fqdn] = ip
	}
	return z
}

// lookup resolves an A-record query name against every served zone,
// returning the matching domain's upstream resolvers as a fallback hint
// even when the name itself doesn't resolve, so callers can forward within
// the owning zone rather than a global default.
func (zs *zoneSet) lookup(name string) (ip net.IP, upstream []string, matched bool) {
	name = strings.ToLower(name)
	zs.mu.RLock()
	defer zs.mu.RUnlock()
	for domain, z := range zs.zones {
		if name == domain+"." || strings.HasSuffix(name, "."+domain+".") {
			return z.records[name], z.nameServers, true
		}
	}
	return nil, nil, false
}
