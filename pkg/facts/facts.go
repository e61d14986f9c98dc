// Package facts implements the local facts collector: a
// fixed-interval tick that gathers this node's observed state (memory,
// load, running-domain set, per-interface link stats) and publishes it to
// the store in one transaction, then drives the keepalive heartbeat the
// same tick produces.
package facts

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/security"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// DomainLister reports the UUIDs of domains currently running locally, per
// the observed libvirt state (RUNNING/BLOCKED/PAUSED count as running for
// this purpose). pkg/runtime supplies the production implementation;
// accepting an interface here keeps this package free of a libvirt
// dependency.
type DomainLister interface {
	LocalDomains(ctx context.Context) ([]string, error)
}

// InterfaceStat is one tick's snapshot of a bridge or physical NIC in
// scope, kept for diagnostics; nothing requires these to be
// written to the store, only gathered.
type InterfaceStat struct {
	Name   string
	Up     bool
	RxBps  uint64
	TxBps  uint64
}

// Collector runs the fixed-interval tick.
type Collector struct {
	coord      *coordinator.Coordinator
	runtime    DomainLister
	interval   time.Duration
	interfaces []string

	staticWritten bool
	lastCounters  map[string]gopsnet.IOCountersStat
	lastSampleAt  time.Time

	onTick func(InterfaceStat) // test hook; nil in production
}

// New constructs a Collector that publishes facts for coord.NodeName()
// every interval, listing running domains via runtime and sampling the
// named interfaces for link throughput.
func New(coord *coordinator.Coordinator, runtime DomainLister, interval time.Duration, interfaces []string) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		coord:      coord,
		runtime:    runtime,
		interval:   interval,
		interfaces: interfaces,
	}
}

// Run ticks until ctx is canceled. Each tick's errors are logged and
// swallowed except a write conflict, which is expected under concurrent
// writers and simply means this tick is skipped — this is explicit
// that a conflicted tick is not retried out of band.
func (c *Collector) Run(ctx context.Context) {
	logger := log.WithComponent("facts").With().Str("node", c.coord.NodeName()).Logger()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.coord.Store.Connected() {
				continue
			}
			if err := c.tick(ctx); err != nil {
				if err == store.ErrConflict {
					logger.Debug().Msg("facts tick skipped on write conflict")
					continue
				}
				logger.Error().Err(err).Msg("facts tick failed")
			}
		}
	}
}

func (c *Collector) tick(ctx context.Context) error {
	name := c.coord.NodeName()

	if !c.staticWritten {
		static, err := gatherStatic()
		if err == nil {
			cfg := c.coord.Config
			encryptedPassword, err := encryptIPMIPassword(cfg.IPMIPassword)
			if err != nil {
				return fmt.Errorf("encrypt ipmi password: %w", err)
			}
			if werr := coordinator.WriteNodeStatic(ctx, c.coord.Store, types.Node{
				Name:         name,
				DaemonMode:   cfg.DaemonMode,
				IPMIHostname: cfg.IPMIHostname,
				IPMIUsername: cfg.IPMIUsername,
				IPMIPassword: encryptedPassword,
				StaticData:   static,
			}); werr == nil {
				c.staticWritten = true
			}
		}
	}

	memFree, memUsed, err := gatherMemory()
	if err != nil {
		return err
	}
	load, err := gatherLoad()
	if err != nil {
		return err
	}

	running, err := c.runtime.LocalDomains(ctx)
	if err != nil {
		return err
	}

	var memAlloc int64
	var vcpuAlloc int
	for _, uuid := range running {
		d, err := coordinator.ReadDomain(ctx, c.coord.Store, uuid)
		if err != nil {
			continue
		}
		memAlloc += d.MemoryBytes
		vcpuAlloc += d.VCPUs
	}

	c.sampleInterfaces()

	n := types.Node{
		Name:           name,
		MemFree:        memFree,
		MemUsed:        memUsed,
		MemAlloc:       memAlloc,
		VCPUAlloc:      vcpuAlloc,
		CPULoad:        load,
		RunningDomains: running,
		DomainsCount:   len(running),
	}
	return coordinator.WriteNodeFacts(ctx, c.coord.Store, n, time.Now())
}

func gatherStatic() (types.NodeStaticData, error) {
	info, err := hostInfo()
	if err != nil {
		return types.NodeStaticData{}, err
	}
	return info, nil
}

// sampleInterfaces keeps a rolling counters snapshot so bps deltas can
// be computed on the next tick; failures are non-fatal since interface
// stats are diagnostic only.
func (c *Collector) sampleInterfaces() {
	if len(c.interfaces) == 0 {
		return
	}
	counters, err := gopsnet.IOCounters(true)
	if err != nil {
		return
	}
	now := time.Now()
	byName := make(map[string]gopsnet.IOCountersStat, len(counters))
	for _, ct := range counters {
		byName[ct.Name] = ct
	}

	elapsed := now.Sub(c.lastSampleAt).Seconds()
	for _, name := range c.interfaces {
		cur, ok := byName[name]
		if !ok {
			continue
		}
		stat := InterfaceStat{Name: name, Up: true}
		if prev, ok := c.lastCounters[name]; ok && elapsed > 0 {
			stat.RxBps = deltaPerSec(prev.BytesRecv, cur.BytesRecv, elapsed)
			stat.TxBps = deltaPerSec(prev.BytesSent, cur.BytesSent, elapsed)
		}
		if c.onTick != nil {
			c.onTick(stat)
		}
	}
	c.lastCounters = byName
	c.lastSampleAt = now
}

func deltaPerSec(prev, cur uint64, elapsed float64) uint64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	return uint64(float64(cur-prev) / elapsed)
}

// encryptIPMIPassword encrypts password with the cluster encryption key
// before it's published to the replicated store, where every other node
// (including the peer that will eventually fence this one) can read it.
// An empty password encrypts to an empty string rather than an error,
// since a node with no configured BMC has nothing to protect.
func encryptIPMIPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	ciphertext, err := security.Encrypt([]byte(password))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
