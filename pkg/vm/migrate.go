package vm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/scheduler"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// runOutboundMigration drives the live hand-off of a domain still running
// locally after the initiator (flush worker, fence relocation, or the API)
// has already written /node to the target alongside /state=migrate. The
// target is therefore dom.Node itself, not something selected here — by
// the time this node observes !isOwner it is too late to pick a different
// destination without racing whatever the target is already expecting.
func (d *Domain) runOutboundMigration(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	c := d.mgr.Coord.Store
	timer := metrics.NewTimer()
	self := d.mgr.Coord.NodeName()
	target := dom.Node

	if dom.MigrationMethod == types.MigrationMethodShutdown {
		d.migrateViaShutdown(ctx, dom, target, self, logger)
		return
	}

	targetURI := fmt.Sprintf("qemu+tcp://%s/system", target)
	if err := d.mgr.Runtime.Migrate(ctx, d.uuid, targetURI); err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("live migration failed")
		if dom.MigrationMethod == types.MigrationMethodNone {
			logger.Error().Msg("migration_method=none forbids shutdown fallback, restoring ownership")
			d.restoreOwnership(ctx, self)
			metrics.MigrationsTotal.WithLabelValues("live", "failed").Inc()
			timer.ObserveDurationVec(metrics.MigrationDuration, "live")
			return
		}
		// Open Question decision: unset/live fall back to a cold
		// (shutdown+relocate) migration rather than failing outright.
		d.migrateViaShutdown(ctx, dom, target, self, logger)
		return
	}

	d.stopConsole()
	if err := coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStart, store.Any); err != nil {
		logger.Error().Err(err).Msg("failed to reset state after migration")
	}
	metrics.MigrationsTotal.WithLabelValues("live", "succeeded").Inc()
	timer.ObserveDurationVec(metrics.MigrationDuration, "live")
}

// migrateViaShutdown is the cold-migration fallback: shut the guest down
// locally, hand ownership to target, and let target's own evaluate loop
// start it (desired state is already "start" once ownership moves).
// lastNode records who drove the hand-off, independent of whatever dom.Node
// currently reads (the outbound path observes it already equal to target).
func (d *Domain) migrateViaShutdown(ctx context.Context, dom types.Domain, target, lastNode string, logger zerolog.Logger) {
	c := d.mgr.Coord.Store
	timer := metrics.NewTimer()
	d.runGracefulShutdown(ctx, dom, logger)
	if err := coordinator.SetDomainNode(ctx, c, d.uuid, target, lastNode); err != nil {
		logger.Error().Err(err).Msg("failed to hand off domain after cold migration")
		metrics.MigrationsTotal.WithLabelValues("shutdown", "failed").Inc()
		timer.ObserveDurationVec(metrics.MigrationDuration, "shutdown")
		return
	}
	if err := coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStart, store.Any); err != nil {
		logger.Error().Err(err).Msg("failed to reset state after cold migration")
	}
	metrics.MigrationsTotal.WithLabelValues("shutdown", "succeeded").Inc()
	timer.ObserveDurationVec(metrics.MigrationDuration, "shutdown")
}

// restoreOwnership reverts a migration attempt that never left the local
// node: node is reset to us and state goes back to start so the normal
// ensure-running path picks the VM back up.
func (d *Domain) restoreOwnership(ctx context.Context, selfNode string) {
	c := d.mgr.Coord.Store
	_ = coordinator.SetDomainNode(ctx, c, d.uuid, selfNode, selfNode)
	_ = coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStart, store.Any)
}

// runMigrateReset handles a domain observed RUNNING locally while still
// owned here (/node == me) but desired state is still migrate: nothing was
// ever handed off, so the VM stays put and desired state resets to start.
func (d *Domain) runMigrateReset(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	d.ensureConsole(dom)
	if err := coordinator.SetDomainState(ctx, d.mgr.Coord.Store, d.uuid, types.DomainStateStart, store.Any); err != nil {
		logger.Error().Err(err).Msg("failed to reset stuck migration state")
	}
}

// runInboundMigration: wait for the incoming
// domain to appear (libvirt's own migration protocol defines it on the
// target as part of the live handoff), then flip desired state to start
// so subsequent evaluations just ensure it keeps running. If it never
// appears, fail the domain rather than spin forever.
func (d *Domain) runInboundMigration(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	c := d.mgr.Coord.Store
	if err := d.mgr.Runtime.WaitForState(ctx, d.uuid, types.LibvirtStateRunning, d.mgr.ReceiveTimeout); err != nil {
		logger.Error().Err(err).Msg("incoming migration did not complete in time")
		if werr := c.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.DomainStateKey(d.uuid), Expected: store.Any, Data: string(types.DomainStateFail)},
			{Key: coordinator.DomainFailedReasonKey(d.uuid), Expected: store.Any, Data: "receive timeout"},
		}, nil); werr != nil {
			logger.Error().Err(werr).Msg("failed to record receive failure")
		}
		return
	}
	d.ensureConsole(dom)
	if err := coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStart, store.Any); err != nil {
		logger.Error().Err(err).Msg("failed to clear migrate state after receive")
	}
}

// runUnmigrate implements the flushed-node-rule Open Question decision:
// prefer returning the domain to lastnode unless that node is currently
// flushing or flushed, in which case fall back to ordinary scheduler
// selection.
func (d *Domain) runUnmigrate(ctx context.Context, dom types.Domain, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	target := dom.LastNode
	if target != "" {
		n, err := coordinator.ReadNode(ctx, d.mgr.Coord.Store, target)
		if err != nil || n.DomainState == types.NodeDomainStateFlush || n.DomainState == types.NodeDomainStateFlushed {
			target = ""
		}
	}
	if target == "" || target == dom.Node {
		selected, err := d.selectTarget(ctx, dom, dom.Node)
		if err != nil {
			logger.Error().Err(err).Msg("no eligible unmigrate target")
			d.restoreOwnership(ctx, dom.Node)
			metrics.MigrationsTotal.WithLabelValues("live", "failed").Inc()
			timer.ObserveDurationVec(metrics.MigrationDuration, "live")
			return
		}
		target = selected
	}

	targetURI := fmt.Sprintf("qemu+tcp://%s/system", target)
	if err := d.mgr.Runtime.Migrate(ctx, d.uuid, targetURI); err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("unmigrate live migration failed, falling back to cold relocation")
		d.migrateViaShutdown(ctx, dom, target, dom.Node, logger)
		return
	}
	d.stopConsole()
	c := d.mgr.Coord.Store
	if err := coordinator.SetDomainNode(ctx, c, d.uuid, target, dom.Node); err != nil {
		logger.Error().Err(err).Msg("failed to record unmigrate target")
	}
	if err := coordinator.SetDomainState(ctx, c, d.uuid, types.DomainStateStart, store.Any); err != nil {
		logger.Error().Err(err).Msg("failed to reset state after unmigrate")
	}
	metrics.MigrationsTotal.WithLabelValues("live", "succeeded").Inc()
	timer.ObserveDurationVec(metrics.MigrationDuration, "live")
}

// selectTarget runs scheduler.Eligible/Select over the cluster's current
// node set, excluding the domain's current node.
func (d *Domain) selectTarget(ctx context.Context, dom types.Domain, exclude string) (string, error) {
	names, err := coordinator.ListNodeNames(ctx, d.mgr.Coord.Store)
	if err != nil {
		return "", err
	}
	nodes := make([]types.Node, 0, len(names))
	for _, name := range names {
		n, err := coordinator.ReadNode(ctx, d.mgr.Coord.Store, name)
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}

	candidates := scheduler.Eligible(nodes, dom.NodeLimit, exclude)
	selector := dom.NodeSelector
	if selector == types.SelectorNone || selector == "" {
		selector = d.mgr.Coord.Config.MigrationTargetSelector
	}
	target, ok := scheduler.Select(selector, candidates)
	if !ok {
		return "", fmt.Errorf("no eligible node for domain %s", d.uuid)
	}
	return target, nil
}
