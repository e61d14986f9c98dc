package fence

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/ipmi"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/rbd"
	"github.com/parallelvirtualcluster/pvc/pkg/scheduler"
	"github.com/parallelvirtualcluster/pvc/pkg/security"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

const savingThrowCount = 3

// savingThrowInterval is a var, not a const, so tests can shrink it rather
// than spend several real seconds per fence task exercised.
var savingThrowInterval = 5 * time.Second

// fencer issues the hard power-cycle against a fenced node's BMC.
// Abstracted so the task's branching logic is testable without ipmitool
// installed, the same seam pkg/network uses for nft/dnsmasq.
type fencer interface {
	Reboot(ctx context.Context, target ipmi.Target) error
}

type ipmitoolFencer struct{}

func (ipmitoolFencer) Reboot(ctx context.Context, target ipmi.Target) error {
	return ipmi.Reboot(ctx, target)
}

// runFenceTask runs the fence task for peer. It is run in
// its own goroutine by Supervisor.spawnFence and is not cancellable past
// the saving-throw phase.
func (s *Supervisor) runFenceTask(ctx context.Context, peer string, logger zerolog.Logger) {
	coord := s.coord
	logger = logger.With().Str("peer", peer).Logger()
	timer := metrics.NewTimer()

	if !savingThrows(ctx, coord, peer, logger) {
		logger.Info().Msg("fence aborted: peer observed alive during saving throws")
		metrics.FenceEventsTotal.WithLabelValues("aborted").Inc()
		timer.ObserveDuration(metrics.FenceDuration)
		return
	}

	peerNode, err := coordinator.ReadNode(ctx, coord.Store, peer)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read peer before fencing")
		metrics.FenceEventsTotal.WithLabelValues("failed").Inc()
		timer.ObserveDuration(metrics.FenceDuration)
		return
	}

	if peerNode.RouterState == types.RouterStatePrimary {
		relinquishPrimary(ctx, coord, peer, logger)
	}

	cfg := coord.Config
	ipmiPassword, err := decryptIPMIPassword(peerNode.IPMIPassword)
	if err != nil {
		logger.Error().Err(err).Msg("failed to decrypt peer's ipmi password")
		metrics.FenceEventsTotal.WithLabelValues("failed").Inc()
		timer.ObserveDuration(metrics.FenceDuration)
		return
	}
	target := ipmi.Target{
		Hostname: peerNode.IPMIHostname,
		Username: peerNode.IPMIUsername,
		Password: ipmiPassword,
	}
	resetErr := s.fencer.Reboot(ctx, target)

	relocate := false
	switch {
	case resetErr == nil && cfg.SuccessfulFence == types.FencePolicyMigrate:
		relocate = true
	case resetErr != nil && cfg.FailedFence == types.FencePolicyMigrate && cfg.SuicideIntervals != 0:
		// A failed reset with self-fence disabled cluster-wide is not
		// trusted: the peer may still be alive and running, and
		// relocating its domains without a working suicide guard risks
		// two nodes running the same domain.
		relocate = true
	}

	if resetErr != nil {
		logger.Error().Err(resetErr).Msg("ipmi fence failed")
		metrics.FenceEventsTotal.WithLabelValues("failed").Inc()
	} else {
		logger.Info().Msg("ipmi fence succeeded")
		metrics.FenceEventsTotal.WithLabelValues("succeeded").Inc()
	}
	timer.ObserveDuration(metrics.FenceDuration)

	if relocate {
		relocateDomains(ctx, coord, peer, peerNode.RunningDomains, logger)
	}
}

// savingThrows reads peer's daemon_state every savingThrowInterval for
// savingThrowCount iterations; any iteration observing a state other than
// dead aborts the fence.
func savingThrows(ctx context.Context, coord *coordinator.Coordinator, peer string, logger zerolog.Logger) bool {
	for i := 0; i < savingThrowCount; i++ {
		state, _, err := coord.Store.Read(ctx, coordinator.NodeDaemonStateKey(peer))
		if err == nil && types.DaemonState(state) != types.DaemonStateDead {
			return false
		}
		if i == savingThrowCount-1 {
			break
		}
		select {
		case <-time.After(savingThrowInterval):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// relinquishPrimary relinquishes the primary role: under lock(/primary_node),
// clear the singleton and demote peer's own router_state.
func relinquishPrimary(ctx context.Context, coord *coordinator.Coordinator, peer string, logger zerolog.Logger) {
	unlock, err := coord.Store.Lock(ctx, coordinator.PrimaryNodeLockKey)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire cluster lock to relinquish fenced peer's primary role")
		return
	}
	defer unlock.Unlock()

	if err := coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.PrimaryNodeKey, Expected: store.Any, Data: coordinator.PrimaryNodeNone},
		{Key: coordinator.NodeRouterStateKey(peer), Expected: store.Any, Data: string(types.RouterStateSecondary)},
	}, nil); err != nil {
		logger.Error().Err(err).Msg("failed to relinquish fenced peer's primary role")
	}
}

// relocateDomains relocates each UUID the fenced
// peer was running, flush its RBD locks, select a fresh target, and hand
// it off in one transaction. Domains that fail to find a target are left
// stopped, the same empty-candidate-set rule the flush worker applies.
func relocateDomains(ctx context.Context, coord *coordinator.Coordinator, peer string, uuids []string, logger zerolog.Logger) {
	for _, uuid := range uuids {
		dom, err := coordinator.ReadDomain(ctx, coord.Store, uuid)
		if err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to read domain for relocation")
			continue
		}

		if err := flushDomainLocks(ctx, dom.XML); err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to flush rbd locks ahead of relocation")
		}

		target, ok := selectRelocationTarget(ctx, coord, dom, peer)
		if !ok {
			logger.Warn().Str("domain", uuid).Msg("no eligible relocation target, leaving domain stopped")
			_ = coordinator.SetDomainState(ctx, coord.Store, uuid, types.DomainStateStop, store.Any)
			continue
		}

		if err := coord.Store.WriteTxn(ctx, []store.WriteOp{
			{Key: coordinator.DomainStateKey(uuid), Expected: store.Any, Data: string(types.DomainStateStart)},
			{Key: coordinator.DomainNodeKey(uuid), Expected: store.Any, Data: target},
			{Key: coordinator.DomainLastNodeKey(uuid), Expected: store.Any, Data: peer},
		}, nil); err != nil {
			logger.Error().Err(err).Str("domain", uuid).Msg("failed to relocate domain")
		}
	}

	if err := coord.Store.WriteTxn(ctx, []store.WriteOp{
		{Key: coordinator.NodeDomainStateKey(peer), Expected: store.Any, Data: string(types.NodeDomainStateFlushed)},
	}, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark fenced peer flushed")
	}
}

// flushDomainLocks breaks every RBD lock the fenced node may still hold on
// dom's backing images: the node is confirmed dead by the
// saving throws, so any lock still held is stale by definition.
func flushDomainLocks(ctx context.Context, domXML string) error {
	images, err := rbd.ImagesFromDomainXML(domXML)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := rbd.FlushAllLocks(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

// selectRelocationTarget runs the same scheduler.Eligible/Select pass
// pkg/vm's unmigrate uses, excluding the fenced peer itself.
func selectRelocationTarget(ctx context.Context, coord *coordinator.Coordinator, dom types.Domain, excludeNode string) (string, bool) {
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
	candidates := scheduler.Eligible(nodes, dom.NodeLimit, excludeNode)
	selector := dom.NodeSelector
	if selector == types.SelectorNone || selector == "" {
		selector = coord.Config.MigrationTargetSelector
	}
	return scheduler.Select(selector, candidates)
}

// decryptIPMIPassword reverses the encryption pkg/facts applies before
// publishing a node's BMC password to the store. An empty stored value
// decrypts to an empty password rather than an error, matching a peer
// with no configured BMC credentials.
func decryptIPMIPassword(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	plaintext, err := security.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
