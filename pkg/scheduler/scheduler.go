// Package scheduler implements target selection for VM placement: choosing
// a destination node for a migrating or relocating Domain out of the set
// of currently eligible candidates.
package scheduler

import (
	"sort"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Candidate is the subset of Node fields the selectors need. Kept separate
// from types.Node so callers (pkg/fence, pkg/flush, pkg/vm) can build it
// directly from cached registry state without a store round trip.
type Candidate struct {
	Name      string
	MemFree   int64
	MemUsed   int64
	MemAlloc  int64
	CPULoad   float64
	VCPUAlloc int
	VMCount   int
}

// Eligible filters nodes to the candidate set: daemon_state
// == run, domain_state == ready, name in nodeLimit (if non-empty), and
// name != excludeNode (the domain's current node).
func Eligible(nodes []types.Node, nodeLimit []string, excludeNode string) []Candidate {
	allowed := make(map[string]bool, len(nodeLimit))
	for _, n := range nodeLimit {
		allowed[n] = true
	}

	var out []Candidate
	for _, n := range nodes {
		if n.DaemonState != types.DaemonStateRun {
			continue
		}
		if n.DomainState != types.NodeDomainStateReady {
			continue
		}
		if n.Name == excludeNode {
			continue
		}
		if len(nodeLimit) > 0 && !allowed[n.Name] {
			continue
		}
		out = append(out, Candidate{
			Name:      n.Name,
			MemFree:   n.MemFree,
			MemUsed:   n.MemUsed,
			MemAlloc:  n.MemAlloc,
			CPULoad:   n.CPULoad,
			VCPUAlloc: n.VCPUAlloc,
			VMCount:   n.DomainsCount,
		})
	}
	return out
}

// scoreFunc returns a value for a candidate such that, for a given
// selector, the candidate with the best score wins. Ties are broken by
// lexicographically smallest node name regardless of selector.
type scoreFunc func(Candidate) float64

// higherIsBetter reports whether Select should pick the maximum (true) or
// minimum (false) scored candidate for the given selector.
func higherIsBetter(sel types.NodeSelector) bool {
	return sel == types.SelectorMem
}

func scorerFor(sel types.NodeSelector) scoreFunc {
	switch sel {
	case types.SelectorMem:
		return func(c Candidate) float64 { return float64((c.MemUsed + c.MemFree) - c.MemAlloc) }
	case types.SelectorMemProv:
		return func(c Candidate) float64 { return float64(c.MemAlloc) }
	case types.SelectorLoad:
		return func(c Candidate) float64 { return c.CPULoad }
	case types.SelectorVCPUs:
		return func(c Candidate) float64 { return float64(c.VCPUAlloc) }
	case types.SelectorVMs:
		return func(c Candidate) float64 { return float64(c.VMCount) }
	default:
		return nil
	}
}

// Select applies selector to candidates and returns the winning node name.
// Only an empty candidate set returns ("", false). Callers resolve
// SelectorNone against the cluster's migration_target_selector before
// calling Select; a SelectorNone (or empty) selector that still reaches
// here falls back to SelectorMem.
func Select(selector types.NodeSelector, candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	if selector == types.SelectorNone || selector == "" {
		selector = types.SelectorMem
	}
	score := scorerFor(selector)
	if score == nil {
		score = scorerFor(types.SelectorMem)
	}
	better := higherIsBetter(selector)

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	best := sorted[0]
	bestScore := score(best)
	for _, c := range sorted[1:] {
		s := score(c)
		if (better && s > bestScore) || (!better && s < bestScore) {
			best, bestScore = c, s
		}
	}
	return best.Name, true
}
