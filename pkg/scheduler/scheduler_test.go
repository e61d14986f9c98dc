package scheduler

import (
	"testing"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/stretchr/testify/require"
)

func node(name string, memFree, memUsed, memAlloc int64, load float64, vcpus, vms int) types.Node {
	return types.Node{
		Name:           name,
		DaemonState:    types.DaemonStateRun,
		DomainState:    types.NodeDomainStateReady,
		MemFree:        memFree,
		MemUsed:        memUsed,
		MemAlloc:       memAlloc,
		CPULoad:        load,
		VCPUAlloc:      vcpus,
		DomainsCount:   vms,
	}
}

func TestEligibleExcludesIneligibleNodes(t *testing.T) {
	nodes := []types.Node{
		node("a", 0, 0, 0, 0, 0, 0),
		{Name: "b", DaemonState: types.DaemonStateDead, DomainState: types.NodeDomainStateReady},
		{Name: "c", DaemonState: types.DaemonStateRun, DomainState: types.NodeDomainStateFlush},
	}
	c := Eligible(nodes, nil, "")
	require.Len(t, c, 1)
	require.Equal(t, "a", c[0].Name)
}

func TestEligibleRespectsNodeLimitAndExclude(t *testing.T) {
	nodes := []types.Node{node("a", 0, 0, 0, 0, 0, 0), node("b", 0, 0, 0, 0, 0, 0)}
	c := Eligible(nodes, []string{"b"}, "")
	require.Len(t, c, 1)
	require.Equal(t, "b", c[0].Name)

	c = Eligible(nodes, nil, "a")
	require.Len(t, c, 1)
	require.Equal(t, "b", c[0].Name)
}

func TestSelectMemPicksLargestFreeAfterAlloc(t *testing.T) {
	candidates := []Candidate{
		{Name: "a", MemFree: 10, MemUsed: 0, MemAlloc: 5},
		{Name: "b", MemFree: 20, MemUsed: 0, MemAlloc: 0},
	}
	name, ok := Select(types.SelectorMem, candidates)
	require.True(t, ok)
	require.Equal(t, "b", name)
}

func TestSelectLoadPicksSmallest(t *testing.T) {
	candidates := []Candidate{
		{Name: "a", CPULoad: 2.0},
		{Name: "b", CPULoad: 0.5},
	}
	name, ok := Select(types.SelectorLoad, candidates)
	require.True(t, ok)
	require.Equal(t, "b", name)
}

func TestSelectTieBreaksLexicographically(t *testing.T) {
	candidates := []Candidate{
		{Name: "zebra", CPULoad: 1.0},
		{Name: "alpha", CPULoad: 1.0},
	}
	name, ok := Select(types.SelectorLoad, candidates)
	require.True(t, ok)
	require.Equal(t, "alpha", name)
}

func TestSelectEmptyCandidatesFails(t *testing.T) {
	_, ok := Select(types.SelectorMem, nil)
	require.False(t, ok)
}
