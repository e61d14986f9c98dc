package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pvc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
node_name: hv01
daemon_mode: hypervisor
coordinators: ["coord1:9000"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hv01", cfg.NodeName)
	require.Equal(t, types.DaemonModeHypervisor, cfg.DaemonMode)
	require.Equal(t, 6, cfg.FenceIntervals)
	require.Equal(t, types.SelectorMem, cfg.MigrationTargetSelector)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
node_name: coord1
daemon_mode: coordinator
bind_addr: 10.0.0.1:9000
data_dir: /tmp/pvc-data
coordinators: ["coord1:9000"]
fence_intervals: 10
migration_target_selector: load
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.FenceIntervals)
	require.Equal(t, types.SelectorLoad, cfg.MigrationTargetSelector)
}

func TestValidateRejectsMissingNodeName(t *testing.T) {
	path := writeTemp(t, `
daemon_mode: hypervisor
coordinators: ["coord1:9000"]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresBindAddrForCoordinator(t *testing.T) {
	path := writeTemp(t, `
node_name: coord1
daemon_mode: coordinator
coordinators: ["coord1:9000"]
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresAtLeastOneCoordinator(t *testing.T) {
	path := writeTemp(t, `
node_name: hv01
daemon_mode: hypervisor
`)
	_, err := Load(path)
	require.Error(t, err)
}
