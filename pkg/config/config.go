// Package config loads the daemon's YAML configuration file using
// gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile is the environment variable naming the config file path.
const EnvConfigFile = "PVC_CONFIG_FILE"

// Config is the full set of daemon configuration keys,
// plus the node-identity and store-bootstrap fields needed to stand up a
// coordinator or hypervisor-only process.
type Config struct {
	NodeName         string             `yaml:"node_name"`
	ClusterID        string             `yaml:"cluster_id"`
	DaemonMode       types.DaemonMode   `yaml:"daemon_mode"`
	BindAddr         string             `yaml:"bind_addr"`
	DataDir          string             `yaml:"data_dir"`
	CoordinatorPeers []string           `yaml:"coordinator_peers"`
	Coordinators     []string           `yaml:"coordinators"`

	VNIDev            string `yaml:"vni_dev"`
	VNIFloatingIP     string `yaml:"vni_floating_ip"`
	UpstreamDev       string `yaml:"upstream_dev"`
	UpstreamFloatingIP string `yaml:"upstream_floating_ip"`
	ClusterFloatingIP string `yaml:"cluster_floating_ip"`

	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	FenceIntervals    int           `yaml:"fence_intervals"`
	SuicideIntervals  int           `yaml:"suicide_intervals"`

	SuccessfulFence types.FencePolicy `yaml:"successful_fence"`
	FailedFence     types.FencePolicy `yaml:"failed_fence"`

	MigrationTargetSelector types.NodeSelector `yaml:"migration_target_selector"`

	IPMIHostname string `yaml:"ipmi_hostname"`
	IPMIUsername string `yaml:"ipmi_username"`
	IPMIPassword string `yaml:"ipmi_password"`

	LogDirectory     string `yaml:"log_directory"`
	DynamicDirectory string `yaml:"dynamic_directory"`

	LogLevel  log.Level `yaml:"log_level"`
	LogJSON   bool      `yaml:"log_json"`
}

// Defaults mirror the documented defaults.
func Defaults() Config {
	return Config{
		DaemonMode:              types.DaemonModeHypervisor,
		KeepaliveInterval:       5 * time.Second,
		FenceIntervals:          6,
		SuicideIntervals:        0,
		SuccessfulFence:         types.FencePolicyMigrate,
		FailedFence:             types.FencePolicyNone,
		MigrationTargetSelector: types.SelectorMem,
		LogDirectory:            "/var/log/pvc",
		DynamicDirectory:        "/var/lib/pvc",
		LogLevel:                log.InfoLevel,
	}
}

// Load reads and parses the YAML file at path, applying Defaults first.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromEnv reads the path named by EnvConfigFile.
func LoadFromEnv() (Config, error) {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		return Config{}, fmt.Errorf("%s not set", EnvConfigFile)
	}
	return Load(path)
}

func (c Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("config: node_name is required")
	}
	switch c.DaemonMode {
	case types.DaemonModeCoordinator, types.DaemonModeHypervisor:
	default:
		return fmt.Errorf("config: daemon_mode must be %q or %q, got %q",
			types.DaemonModeCoordinator, types.DaemonModeHypervisor, c.DaemonMode)
	}
	if c.DaemonMode == types.DaemonModeCoordinator {
		if c.BindAddr == "" {
			return fmt.Errorf("config: bind_addr is required for coordinator nodes")
		}
		if c.DataDir == "" {
			return fmt.Errorf("config: data_dir is required for coordinator nodes")
		}
	}
	if len(c.Coordinators) == 0 {
		return fmt.Errorf("config: coordinators must name at least one coordinator endpoint")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("config: keepalive_interval must be positive")
	}
	if c.FenceIntervals <= 0 {
		return fmt.Errorf("config: fence_intervals must be positive")
	}
	return nil
}
