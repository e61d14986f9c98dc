package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/parallelvirtualcluster/pvc/pkg/api"
	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/dns"
	"github.com/parallelvirtualcluster/pvc/pkg/facts"
	"github.com/parallelvirtualcluster/pvc/pkg/fence"
	"github.com/parallelvirtualcluster/pvc/pkg/flush"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/network"
	"github.com/parallelvirtualcluster/pvc/pkg/primary"
	"github.com/parallelvirtualcluster/pvc/pkg/registry"
	"github.com/parallelvirtualcluster/pvc/pkg/runtime"
	"github.com/parallelvirtualcluster/pvc/pkg/security"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/remote"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/parallelvirtualcluster/pvc/pkg/vm"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "pvcd",
	Short: "Parallel Virtual Cluster node daemon",
	Long: `pvcd is the node daemon of a Parallel Virtual Cluster: it reconciles
libvirt domains, VXLAN networks, and cluster membership against a
replicated store. Every node in a cluster runs this same binary, in
either coordinator mode (a raft voter holding the store) or hypervisor
mode (a store client proxying to the coordinators).`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pvcd version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the daemon's YAML config file (defaults to $"+config.EnvConfigFile+")")
	registerLeaseHookCommands(rootCmd)
}

func loadConfig() (config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadFromEnv()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON, Output: os.Stderr})
	logger := log.WithComponent("main").With().Str("node", cfg.NodeName).Logger()
	logger.Info().Str("mode", string(cfg.DaemonMode)).Msg("starting pvcd")

	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterID)); err != nil {
		return fmt.Errorf("set cluster encryption key: %w", err)
	}

	client, closeClient, err := buildStoreClient(cfg)
	if err != nil {
		return fmt.Errorf("build store client: %w", err)
	}
	defer closeClient()

	coord := coordinator.New(client, cfg)

	libvirtConn, err := runtime.Connect("")
	if err != nil {
		return fmt.Errorf("connect to libvirtd: %w", err)
	}
	defer libvirtConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vmMgr := vm.NewManager(coord, libvirtConn, cfg.LogDirectory)
	domainRegistry, err := registry.New(ctx, coord.Store, coordinator.DomainsRoot, "domains", vmMgr.Factory())
	if err != nil {
		return fmt.Errorf("start domain registry: %w", err)
	}
	defer domainRegistry.Close()

	netMgr := network.NewManager(coord, cfg.DynamicDirectory)
	networkRegistry, err := registry.New(ctx, coord.Store, coordinator.NetworksRoot, "networks", netMgr.Factory())
	if err != nil {
		return fmt.Errorf("start network registry: %w", err)
	}
	defer networkRegistry.Close()
	coordinator.RegisterRegistry(coord, coordinator.RegistryNetworks, networkRegistry)

	factsCollector := facts.New(coord, libvirtConn, cfg.KeepaliveInterval, []string{cfg.VNIDev, cfg.UpstreamDev})
	go factsCollector.Run(ctx)

	fenceSupervisor := fence.New(coord)
	go fenceSupervisor.Run(ctx)

	flushSupervisor := flush.New(coord)
	defer flushSupervisor.Close()
	go func() {
		if err := flushSupervisor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("flush supervisor exited")
		}
	}()

	var metricsCollector *metrics.Collector
	if cs, ok := client.(*store.CoordinatorStore); ok {
		metricsCollector = metrics.NewCollector(coord, cs)
	} else {
		metricsCollector = metrics.NewCollector(coord, nil)
	}
	metricsCollector.Start(ctx)
	defer metricsCollector.Stop()

	var primaryController *primary.Controller
	if cfg.DaemonMode == types.DaemonModeCoordinator {
		cs := client.(*store.CoordinatorStore)
		dnsService := dns.New(coord, "")
		apiService := api.New(coord, cs, "")
		primaryController = primary.New(coord, cfg, "", dnsService, apiService)
	} else {
		primaryController = primary.New(coord, cfg, "", nil, nil)
	}
	defer primaryController.Close()
	go func() {
		if err := primaryController.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("primary controller exited")
		}
	}()

	logger.Info().Msg("pvcd started")
	waitForShutdown(ctx, cancel, logger)
	return nil
}

// buildStoreClient constructs the coordinator-side raft store or the
// hypervisor-side remote gRPC proxy, per cfg.DaemonMode, and returns a
// close func releasing whichever backend was built.
func buildStoreClient(cfg config.Config) (store.Client, func(), error) {
	switch cfg.DaemonMode {
	case types.DaemonModeCoordinator:
		cs, err := store.NewCoordinatorStore(store.CoordinatorConfig{
			NodeName: cfg.NodeName,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return nil, nil, err
		}
		if len(cfg.CoordinatorPeers) == 0 {
			if err := cs.Bootstrap(); err != nil {
				return nil, nil, fmt.Errorf("bootstrap store: %w", err)
			}
		} else {
			if err := cs.Join(cfg.CoordinatorPeers[0]); err != nil {
				return nil, nil, fmt.Errorf("join store cluster via %s: %w", cfg.CoordinatorPeers[0], err)
			}
		}

		gs := grpc.NewServer()
		remote.Register(gs, remote.NewServer(cs))
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listen store rpc on %s: %w", cfg.BindAddr, err)
		}
		go gs.Serve(ln)

		return cs, func() {
			gs.GracefulStop()
			_ = cs.Close()
		}, nil

	case types.DaemonModeHypervisor:
		if len(cfg.Coordinators) == 0 {
			return nil, nil, fmt.Errorf("hypervisor mode requires at least one coordinator endpoint")
		}
		rc, err := remote.Dial(cfg.Coordinators[0], nil)
		if err != nil {
			return nil, nil, err
		}
		return rc, func() { _ = rc.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown daemon_mode %q", cfg.DaemonMode)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx so every
// component's goroutine and deferred Close/Stop can run before main
// returns.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}
	cancel()
}
