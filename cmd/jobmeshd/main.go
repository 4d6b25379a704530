package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/jobmesh/pkg/app"
	"github.com/cuemby/jobmesh/pkg/cluster"
	"github.com/cuemby/jobmesh/pkg/clientserver"
	"github.com/cuemby/jobmesh/pkg/config"
	"github.com/cuemby/jobmesh/pkg/delivery"
	"github.com/cuemby/jobmesh/pkg/discovery"
	"github.com/cuemby/jobmesh/pkg/events"
	"github.com/cuemby/jobmesh/pkg/log"
	"github.com/cuemby/jobmesh/pkg/metrics"
	"github.com/cuemby/jobmesh/pkg/nodeserver"
	"github.com/cuemby/jobmesh/pkg/registry"
	"github.com/cuemby/jobmesh/pkg/scheduler"
	"github.com/cuemby/jobmesh/pkg/security"
	"github.com/cuemby/jobmesh/pkg/storage"
	"github.com/cuemby/jobmesh/pkg/timer"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobmeshd",
	Short: "jobmeshd - a shared compute-job scheduler",
	Long: `jobmeshd accepts computations from clients, distributes their jobs
across a pool of discovered compute nodes, and delivers results back,
following the dispy scheduler's wire protocol.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jobmeshd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	config.RegisterFlags(rootCmd)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level})
	logger := log.WithComponent("jobmeshd")

	if cfg.Clean {
		if err := os.RemoveAll(cfg.DestPathPrefix); err != nil {
			return fmt.Errorf("failed to clean dest_path_prefix: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.DestPathPrefix, 0o755); err != nil {
		return fmt.Errorf("failed to create dest_path_prefix: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DestPathPrefix)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	sign := uuid.NewString()
	if err := store.SaveConfig(storage.PersistedConfig{
		Port:          cfg.Port,
		Sign:          sign,
		ClusterSecret: cfg.ClusterSecret,
		NodeSecret:    cfg.NodeSecret,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist identity record")
	}

	clusterTLS, err := security.LoadChannelConfig(cfg.ClusterCertFile, cfg.ClusterKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load cluster TLS config: %w", err)
	}
	nodeTLS, err := security.LoadChannelConfig(cfg.NodeCertFile, cfg.NodeKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load node TLS config: %w", err)
	}

	nodes := registry.New()
	clusters := cluster.New(cfg.DestPathPrefix, cfg.MaxFileSize, store)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	a := app.New(app.Config{
		ClusterSecret:  []byte(cfg.ClusterSecret),
		NodeSecret:     []byte(cfg.NodeSecret),
		Sign:           sign,
		NodePort:       cfg.NodePort,
		SchedulerPort:  cfg.SchedulerPort,
		Nodes:          cfg.Nodes,
		MaxFileSize:    cfg.MaxFileSize,
		MsgTimeout:     cfg.MsgTimeout,
		PulseInterval:  cfg.PulseInterval,
		PingInterval:   cfg.PingInterval,
		ZombieInterval: cfg.ZombieInterval,
	}, nodes, clusters, store, broker)

	disc := discovery.New(discovery.Config{
		SchedulerPort: cfg.SchedulerPort,
		NodeSecret:    []byte(cfg.NodeSecret),
		ExtIPAddrs:    cfg.ExtIPAddrs,
		Sign:          sign,
		MsgTimeout:    cfg.MsgTimeout,
	}, nodes, a.OnNodeDiscovered)
	a.SetDiscovery(disc)

	deliverySvc := delivery.New(delivery.Config{
		MsgTimeout: cfg.MsgTimeout,
		ClientTLS:  clusterTLS,
	}, clusters, store, a.RetireCluster)
	a.SetDelivery(deliverySvc)

	sched := scheduler.New(nodes, clusters, deliverySvc, broker, scheduler.Config{
		Dialer: &scheduler.NetDialer{TLS: nodeTLS, MsgTimeout: cfg.MsgTimeout},
	})
	a.SetScheduler(sched)
	sched.Start()
	defer sched.Shutdown()

	sweeper := timer.New(timer.Config{
		PulseInterval:  cfg.PulseInterval,
		PingInterval:   cfg.PingInterval,
		ZombieInterval: cfg.ZombieInterval,
	}, a)
	sweeper.Start()
	defer sweeper.Stop()

	bindIP := ""
	if len(cfg.IPAddrs) > 0 {
		bindIP = cfg.IPAddrs[0]
	}

	clientSrv := clientserver.New(clientserver.Config{
		ListenAddr:    fmt.Sprintf("%s:%d", bindIP, cfg.Port),
		TLS:           clusterTLS,
		ClusterSecret: []byte(cfg.ClusterSecret),
		Sign:          sign,
		Version:       Version,
	}, a)
	go func() {
		if err := clientSrv.Serve(); err != nil {
			logger.Error().Err(err).Msg("client server stopped")
		}
	}()
	defer clientSrv.Close()

	nodeSrv := nodeserver.New(nodeserver.Config{
		ListenAddr: fmt.Sprintf("%s:%d", bindIP, cfg.NodePort),
		TLS:        nodeTLS,
		ClientTLS:  clusterTLS,
	}, nodes, disc, a)
	go func() {
		if err := nodeSrv.Serve(); err != nil {
			logger.Error().Err(err).Msg("node server stopped")
		}
	}()
	defer nodeSrv.Close()

	udpAddr := &net.UDPAddr{IP: net.ParseIP(bindIP), Port: cfg.SchedulerPort}
	if bindIP == "" {
		udpAddr.IP = net.IPv4zero
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind discovery UDP socket: %w", err)
	}
	defer udpConn.Close()
	discCtx, cancelDisc := context.WithCancel(context.Background())
	defer cancelDisc()
	go func() {
		if err := disc.ListenUDP(discCtx, udpConn); err != nil && discCtx.Err() == nil {
			logger.Warn().Err(err).Msg("discovery UDP listener stopped")
		}
	}()

	if cfg.HTTPD {
		metrics.SetVersion(Version)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		httpSrv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("metrics http server stopped")
			}
		}()
		defer httpSrv.Close()
		logger.Info().Str("addr", httpSrv.Addr).Msg("metrics/health dashboard listening")
	}

	logger.Info().
		Int("port", cfg.Port).
		Int("node_port", cfg.NodePort).
		Int("scheduler_port", cfg.SchedulerPort).
		Msg("jobmeshd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	return nil
}
