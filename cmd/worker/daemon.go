package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cortexnode/worker/internal/config"
	"github.com/cortexnode/worker/internal/deviceacct"
	"github.com/cortexnode/worker/internal/domain"
	healthreporter "github.com/cortexnode/worker/internal/health"
	"github.com/cortexnode/worker/internal/launch"
	"github.com/cortexnode/worker/internal/logging"
	"github.com/cortexnode/worker/internal/metrics"
	"github.com/cortexnode/worker/internal/modelactor"
	"github.com/cortexnode/worker/internal/modelfactory"
	"github.com/cortexnode/worker/internal/observability"
	"github.com/cortexnode/worker/internal/progress"
	"github.com/cortexnode/worker/internal/recovery"
	"github.com/cortexnode/worker/internal/registry"
	"github.com/cortexnode/worker/internal/subpool"
	"github.com/cortexnode/worker/internal/supervisorclient"
	"github.com/cortexnode/worker/internal/wireservice"
	"github.com/cortexnode/worker/internal/worker"
	"github.com/spf13/cobra"
)

// lazyTableView breaks the construction cycle between the Supervisor
// Client (needs a ModelTableView at construction) and the Worker (needs
// the Supervisor Client as its CacheTracker/SupervisorFacade): w is wired
// in once the Worker exists, before any inbound RPC or outbound supervisor
// call can observe a nil table.
type lazyTableView struct {
	w *worker.Worker
}

func (l *lazyTableView) Count() int {
	if l.w == nil {
		return 0
	}
	return l.w.Count()
}

func (l *lazyTableView) SupportedModelVersions() []domain.ModelDescription {
	if l.w == nil {
		return nil
	}
	return l.w.SupportedModelVersions()
}

func daemonCmd() *cobra.Command {
	var (
		listenAddr   string
		selfAddr     string
		actorCommand string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the worker daemon",
		Long:  "Run the worker as a long-lived daemon: gRPC inbound service, Health Reporter, Recovery Controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("supervisor-addr") {
				cfg.GRPC.SupervisorAddr = supervisorAddr
			}
			if cmd.Flags().Changed("listen") {
				cfg.GRPC.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
				metrics.InitPrometheus("cortexnode_worker", nil)
				addr, err := metrics.StartExporter(context.Background(), cfg.Metrics.Host, cfg.Metrics.Port)
				if err != nil {
					logging.Op().Warn("failed to start metrics exporter", "error", err)
				} else {
					logging.Op().Info("metrics exporter listening", "addr", addr)
				}
			}

			if cfg.CacheDir != "" {
				if err := os.RemoveAll(cfg.CacheDir); err != nil {
					logging.Op().Warn("purge cache dir at startup failed", "dir", cfg.CacheDir, "error", err)
				}
				if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
					return fmt.Errorf("recreate cache dir: %w", err)
				}
			}

			tableView := &lazyTableView{}
			supervisorClient := supervisorclient.New(supervisorclient.Config{
				SupervisorAddress: cfg.GRPC.SupervisorAddr,
				WorkerAddress:     selfAddr,
			}, tableView)

			actor := modelactor.New()

			deviceAccountant := deviceacct.New(cfg.TotalGPUs, supervisorClient.IsVLLMBacked)

			localPool := subpool.NewLocalProcessPool(actorCommand)
			broker := subpool.New(localPool, cfg.Pool.DestroyTimeout)

			var mirror progress.Mirror
			if cfg.Redis.Addr != "" {
				redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				mirror = progress.NewRedisPublisher(redisClient)
			}
			tracker := progress.NewTracker(mirror)

			factory := modelfactory.New(cfg.CacheDir, modelfactory.S3Config{
				Region: cfg.S3.Region,
				Bucket: cfg.S3.Bucket,
			}, tracker)

			launchController := launch.New(deviceAccountant, broker, factory, actor, supervisorClient, launch.Config{
				HostGPUCount:         len(cfg.TotalGPUs),
				GPUVisibilityEnvKey:  cfg.GPUVisibilityEnvKey,
				DefaultRecoveryLimit: cfg.AutoRecoverLimit,
				VenvGloballyEnabled:  cfg.Venv.Enabled,
				VenvRoot:             cfg.Venv.Root,
			})

			recoveryController := recovery.New(launchController, supervisorClient, actor, supervisorClient)
			broker.RegisterRecoverCallback(recoveryController.OnSubPoolDown)
			recoveryController.Start()
			defer recoveryController.Stop()

			registryFacade := registry.New(registry.BuiltinFamilies(), supervisorClient)

			w := worker.New(launchController, registryFacade, actor, supervisorClient, selfAddr)
			tableView.w = w

			var reporter *healthreporter.Reporter
			healthCtx, cancelHealth := context.WithCancel(context.Background())
			defer cancelHealth()
			if !cfg.DisableHealthCheck {
				reporter = healthreporter.New(supervisorClient, healthreporter.Config{
					Address:  selfAddr,
					Interval: cfg.Pool.HealthCheckInterval,
				})
				reporter.Start(healthCtx)
			}

			grpcServer := grpc.NewServer(grpc.UnaryInterceptor(observability.UnaryServerInterceptor()))
			grpcServer.RegisterService(&wireservice.Desc, w)

			healthSrv := health.NewServer()
			healthSrv.SetServingStatus(wireservice.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
			grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

			ln, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.GRPC.ListenAddr, err)
			}

			serveErrCh := make(chan error, 1)
			go func() {
				logging.Op().Info("worker gRPC service listening", "addr", cfg.GRPC.ListenAddr)
				serveErrCh <- grpcServer.Serve(ln)
			}()

			supervisorClient.InstallSIGINTHandler()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case err := <-serveErrCh:
				if err != nil {
					logging.Op().Error("gRPC server exited", "error", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if reporter != nil {
				reporter.Stop()
			}
			grpcServer.GracefulStop()
			if err := supervisorClient.RemoveWorker(shutdownCtx); err != nil {
				logging.Op().Warn("remove_worker on shutdown failed", "error", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":7700", "Worker gRPC listen address")
	cmd.Flags().StringVar(&selfAddr, "self-addr", "", "This worker's advertised address, reported to the supervisor")
	cmd.Flags().StringVar(&actorCommand, "actor-command", "python3", "Command launched for each model sub-pool")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
