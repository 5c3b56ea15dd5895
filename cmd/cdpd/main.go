package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"microstable/config"
	"microstable/observability/logging"
	telemetry "microstable/observability/otel"
	cdpdconfig "microstable/services/cdpd/config"
	"microstable/services/cdpd/engine"
	"microstable/services/cdpd/recon"
	"microstable/services/cdpd/server"
	"microstable/storage"
	"microstable/storage/journal"
)

const healthService = "microstable.cdp"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires and serves the daemon, returning the process exit code once every
// deferred cleanup has run.
func run(args []string) int {
	var (
		cfgPath string
		envFile string
	)
	fs := flag.NewFlagSet("cdpd", flag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd configuration file")
	fs.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before configuration")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("cdpd: load env file: %v", err)
		return 1
	}

	cfg, err := cdpdconfig.Load(cfgPath)
	if err != nil {
		log.Printf("cdpd: load config: %v", err)
		return 1
	}

	env := strings.TrimSpace(os.Getenv("MICROSTABLE_ENV"))
	logger, logCloser := logging.SetupWithRotation("cdpd", env, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Rotation)
	defer logCloser.Close()

	fail := func(msg string, err error) int {
		logger.Error("cdpd: "+msg, slog.Any("error", err))
		return 1
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("cdpd", env))
	if err != nil {
		return fail("init telemetry", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	engineCfg, err := config.Load(cfg.EngineConfig)
	if err != nil {
		return fail("load engine config", err)
	}

	db, err := openStorage(*engineCfg)
	if err != nil {
		return fail("open storage", err)
	}
	defer db.Close()

	var jrnl *journal.Journal
	if engineCfg.Journal.Driver != "" {
		jrnl, err = journal.Open(engineCfg.Journal.Driver, engineCfg.Journal.DSN)
		if err != nil {
			return fail("open journal", err)
		}
		defer jrnl.Close()
		if err := jrnl.Verify(context.Background()); err != nil {
			return fail("journal integrity", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Build(ctx, db, engine.Options{
		Global:      engineCfg.Global,
		Journal:     jrnl,
		EventBuffer: cfg.Events.Buffer,
		Logger:      logger,
	})
	if err != nil {
		return fail("build engine", err)
	}

	deps := server.Deps{
		Manager:  eng.Manager,
		Params:   eng.Params,
		Balances: eng.Bank,
		Events:   eng.Events,
		Price:    eng.Price,
		Logger:   logger,
	}
	if jrnl != nil {
		deps.Journal = jrnl
	}
	srv, err := server.New(server.Config{
		ListenAddress:      cfg.ListenAddress,
		ShutdownTimeout:    cfg.ShutdownTimeout.Duration,
		StreamWriteTimeout: cfg.Events.WriteTimeout.Duration,
		Auth: server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, deps)
	if err != nil {
		return fail("server", err)
	}

	if dir := strings.TrimSpace(cfg.Recon.OutputDir); dir != "" {
		reconciler, err := recon.NewReconciler(recon.Config{
			Positions:          eng.Manager,
			Balances:           eng.Bank,
			Params:             eng.Params,
			OutputDir:          dir,
			CollateralDecimals: engineCfg.Global.Params.CollateralDecimals,
			SyntheticDecimals:  engineCfg.Global.Params.SyntheticDecimals,
			Logger:             logger,
			Alert: func(ctx context.Context, anomaly recon.Anomaly) error {
				logger.ErrorContext(ctx, "cdpd: custody anomaly", slog.Any("anomaly", anomaly))
				return nil
			},
		})
		if err != nil {
			return fail("reconciler", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		})
		go scheduler.Start(ctx)
	}

	grpcServer, healthServer, err := startHealth(cfg.HealthAddress, logger)
	if err != nil {
		return fail("health server", err)
	}
	defer grpcServer.Stop()

	logger.Info("cdpd: starting",
		slog.String("listen", cfg.ListenAddress),
		slog.String("health", cfg.HealthAddress),
		slog.String("storage", engineCfg.Storage.Backend),
		slog.String("redis", logging.MaskURL(engineCfg.Storage.RedisURL)))

	runErr := srv.Run(ctx)
	healthServer.Shutdown()
	stopGracefully(grpcServer, cfg.ShutdownTimeout.Duration)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fail("http server error", runErr)
	}
	return 0
}

func openStorage(cfg config.Config) (storage.Database, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendRedis:
		return storage.DialRedis(cfg.Storage.RedisURL, cfg.Storage.RedisNamespace)
	case config.BackendLevelDB, "":
		path := cfg.StatePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewLevelDB(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func startHealth(addr string, logger *slog.Logger) (*grpc.Server, *health.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	go func() {
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("cdpd: health server stopped", slog.Any("error", err))
		}
	}()
	return grpcServer, healthServer, nil
}

func stopGracefully(grpcServer *grpc.Server, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		grpcServer.Stop()
	}
}
