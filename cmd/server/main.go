package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agricore/module-orchestrator/internal/api"
	"github.com/agricore/module-orchestrator/internal/auth"
	"github.com/agricore/module-orchestrator/internal/config"
	"github.com/agricore/module-orchestrator/internal/crypto"
	"github.com/agricore/module-orchestrator/internal/db"
	"github.com/agricore/module-orchestrator/internal/db/repositories"
	"github.com/agricore/module-orchestrator/internal/license"
	"github.com/agricore/module-orchestrator/internal/orchestrator"
	"github.com/agricore/module-orchestrator/internal/proxy"
	dockerruntime "github.com/agricore/module-orchestrator/internal/runtime/docker"
	"github.com/agricore/module-orchestrator/internal/safego"
	"github.com/agricore/module-orchestrator/internal/secprofile"
	"github.com/agricore/module-orchestrator/internal/telemetry"
)

var version = "dev"

// licenseSigningAnchor verifies offline license tokens issued by the
// platform's licensing tooling. Overridden at link time for production
// builds.
var licenseSigningAnchor = "agricore-module-license-v1"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	command := "serve"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		runServe(*configPath)
	case "migrate":
		direction := "up"
		if args := flag.Args(); len(args) > 1 {
			direction = args[1]
		}
		runMigrate(*configPath, direction)
	case "version":
		fmt.Printf("module-orchestrator %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (expected serve, migrate, or version)\n", command)
		os.Exit(1)
	}
}

func runMigrate(configPath, direction string) {
	cfg := mustLoadConfig(configPath)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		slog.Error("migration failed", "direction", direction, "error", err)
		os.Exit(1)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Error("failed to read migration version", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete", "direction", direction, "version", v, "dirty", dirty)
}

func runServe(configPath string) {
	cfg := mustLoadConfig(configPath)

	if err := auth.ValidateJWTSecret(cfg.Environment); err != nil {
		slog.Error("startup check failed", "error", err)
		os.Exit(1)
	}
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		if cfg.Environment != "development" {
			slog.Error("ENCRYPTION_KEY must be set outside development")
			os.Exit(1)
		}
		slog.Warn("ENCRYPTION_KEY not set, using insecure development fallback")
		encryptionKey = "dev-only-insecure-encryption-key"
	}

	sqlDB, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	database := sqlx.NewDb(sqlDB, "postgres")
	defer database.Close()

	if err := db.RunMigrations(sqlDB, "up"); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	rt, err := dockerruntime.New(cfg.Docker.Host, cfg.Docker.OperationTimeout, cfg.Docker.StopTimeout, cfg.Docker.AllowedRegistries)
	if err != nil {
		slog.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	if err := rt.Ping(context.Background()); err != nil {
		slog.Error("container runtime unreachable", "error", err)
		os.Exit(1)
	}

	cipher, err := crypto.NewLicenseCipher(encryptionKey)
	if err != nil {
		slog.Error("failed to create license cipher", "error", err)
		os.Exit(1)
	}

	moduleRepo := repositories.NewModuleRepository(database)
	auditRepo := repositories.NewAuditRepository(database,
		time.Duration(cfg.Audit.RetentionDays)*24*time.Hour)

	mgr := orchestrator.NewManager(
		moduleRepo,
		auditRepo,
		proxy.NewRouteStore(rdb),
		rt,
		license.NewValidator(license.Config{
			Mode:          cfg.Licensing.Mode,
			ServerURL:     cfg.Licensing.ServerURL,
			Timeout:       cfg.Licensing.Timeout,
			MaxRetries:    cfg.Licensing.MaxRetries,
			SigningAnchor: licenseSigningAnchor,
		}),
		cipher,
		secprofile.NewResolver(cfg.Environment),
		orchestrator.Limits{
			MaxTotal:   cfg.Modules.MaxTotal,
			MaxPerUser: cfg.Modules.MaxPerUser,
		},
	)

	api.Version = version
	router, background := api.NewRouter(cfg, database, rdb, mgr, auditRepo)

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}
	if cfg.Telemetry.Profiling.Enabled {
		startProfilingServer(cfg.Telemetry.Profiling.Port)
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	safego.Go("http-server", func() {
		slog.Info("starting module orchestrator",
			"version", version,
			"address", cfg.Server.GetAddress(),
			"environment", cfg.Environment,
			"licensing_mode", cfg.Licensing.Mode)

		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	// Let in-flight installs finish before stopping the background jobs so
	// their final state lands in the registry.
	mgr.Drain()
	background.Shutdown()

	slog.Info("server stopped")
}

func mustLoadConfig(configPath string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	return cfg
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	safego.Go("metrics-server", func() {
		addr := fmt.Sprintf(":%d", port)
		slog.Info("starting metrics server", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	})
}

func startProfilingServer(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	safego.Go("pprof-server", func() {
		addr := fmt.Sprintf("localhost:%d", port)
		slog.Info("starting pprof server", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			slog.Error("pprof server error", "error", err)
		}
	})
}
