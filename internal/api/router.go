// Package api assembles the HTTP router and the background services that
// run alongside it.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/agricore/module-orchestrator/internal/api/modules"
	"github.com/agricore/module-orchestrator/internal/auth"
	"github.com/agricore/module-orchestrator/internal/config"
	"github.com/agricore/module-orchestrator/internal/jobs"
	"github.com/agricore/module-orchestrator/internal/middleware"
	"github.com/agricore/module-orchestrator/internal/orchestrator"
	"github.com/agricore/module-orchestrator/internal/telemetry"
)

// Version is the build version, injected at link time.
var Version = "dev"

// BackgroundServices holds the background jobs started with the router so
// they can be stopped on shutdown.
type BackgroundServices struct {
	healthPoller   *jobs.HealthPoller
	auditRetention *jobs.AuditRetention
}

// Shutdown stops all background services.
func (b *BackgroundServices) Shutdown() {
	if b.healthPoller != nil {
		b.healthPoller.Stop()
	}
	if b.auditRetention != nil {
		b.auditRetention.Stop()
	}
}

// NewRouter builds the HTTP router and starts the background services.
func NewRouter(
	cfg *config.Config,
	database *sqlx.DB,
	rdb *redis.Client,
	mgr *orchestrator.Manager,
	auditPurger jobs.ExpiredDeleter,
) (*gin.Engine, *BackgroundServices) {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics())

	router.GET("/health", healthCheckHandler(database, mgr))
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Authenticate())
	if cfg.Security.RateLimiting.Enabled {
		v1.Use(middleware.RateLimit(rdb, cfg.Security.RateLimiting.RequestsPerMinute, cfg.Security.RateLimiting.Burst))
	}

	h := modules.NewHandler(mgr)

	mods := v1.Group("/modules")
	{
		mods.GET("", middleware.RequireScope(auth.ScopeModulesRead), h.List)
		mods.GET("/:name/status", middleware.RequireScope(auth.ScopeModulesRead), h.Status)

		superAdmin := middleware.RequireRole(auth.RoleSuperAdmin)
		mods.POST("", middleware.RequireScope(auth.ScopeModulesInstall), superAdmin, h.Install)
		mods.DELETE("/:name", middleware.RequireScope(auth.ScopeModulesUninstall), superAdmin, h.Uninstall)
		mods.POST("/:name/start", middleware.RequireScope(auth.ScopeModulesOperate), superAdmin, h.Start)
		mods.POST("/:name/stop", middleware.RequireScope(auth.ScopeModulesOperate), superAdmin, h.Stop)
	}

	v1.GET("/audit-log", middleware.RequireScope(auth.ScopeAuditRead), h.AuditLog)

	bg := &BackgroundServices{
		healthPoller:   jobs.NewHealthPoller(mgr, cfg.Modules.HealthInterval),
		auditRetention: jobs.NewAuditRetention(auditPurger, cfg.Audit.PurgeInterval),
	}
	bg.healthPoller.Start()
	bg.auditRetention.Start()
	if database != nil {
		telemetry.StartDBStatsCollector(database.DB)
	}

	return router, bg
}

// healthCheckHandler reports degraded (503) when the database or the
// container runtime is unreachable.
func healthCheckHandler(database *sqlx.DB, mgr *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		healthy := true

		if err := database.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unreachable"
			healthy = false
		} else {
			checks["database"] = "ok"
		}

		if err := mgr.Healthy(c.Request.Context()); err != nil {
			checks["runtime"] = "unreachable"
			healthy = false
		} else {
			checks["runtime"] = "ok"
		}

		status := http.StatusOK
		state := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status": state,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
