// Package orchestrator implements module lifecycle management: licensed
// install, uninstall, start/stop, status reporting and health polling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"

	"github.com/agricore/module-orchestrator/internal/crypto"
	"github.com/agricore/module-orchestrator/internal/db/models"
	"github.com/agricore/module-orchestrator/internal/db/repositories"
	"github.com/agricore/module-orchestrator/internal/proxy"
	"github.com/agricore/module-orchestrator/internal/runtime"
	"github.com/agricore/module-orchestrator/internal/safego"
	"github.com/agricore/module-orchestrator/internal/secprofile"
	"github.com/agricore/module-orchestrator/internal/telemetry"
)

// ModuleStore is the registry persistence the manager drives.
type ModuleStore interface {
	InsertPending(ctx context.Context, m *models.Module, maxTotal, maxPerUser int) error
	GetActiveByName(ctx context.Context, name string) (*models.Module, error)
	ListActive(ctx context.Context, limit, offset int) ([]*models.Module, int, error)
	ListByStatus(ctx context.Context, status string) ([]*models.Module, error)
	SetStatus(ctx context.Context, id, status string) error
	MarkInstalled(ctx context.Context, id, containerID, containerName string) error
	MarkError(ctx context.Context, id, message string) error
	MarkStopped(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string) error
	SetHealth(ctx context.Context, id, health string) error
	SetRestartCount(ctx context.Context, id string, count int) error
	Tombstone(ctx context.Context, id string) error
	CountActive(ctx context.Context, userID string) (int, int, error)
}

// AuditStore records and queries the operation audit trail.
type AuditStore interface {
	Record(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int, error)
}

// RouteStore manages edge proxy route registrations.
type RouteStore interface {
	Reserve(ctx context.Context, prefix string) error
	Commit(ctx context.Context, prefix, endpoint string) error
	Release(ctx context.Context, prefix string) error
}

// LicenseChecker validates module license keys.
type LicenseChecker interface {
	CheckFormat(key string) error
	Validate(ctx context.Context, moduleName, key string) error
}

// Actor identifies who requested an operation, for auditing.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

// InstallRequest is a request to install a module.
type InstallRequest struct {
	Name            string               `json:"name" binding:"required"`
	DisplayName     string               `json:"display_name"`
	Image           string               `json:"docker_image" binding:"required"`
	Version         string               `json:"version" binding:"required"`
	LicenseKey      string               `json:"license_key" binding:"required"`
	RoutePrefix     string               `json:"route_prefix" binding:"required"`
	Env             map[string]string    `json:"env"`
	Ports           []models.PortMapping `json:"ports"`
	Volumes         []string             `json:"volumes"`
	CPULimit        float64              `json:"cpu_limit"`
	MemLimitMB      int64                `json:"mem_limit_mb"`
	NetworkMode     string               `json:"network_mode"`
	DependsOn       []string             `json:"depends_on"`
	HealthCheck     models.HealthCheck   `json:"health_check"`
	SecurityProfile string               `json:"security_profile"`
}

// ModuleStatus combines the registry record with live container stats.
type ModuleStatus struct {
	Module *models.Module `json:"module"`
	Stats  *runtime.Stats `json:"stats,omitempty"`
}

// Limits caps how many modules may be active.
type Limits struct {
	MaxTotal   int
	MaxPerUser int
}

// Manager orchestrates module lifecycle operations.
type Manager struct {
	store   ModuleStore
	audit   AuditStore
	routes  RouteStore
	rt      runtime.Runtime
	lic     LicenseChecker
	cipher  *crypto.LicenseCipher
	secprof *secprofile.Resolver
	limits  Limits

	locks       *keyedLock
	inflight    sync.WaitGroup
	stopTimeout time.Duration
	installTTL  time.Duration
}

// NewManager wires a manager from its collaborators.
func NewManager(
	store ModuleStore,
	audit AuditStore,
	routes RouteStore,
	rt runtime.Runtime,
	lic LicenseChecker,
	cipher *crypto.LicenseCipher,
	secprof *secprofile.Resolver,
	limits Limits,
) *Manager {
	return &Manager{
		store:       store,
		audit:       audit,
		routes:      routes,
		rt:          rt,
		lic:         lic,
		cipher:      cipher,
		secprof:     secprof,
		limits:      limits,
		locks:       newKeyedLock(),
		stopTimeout: 10 * time.Second,
		installTTL:  5 * time.Minute,
	}
}

var (
	namePattern  = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)
	routePattern = regexp.MustCompile(`^/[a-z0-9][a-z0-9/_-]*$`)
)

func (m *Manager) validateInstall(req *InstallRequest) error {
	if !namePattern.MatchString(req.Name) {
		return fmt.Errorf("%w: module name must be lowercase alphanumeric with hyphens", ErrValidation)
	}
	if _, err := goversion.NewSemver(req.Version); err != nil {
		return fmt.Errorf("%w: version %q is not valid semver", ErrValidation, req.Version)
	}
	tagIdx := strings.LastIndexByte(req.Image, ':')
	if tagIdx < 0 || strings.ContainsRune(req.Image[tagIdx:], '/') {
		return fmt.Errorf("%w: docker image must carry an explicit tag", ErrValidation)
	}
	if req.Image[tagIdx+1:] == "latest" {
		return fmt.Errorf("%w: docker image tag must not be \"latest\"", ErrValidation)
	}
	if !routePattern.MatchString(req.RoutePrefix) || strings.HasSuffix(req.RoutePrefix, "/") {
		return fmt.Errorf("%w: route prefix must be a lowercase path without trailing slash", ErrValidation)
	}
	for _, p := range req.Ports {
		if p.ContainerPort < 1 || p.ContainerPort > 65535 || p.HostPort < 1 || p.HostPort > 65535 {
			return fmt.Errorf("%w: port mappings must be in 1-65535", ErrValidation)
		}
	}
	if err := m.lic.CheckFormat(req.LicenseKey); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Install validates and registers a module, then finishes installation
// asynchronously: license validation, image pull, container creation and
// route activation happen in the background while the caller gets the
// pending record back. Failures before the record exists are returned
// directly; failures after are reflected in the module's status.
func (m *Manager) Install(ctx context.Context, req *InstallRequest, actor Actor) (*models.Module, error) {
	start := time.Now()

	if err := m.validateInstall(req); err != nil {
		m.recordAudit(models.OpInstall, req.Name, req.Version, actor, err, start, nil)
		return nil, err
	}

	if !m.locks.TryAcquire(req.Name) {
		err := fmt.Errorf("%w: operation already in progress for module %s", ErrConflict, req.Name)
		m.recordAudit(models.OpInstall, req.Name, req.Version, actor, err, start, nil)
		return nil, err
	}

	sealed, salt, err := m.cipher.Seal(req.LicenseKey)
	if err != nil {
		m.locks.Release(req.Name)
		m.recordAudit(models.OpInstall, req.Name, req.Version, actor, err, start, nil)
		return nil, fmt.Errorf("failed to protect license key: %w", err)
	}

	mod := &models.Module{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		DisplayName:         req.DisplayName,
		DockerImage:         req.Image,
		Version:             req.Version,
		LicenseKeyEncrypted: sealed,
		LicenseSalt:         salt,
		Status:              models.StatusPending,
		Health:              models.HealthUnknown,
		Ports:               req.Ports,
		Env:                 req.Env,
		Volumes:             req.Volumes,
		CPULimit:            req.CPULimit,
		MemLimitMB:          req.MemLimitMB,
		NetworkMode:         req.NetworkMode,
		DependsOn:           req.DependsOn,
		HealthCheckSpec:     req.HealthCheck,
		RoutePrefix:         req.RoutePrefix,
		InstalledBy:         actor.UserID,
	}

	if err := m.store.InsertPending(ctx, mod, m.limits.MaxTotal, m.limits.MaxPerUser); err != nil {
		m.locks.Release(req.Name)
		err = m.classifyRegisterError(ctx, err, actor)
		m.recordAudit(models.OpInstall, req.Name, req.Version, actor, err, start, nil)
		return nil, err
	}

	// Claim the proxy route before any container work so a losing racer
	// does zero runtime work. The registry row is tombstoned on conflict.
	if err := m.routes.Reserve(ctx, req.RoutePrefix); err != nil {
		if tombErr := m.store.Tombstone(ctx, mod.ID); tombErr != nil {
			slog.Error("failed to tombstone module after route conflict", "module", req.Name, "error", tombErr)
		}
		m.locks.Release(req.Name)
		if errors.Is(err, proxy.ErrRouteTaken) {
			err = fmt.Errorf("%w: %v", ErrConflict, err)
		}
		m.recordAudit(models.OpInstall, req.Name, req.Version, actor, err, start, nil)
		return nil, err
	}

	if err := m.store.SetStatus(ctx, mod.ID, models.StatusInstalling); err != nil {
		slog.Error("failed to transition module to installing", "module", req.Name, "error", err)
	}
	mod.Status = models.StatusInstalling

	licenseKey := req.LicenseKey
	m.inflight.Add(1)
	safego.Go("install-"+req.Name, func() {
		defer m.inflight.Done()
		defer m.locks.Release(req.Name)
		bctx, cancel := context.WithTimeout(context.Background(), m.installTTL)
		defer cancel()
		m.finishInstall(bctx, mod, req, licenseKey, actor, start)
	})

	return mod, nil
}

func (m *Manager) classifyRegisterError(ctx context.Context, err error, actor Actor) error {
	switch {
	case errors.Is(err, repositories.ErrNameTaken):
		return fmt.Errorf("%w: module name already in use", ErrConflict)
	case errors.Is(err, repositories.ErrRouteTaken):
		return fmt.Errorf("%w: route prefix already in use", ErrConflict)
	case errors.Is(err, repositories.ErrLimitReached):
		total, byUser, countErr := m.store.CountActive(ctx, actor.UserID)
		if countErr != nil {
			return fmt.Errorf("%w: active module limit reached", ErrLimitExceeded)
		}
		if byUser >= m.limits.MaxPerUser {
			return fmt.Errorf("%w: user has %d of %d allowed modules", ErrLimitExceeded, byUser, m.limits.MaxPerUser)
		}
		return fmt.Errorf("%w: platform has %d of %d allowed modules", ErrLimitExceeded, total, m.limits.MaxTotal)
	default:
		return err
	}
}

func (m *Manager) finishInstall(ctx context.Context, mod *models.Module, req *InstallRequest, licenseKey string, actor Actor, start time.Time) {
	fail := func(stage string, err error) {
		slog.Error("module install failed", "module", mod.Name, "stage", stage, "error", err)
		// The install deadline may be exactly what failed, so cleanup runs on
		// its own clock; reusing ctx here would leave the record stuck in
		// installing and the route reservation leaked.
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if markErr := m.store.MarkError(cctx, mod.ID, err.Error()); markErr != nil {
			slog.Error("failed to mark module errored", "module", mod.Name, "error", markErr)
		}
		if relErr := m.routes.Release(cctx, mod.RoutePrefix); relErr != nil {
			slog.Error("failed to release route after install failure", "module", mod.Name, "error", relErr)
		}
		if mod.ContainerID != "" {
			if rmErr := m.rt.Remove(cctx, mod.ContainerID); rmErr != nil {
				slog.Error("failed to clean up container after install failure", "module", mod.Name, "error", rmErr)
			}
		}
		m.recordAudit(models.OpInstall, mod.Name, mod.Version, actor, err, start, map[string]string{"stage": stage})
	}

	if err := m.lic.Validate(ctx, mod.Name, licenseKey); err != nil {
		fail("license", err)
		return
	}

	info, err := m.rt.ValidateImage(ctx, mod.DockerImage)
	if err != nil {
		fail("image", err)
		return
	}

	profile := m.secprof.Resolve(req.SecurityProfile, info.Labels)
	containerName := "module-" + mod.Name

	containerID, err := m.rt.Create(ctx, runtime.CreateSpec{
		Name:        containerName,
		Image:       mod.DockerImage,
		Env:         mod.Env,
		Ports:       mod.Ports,
		Volumes:     mod.Volumes,
		CPULimit:    mod.CPULimit,
		MemLimitMB:  mod.MemLimitMB,
		NetworkMode: mod.NetworkMode,
		HealthCheck: mod.HealthCheckSpec,
		Profile:     profile,
		Labels: map[string]string{
			"platform.module.name":    mod.Name,
			"platform.module.version": mod.Version,
		},
	})
	if err != nil {
		fail("create", err)
		return
	}
	mod.ContainerID = containerID
	mod.ContainerName = containerName

	if err := m.rt.Start(ctx, containerID); err != nil {
		fail("start", err)
		return
	}

	if err := m.routes.Commit(ctx, mod.RoutePrefix, m.endpoint(mod)); err != nil {
		fail("route", err)
		return
	}

	if err := m.store.MarkInstalled(ctx, mod.ID, containerID, containerName); err != nil {
		fail("persist", err)
		return
	}

	telemetry.ModuleInstallDuration.Observe(time.Since(start).Seconds())
	m.updateActiveGauge(ctx)
	m.recordAudit(models.OpInstall, mod.Name, mod.Version, actor, nil, start, map[string]string{
		"image":            mod.DockerImage,
		"security_profile": profile.Name,
	})
	slog.Info("module installed", "module", mod.Name, "version", mod.Version, "profile", profile.Name)
}

// endpoint is where the proxy forwards traffic for this module: the
// container's name on the shared network plus its first declared port.
func (m *Manager) endpoint(mod *models.Module) string {
	port := 80
	if len(mod.Ports) > 0 {
		port = mod.Ports[0].ContainerPort
	}
	return fmt.Sprintf("http://%s:%d", mod.ContainerName, port)
}

// Uninstall removes a module. Container and route teardown are best effort:
// partial failures are logged and audited but never leave the record behind.
func (m *Manager) Uninstall(ctx context.Context, name string, actor Actor) error {
	start := time.Now()
	m.locks.Acquire(name)
	defer m.locks.Release(name)

	mod, err := m.store.GetActiveByName(ctx, name)
	if err != nil {
		m.recordAudit(models.OpUninstall, name, "", actor, err, start, nil)
		return err
	}
	if mod == nil {
		err := fmt.Errorf("%w: %s", ErrNotFound, name)
		m.recordAudit(models.OpUninstall, name, "", actor, err, start, nil)
		return err
	}

	if err := m.store.SetStatus(ctx, mod.ID, models.StatusUninstalling); err != nil {
		m.recordAudit(models.OpUninstall, name, mod.Version, actor, err, start, nil)
		return err
	}

	meta := map[string]string{}
	if mod.ContainerID != "" {
		if err := m.rt.Remove(ctx, mod.ContainerID); err != nil {
			slog.Warn("failed to remove module container", "module", name, "error", err)
			meta["container_remove_error"] = err.Error()
		}
	}
	if err := m.routes.Release(ctx, mod.RoutePrefix); err != nil {
		slog.Warn("failed to release module route", "module", name, "error", err)
		meta["route_release_error"] = err.Error()
	}

	if err := m.store.Tombstone(ctx, mod.ID); err != nil {
		m.recordAudit(models.OpUninstall, name, mod.Version, actor, err, start, meta)
		return err
	}

	m.updateActiveGauge(ctx)
	m.recordAudit(models.OpUninstall, name, mod.Version, actor, nil, start, meta)
	slog.Info("module uninstalled", "module", name)
	return nil
}

// Start starts a stopped or errored module's container.
func (m *Manager) Start(ctx context.Context, name string, actor Actor) error {
	start := time.Now()
	m.locks.Acquire(name)
	defer m.locks.Release(name)

	mod, err := m.store.GetActiveByName(ctx, name)
	if err != nil {
		m.recordAudit(models.OpStart, name, "", actor, err, start, nil)
		return err
	}
	op := func() error {
		if mod == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if mod.Status == models.StatusRunning {
			return fmt.Errorf("%w: module is already running", ErrConflict)
		}
		if mod.Status != models.StatusStopped && mod.Status != models.StatusError {
			return fmt.Errorf("%w: module cannot be started from status %s", ErrConflict, mod.Status)
		}
		if err := m.rt.Start(ctx, mod.ContainerID); err != nil {
			return err
		}
		return m.store.MarkRunning(ctx, mod.ID)
	}

	err = op()
	m.recordAudit(models.OpStart, name, versionOf(mod), actor, err, start, nil)
	return err
}

// Stop stops a running module's container without removing it.
func (m *Manager) Stop(ctx context.Context, name string, actor Actor) error {
	start := time.Now()
	m.locks.Acquire(name)
	defer m.locks.Release(name)

	mod, err := m.store.GetActiveByName(ctx, name)
	if err != nil {
		m.recordAudit(models.OpStop, name, "", actor, err, start, nil)
		return err
	}
	op := func() error {
		if mod == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if mod.Status != models.StatusRunning {
			return fmt.Errorf("%w: module cannot be stopped from status %s", ErrConflict, mod.Status)
		}
		if err := m.rt.Stop(ctx, mod.ContainerID, m.stopTimeout); err != nil {
			return err
		}
		return m.store.MarkStopped(ctx, mod.ID)
	}

	err = op()
	m.recordAudit(models.OpStop, name, versionOf(mod), actor, err, start, nil)
	return err
}

func versionOf(mod *models.Module) string {
	if mod == nil {
		return ""
	}
	return mod.Version
}

// Status returns the registry record for a module plus live container stats
// when a container exists. Stats are best effort.
func (m *Manager) Status(ctx context.Context, name string) (*ModuleStatus, error) {
	mod, err := m.store.GetActiveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	st := &ModuleStatus{Module: mod}
	if mod.ContainerID != "" {
		stats, err := m.rt.Stats(ctx, mod.ContainerID)
		if err != nil {
			slog.Warn("failed to fetch container stats", "module", name, "error", err)
		} else {
			st.Stats = stats
		}
	}
	return st, nil
}

// List returns a page of active modules plus the total active count.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*models.Module, int, error) {
	return m.store.ListActive(ctx, limit, offset)
}

// AuditLog queries the audit trail.
func (m *Manager) AuditLog(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int, error) {
	return m.audit.List(ctx, filter)
}

// PollHealth sweeps running modules and reconciles registry state with what
// the runtime reports. A container that exited cleanly moves the module to
// stopped; an abnormal exit moves it to error. Modules with an operation in
// flight are skipped and picked up on the next sweep.
func (m *Manager) PollHealth(ctx context.Context) {
	telemetry.HealthPollSweepsTotal.Inc()

	mods, err := m.store.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		slog.Error("health poll failed to list running modules", "error", err)
		return
	}

	for _, mod := range mods {
		stats, err := m.rt.Stats(ctx, mod.ContainerID)
		if errors.Is(err, runtime.ErrRuntimeUnreachable) {
			slog.Warn("health poll aborted, runtime unreachable")
			return
		}

		if !m.locks.TryAcquire(mod.Name) {
			continue
		}
		m.reconcileHealth(ctx, mod, stats, err)
		m.locks.Release(mod.Name)
	}
}

func (m *Manager) reconcileHealth(ctx context.Context, mod *models.Module, stats *runtime.Stats, statsErr error) {
	if errors.Is(statsErr, runtime.ErrContainerNotFound) {
		telemetry.HealthPollExitsTotal.WithLabelValues("missing").Inc()
		if err := m.store.MarkError(ctx, mod.ID, "container no longer exists"); err != nil {
			slog.Error("failed to record missing container", "module", mod.Name, "error", err)
		}
		return
	}
	if statsErr != nil {
		slog.Warn("health poll could not inspect container", "module", mod.Name, "error", statsErr)
		return
	}

	if stats.Running {
		if stats.RestartCount != mod.RestartCount {
			if err := m.store.SetRestartCount(ctx, mod.ID, stats.RestartCount); err != nil {
				slog.Error("failed to record restart count", "module", mod.Name, "error", err)
			}
		}
		health := models.HealthHealthy
		switch stats.Health {
		case runtime.HealthUnhealthy:
			health = models.HealthUnhealthy
		case runtime.HealthStarting:
			// The container healthcheck has not settled; keep the last observation.
			return
		}
		if mod.Health != health {
			if err := m.store.SetHealth(ctx, mod.ID, health); err != nil {
				slog.Error("failed to update module health", "module", mod.Name, "error", err)
			}
		}
		return
	}

	if stats.ExitCode == 0 {
		telemetry.HealthPollExitsTotal.WithLabelValues("clean").Inc()
		if err := m.store.MarkStopped(ctx, mod.ID); err != nil {
			slog.Error("failed to record clean exit", "module", mod.Name, "error", err)
		}
		slog.Info("module container exited cleanly", "module", mod.Name)
		return
	}

	telemetry.HealthPollExitsTotal.WithLabelValues("abnormal").Inc()
	if err := m.store.MarkError(ctx, mod.ID, fmt.Sprintf("container exited with code %d", stats.ExitCode)); err != nil {
		slog.Error("failed to record abnormal exit", "module", mod.Name, "error", err)
	}
	slog.Warn("module container exited abnormally", "module", mod.Name, "exit_code", stats.ExitCode)
}

// Healthy reports whether the container runtime is reachable.
func (m *Manager) Healthy(ctx context.Context) error {
	return m.rt.Ping(ctx)
}

// Drain blocks until all in-flight async installs have finished. Called on
// shutdown so background continuations are not cut off mid-install.
func (m *Manager) Drain() {
	m.inflight.Wait()
}

func (m *Manager) updateActiveGauge(ctx context.Context) {
	total, _, err := m.store.CountActive(ctx, "")
	if err != nil {
		return
	}
	telemetry.ModulesActive.Set(float64(total))
}

func (m *Manager) recordAudit(op, name, version string, actor Actor, opErr error, start time.Time, meta map[string]string) {
	entry := &models.AuditLog{
		Operation:       op,
		ModuleName:      name,
		ModuleVersion:   version,
		UserID:          actor.UserID,
		UserEmail:       actor.Email,
		UserRole:        actor.Role,
		Status:          models.AuditSuccess,
		DurationSeconds: time.Since(start).Seconds(),
		Metadata:        meta,
	}
	outcome := "success"
	if opErr != nil {
		entry.Status = models.AuditFailure
		entry.ErrorMessage = opErr.Error()
		outcome = "failure"
	}
	telemetry.ModuleOperationsTotal.WithLabelValues(op, outcome).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.audit.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit entry", "operation", op, "module", name, "error", err)
	}
}
