// Package repositories contains the SQL data access layer for the module
// registry and its audit trail.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agricore/module-orchestrator/internal/db/models"
)

// Sentinel errors for registration outcomes. The conditional insert and the
// partial unique indexes let PostgreSQL arbitrate concurrent installs; these
// errors name the reason a registration was refused.
var (
	ErrNameTaken    = errors.New("module name already in use")
	ErrRouteTaken   = errors.New("route prefix already in use")
	ErrLimitReached = errors.New("active module limit reached")
)

const pgUniqueViolation = "23505"

// installCapacityLockKey is the advisory lock serializing capacity checks.
// Under READ COMMITTED two concurrent guarded inserts would each count only
// the committed pre-insert rows and both pass a nearly-full guard; holding
// this transaction-scoped lock across the count-and-insert makes the check
// atomic. The value is arbitrary but must stay stable across versions.
const installCapacityLockKey = 0x6d6f6443

// ModuleRepository handles database operations for the modules table.
type ModuleRepository struct {
	db *sqlx.DB
}

// NewModuleRepository creates a new module repository
func NewModuleRepository(db *sqlx.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

const moduleColumns = `id, name, display_name, docker_image, version,
	license_key_encrypted, license_salt, status, health,
	container_id, container_name, ports, env, volumes,
	cpu_limit, mem_limit_mb, network_mode, depends_on, health_check,
	route_prefix, installed_by, installed_at, updated_at,
	error_message, error_count, last_error_at, restart_count`

// InsertPending registers a new module in status pending, enforcing the
// global and per-user active-module limits. The guarded insert runs inside a
// transaction holding the capacity advisory lock, so concurrent installs for
// distinct names are serialized through the limit check and cannot both slip
// past a nearly-full registry. Returns ErrLimitReached when the guard refused
// the row, ErrNameTaken or ErrRouteTaken when a partial unique index did.
func (r *ModuleRepository) InsertPending(ctx context.Context, m *models.Module, maxTotal, maxPerUser int) error {
	query := `
		INSERT INTO modules (
			id, name, display_name, docker_image, version,
			license_key_encrypted, license_salt, status, health,
			ports, env, volumes, cpu_limit, mem_limit_mb, network_mode,
			depends_on, health_check, route_prefix, installed_by,
			installed_at, updated_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'pending', 'unknown',
		       $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW()
		WHERE (SELECT COUNT(*) FROM modules WHERE status <> 'removed') < $18
		  AND (SELECT COUNT(*) FROM modules WHERE status <> 'removed' AND installed_by = $17) < $19`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin install transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, installCapacityLockKey); err != nil {
		return fmt.Errorf("failed to acquire capacity lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, query,
		m.ID, m.Name, m.DisplayName, m.DockerImage, m.Version,
		m.LicenseKeyEncrypted, m.LicenseSalt,
		m.Ports, m.Env, m.Volumes, m.CPULimit, m.MemLimitMB, m.NetworkMode,
		m.DependsOn, m.HealthCheckSpec, m.RoutePrefix, m.InstalledBy,
		maxTotal, maxPerUser,
	)
	if err != nil {
		return classifyInsertError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return ErrLimitReached
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit module insert: %w", err)
	}
	return nil
}

func classifyInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		switch pqErr.Constraint {
		case "ux_modules_active_name":
			return ErrNameTaken
		case "ux_modules_active_route":
			return ErrRouteTaken
		}
	}
	return fmt.Errorf("failed to insert module: %w", err)
}

// GetActiveByName returns the live record for a module name, or (nil, nil)
// when no non-removed record exists.
func (r *ModuleRepository) GetActiveByName(ctx context.Context, name string) (*models.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE name = $1 AND status <> 'removed'`

	var m models.Module
	err := r.db.GetContext(ctx, &m, query, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return &m, nil
}

// ListActive returns a page of non-removed modules ordered by name, plus the
// total number of non-removed records.
func (r *ModuleRepository) ListActive(ctx context.Context, limit, offset int) ([]*models.Module, int, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM modules WHERE status <> 'removed'`); err != nil {
		return nil, 0, fmt.Errorf("failed to count modules: %w", err)
	}

	query := `SELECT ` + moduleColumns + ` FROM modules WHERE status <> 'removed' ORDER BY name LIMIT $1 OFFSET $2`
	var mods []*models.Module
	if err := r.db.SelectContext(ctx, &mods, query, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list modules: %w", err)
	}
	return mods, total, nil
}

// ListByStatus returns all modules in the given status ordered by name.
func (r *ModuleRepository) ListByStatus(ctx context.Context, status string) ([]*models.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE status = $1 ORDER BY name`

	var mods []*models.Module
	if err := r.db.SelectContext(ctx, &mods, query, status); err != nil {
		return nil, fmt.Errorf("failed to list modules by status: %w", err)
	}
	return mods, nil
}

// SetStatus transitions a module to the given status.
func (r *ModuleRepository) SetStatus(ctx context.Context, id, status string) error {
	query := `UPDATE modules SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("failed to set module status: %w", err)
	}
	return nil
}

// MarkInstalled records a successful install: container identifiers, running
// status, and a clean error state.
func (r *ModuleRepository) MarkInstalled(ctx context.Context, id, containerID, containerName string) error {
	query := `
		UPDATE modules
		SET status = 'running', health = 'healthy',
		    container_id = $1, container_name = $2,
		    error_message = '', updated_at = NOW()
		WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, containerID, containerName, id); err != nil {
		return fmt.Errorf("failed to mark module installed: %w", err)
	}
	return nil
}

// MarkError moves a module to the error status with the failure message,
// incrementing the error counter.
func (r *ModuleRepository) MarkError(ctx context.Context, id, message string) error {
	query := `
		UPDATE modules
		SET status = 'error', health = 'unhealthy',
		    error_message = $1, error_count = error_count + 1,
		    last_error_at = NOW(), updated_at = NOW()
		WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, message, id); err != nil {
		return fmt.Errorf("failed to mark module errored: %w", err)
	}
	return nil
}

// MarkStopped records a clean container exit without touching the error counter.
func (r *ModuleRepository) MarkStopped(ctx context.Context, id string) error {
	query := `
		UPDATE modules
		SET status = 'stopped', health = 'unknown', updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark module stopped: %w", err)
	}
	return nil
}

// MarkRunning records a module back in the running status after a start.
func (r *ModuleRepository) MarkRunning(ctx context.Context, id string) error {
	query := `
		UPDATE modules
		SET status = 'running', health = 'healthy', error_message = '', updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark module running: %w", err)
	}
	return nil
}

// SetRestartCount records the engine-reported restart count for a module.
func (r *ModuleRepository) SetRestartCount(ctx context.Context, id string, count int) error {
	query := `UPDATE modules SET restart_count = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, count, id); err != nil {
		return fmt.Errorf("failed to set restart count: %w", err)
	}
	return nil
}

// SetHealth updates the observed health of a module.
func (r *ModuleRepository) SetHealth(ctx context.Context, id, health string) error {
	query := `UPDATE modules SET health = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, health, id); err != nil {
		return fmt.Errorf("failed to set module health: %w", err)
	}
	return nil
}

// Tombstone marks a module removed. The record stays for audit resolution but
// no longer counts toward uniqueness or capacity.
func (r *ModuleRepository) Tombstone(ctx context.Context, id string) error {
	return r.SetStatus(ctx, id, models.StatusRemoved)
}

// CountActive returns the number of live modules globally and for one user.
func (r *ModuleRepository) CountActive(ctx context.Context, userID string) (total int, byUser int, err error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE installed_by = $1)
		FROM modules WHERE status <> 'removed'`
	row := r.db.QueryRowContext(ctx, query, userID)
	if err := row.Scan(&total, &byUser); err != nil {
		return 0, 0, fmt.Errorf("failed to count modules: %w", err)
	}
	return total, byUser, nil
}
