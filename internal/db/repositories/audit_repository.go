package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agricore/module-orchestrator/internal/db/models"
)

// AuditRepository handles database operations for the module audit trail.
type AuditRepository struct {
	db        *sqlx.DB
	retention time.Duration
}

// NewAuditRepository creates a new audit repository. Retention controls the
// expires_at stamped on every record.
func NewAuditRepository(db *sqlx.DB, retention time.Duration) *AuditRepository {
	return &AuditRepository{db: db, retention: retention}
}

const auditColumns = `id, operation, module_name, module_version,
	user_id, user_email, user_role, status, error_message,
	duration_seconds, metadata, created_at, expires_at`

// Record appends an audit entry. ID, CreatedAt and ExpiresAt are assigned
// here; callers fill in everything else.
func (r *AuditRepository) Record(ctx context.Context, entry *models.AuditLog) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()
	entry.ExpiresAt = entry.CreatedAt.Add(r.retention)

	query := `
		INSERT INTO module_audit_logs (
			id, operation, module_name, module_version,
			user_id, user_email, user_role, status, error_message,
			duration_seconds, metadata, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Operation, entry.ModuleName, entry.ModuleVersion,
		entry.UserID, entry.UserEmail, entry.UserRole, entry.Status, entry.ErrorMessage,
		entry.DurationSeconds, entry.Metadata, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns audit entries matching the filter, newest first, along with
// the total count before pagination. Expired entries are never returned even
// if the retention job has not deleted them yet.
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int, error) {
	conditions := []string{"expires_at > NOW()"}
	args := []any{}
	paramIndex := 1

	if filter.ModuleName != "" {
		conditions = append(conditions, fmt.Sprintf("module_name = $%d", paramIndex))
		args = append(args, filter.ModuleName)
		paramIndex++
	}
	if filter.Operation != "" {
		conditions = append(conditions, fmt.Sprintf("operation = $%d", paramIndex))
		args = append(args, filter.Operation)
		paramIndex++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", paramIndex))
		args = append(args, filter.Status)
		paramIndex++
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", paramIndex))
		args = append(args, filter.UserID)
		paramIndex++
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := "SELECT COUNT(*) FROM module_audit_logs " + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM module_audit_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, paramIndex, paramIndex+1)
	args = append(args, limit, filter.Offset)

	var entries []*models.AuditLog
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, total, nil
}

// DeleteExpired removes entries past their expires_at and returns how many
// rows were purged.
func (r *AuditRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM module_audit_logs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return deleted, nil
}
