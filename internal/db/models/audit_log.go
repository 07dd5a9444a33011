package models

import (
	"time"
)

// Audited operations.
const (
	OpInstall   = "install"
	OpUninstall = "uninstall"
	OpStart     = "start"
	OpStop      = "stop"
)

// Audit outcomes.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditLog is an append-only record of one module operation attempt. Rows
// carry an expires_at stamped at write time; list queries exclude expired
// rows and the retention job deletes them.
type AuditLog struct {
	ID              string    `db:"id" json:"id"`
	Operation       string    `db:"operation" json:"operation"`
	ModuleName      string    `db:"module_name" json:"module_name"`
	ModuleVersion   string    `db:"module_version" json:"module_version,omitempty"`
	UserID          string    `db:"user_id" json:"user_id,omitempty"`
	UserEmail       string    `db:"user_email" json:"user_email,omitempty"`
	UserRole        string    `db:"user_role" json:"user_role,omitempty"`
	Status          string    `db:"status" json:"status"`
	ErrorMessage    string    `db:"error_message" json:"error_message,omitempty"`
	DurationSeconds float64   `db:"duration_seconds" json:"duration_seconds"`
	Metadata        StringMap `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time `db:"expires_at" json:"expires_at"`
}

// AuditFilter narrows audit list queries. Zero values mean no filtering on
// that dimension.
type AuditFilter struct {
	ModuleName string
	Operation  string
	Status     string
	UserID     string
	Limit      int
	Offset     int
}
