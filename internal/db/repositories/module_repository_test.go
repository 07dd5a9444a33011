package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agricore/module-orchestrator/internal/db/models"
)

var errDB = errors.New("database failure")

func newModuleRepo(t *testing.T) (*ModuleRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewModuleRepository(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func moduleColumnNames() []string {
	return []string{
		"id", "name", "display_name", "docker_image", "version",
		"license_key_encrypted", "license_salt", "status", "health",
		"container_id", "container_name", "ports", "env", "volumes",
		"cpu_limit", "mem_limit_mb", "network_mode", "depends_on", "health_check",
		"route_prefix", "installed_by", "installed_at", "updated_at",
		"error_message", "error_count", "last_error_at", "restart_count",
	}
}

func sampleModuleRow(rows *sqlmock.Rows, name, status string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		"11111111-1111-1111-1111-111111111111", name, "Weather Station", "agricore/weather:1.2.0", "1.2.0",
		"c2VhbGVk", "c2FsdA==", status, "healthy",
		"abc123", "module-"+name, []byte(`[]`), []byte(`{}`), []byte(`[]`),
		1.5, int64(512), "bridge", []byte(`[]`), nil,
		"/modules/"+name, "user-1", now, now,
		"", 0, nil, 0,
	)
}

func testModule(name string) *models.Module {
	return &models.Module{
		ID:                  "11111111-1111-1111-1111-111111111111",
		Name:                name,
		DisplayName:         "Weather Station",
		DockerImage:         "agricore/weather:1.2.0",
		Version:             "1.2.0",
		LicenseKeyEncrypted: "c2VhbGVk",
		LicenseSalt:         "c2FsdA==",
		RoutePrefix:         "/modules/" + name,
		InstalledBy:         "user-1",
		CPULimit:            1.5,
		MemLimitMB:          512,
		NetworkMode:         "bridge",
	}
}

// expectCapacityLock matches the transaction prologue of InsertPending: the
// guarded insert only runs while the session holds the capacity advisory
// lock, otherwise two concurrent installs could both pass the limit check.
func expectCapacityLock(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(installCapacityLockKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestInsertPending_Success(t *testing.T) {
	repo, mock := newModuleRepo(t)

	expectCapacityLock(mock)
	mock.ExpectExec("INSERT INTO modules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InsertPending(context.Background(), testModule("weather-station"), 50, 10)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPending_LimitReached(t *testing.T) {
	repo, mock := newModuleRepo(t)

	// The guarded insert affects zero rows when either capacity limit is
	// hit, and the refused transaction rolls back.
	expectCapacityLock(mock)
	mock.ExpectExec("INSERT INTO modules").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.InsertPending(context.Background(), testModule("weather-station"), 50, 10)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPending_NameConflict(t *testing.T) {
	repo, mock := newModuleRepo(t)

	expectCapacityLock(mock)
	mock.ExpectExec("INSERT INTO modules").
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "ux_modules_active_name"})
	mock.ExpectRollback()

	err := repo.InsertPending(context.Background(), testModule("weather-station"), 50, 10)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestInsertPending_RouteConflict(t *testing.T) {
	repo, mock := newModuleRepo(t)

	expectCapacityLock(mock)
	mock.ExpectExec("INSERT INTO modules").
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "ux_modules_active_route"})
	mock.ExpectRollback()

	err := repo.InsertPending(context.Background(), testModule("weather-station"), 50, 10)
	assert.ErrorIs(t, err, ErrRouteTaken)
}

func TestInsertPending_DBError(t *testing.T) {
	repo, mock := newModuleRepo(t)

	expectCapacityLock(mock)
	mock.ExpectExec("INSERT INTO modules").WillReturnError(errDB)
	mock.ExpectRollback()

	err := repo.InsertPending(context.Background(), testModule("weather-station"), 50, 10)
	assert.ErrorIs(t, err, errDB)
	assert.NotErrorIs(t, err, ErrNameTaken)
}

func TestGetActiveByName_Found(t *testing.T) {
	repo, mock := newModuleRepo(t)

	rows := sampleModuleRow(sqlmock.NewRows(moduleColumnNames()), "weather-station", models.StatusRunning)
	mock.ExpectQuery("(?s)SELECT (.+) FROM modules WHERE name").
		WithArgs("weather-station").
		WillReturnRows(rows)

	m, err := repo.GetActiveByName(context.Background(), "weather-station")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "weather-station", m.Name)
	assert.Equal(t, models.StatusRunning, m.Status)
	assert.True(t, m.Active())
}

func TestGetActiveByName_NotFound(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectQuery("(?s)SELECT (.+) FROM modules WHERE name").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(moduleColumnNames()))

	m, err := repo.GetActiveByName(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestListActive(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM modules WHERE status <> 'removed'").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	rows := sqlmock.NewRows(moduleColumnNames())
	sampleModuleRow(rows, "irrigation", models.StatusRunning)
	sampleModuleRow(rows, "weather-station", models.StatusStopped)
	mock.ExpectQuery("(?s)SELECT (.+) FROM modules WHERE status <> 'removed' ORDER BY name LIMIT").
		WithArgs(2, 0).
		WillReturnRows(rows)

	mods, total, err := repo.ListActive(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, mods, 2)
	assert.Equal(t, "irrigation", mods[0].Name)
}

func TestListActive_DefaultLimit(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM modules WHERE status <> 'removed'").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("(?s)SELECT (.+) FROM modules WHERE status <> 'removed' ORDER BY name LIMIT").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(moduleColumnNames()))

	_, _, err := repo.ListActive(context.Background(), 0, -3)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatus(t *testing.T) {
	repo, mock := newModuleRepo(t)

	rows := sampleModuleRow(sqlmock.NewRows(moduleColumnNames()), "irrigation", models.StatusRunning)
	mock.ExpectQuery("(?s)SELECT (.+) FROM modules WHERE status =").
		WithArgs(models.StatusRunning).
		WillReturnRows(rows)

	mods, err := repo.ListByStatus(context.Background(), models.StatusRunning)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, models.StatusRunning, mods[0].Status)
}

func TestMarkInstalled(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectExec("UPDATE modules").
		WithArgs("abc123", "module-weather-station", "11111111-1111-1111-1111-111111111111").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkInstalled(context.Background(), "11111111-1111-1111-1111-111111111111", "abc123", "module-weather-station")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkError(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectExec("UPDATE modules").
		WithArgs("image pull failed", "mod-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkError(context.Background(), "mod-1", "image pull failed")
	assert.NoError(t, err)
}

func TestSetRestartCount(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectExec("UPDATE modules SET restart_count").
		WithArgs(3, "mod-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetRestartCount(context.Background(), "mod-1", 3)
	assert.NoError(t, err)
}

func TestTombstone(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectExec("UPDATE modules SET status").
		WithArgs(models.StatusRemoved, "mod-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Tombstone(context.Background(), "mod-1")
	assert.NoError(t, err)
}

func TestCountActive(t *testing.T) {
	repo, mock := newModuleRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "count"}).AddRow(42, 7))

	total, byUser, err := repo.CountActive(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 42, total)
	assert.Equal(t, 7, byUser)
}
