package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/faults"
)

var specCols = []string{
	"tool_name", "version", "platform", "category", "action_class",
	"capabilities", "patterns", "inputs", "expected_outputs", "policy",
	"enabled", "is_latest", "created_at", "updated_at",
}

func specRows(t *testing.T, specs ...*ToolSpec) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows(specCols)
	for _, spec := range specs {
		caps, _ := json.Marshal(spec.Capabilities)
		pats, _ := json.Marshal(spec.Patterns)
		ins, _ := json.Marshal(spec.Inputs)
		outs, _ := json.Marshal(spec.ExpectedOutputs)
		pol, _ := json.Marshal(spec.Policy)
		rows.AddRow(spec.ToolName, spec.Version, string(spec.Platform), spec.Category,
			string(spec.ActionClass), caps, pats, ins, outs, pol,
			spec.Enabled, spec.IsLatest, spec.CreatedAt, spec.UpdatedAt)
	}
	return rows
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestCreateVersionAssignsNextAndFlipsLatest(t *testing.T) {
	store, mock := newMockStore(t)
	spec := validSpec()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM tool_specs`).
		WithArgs("asset_search").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec(`UPDATE tool_specs SET is_latest = FALSE`).
		WithArgs("asset_search").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO tool_specs`).
		WithArgs("asset_search", 3, "cross", "inventory", "READ",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			true).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	stored, err := store.CreateVersion(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Version)
	assert.True(t, stored.IsLatest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateVersionUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM tool_specs`).
		WithArgs("asset_search").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(2))
	mock.ExpectExec(`UPDATE tool_specs SET is_latest = FALSE`).
		WithArgs("asset_search").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO tool_specs`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := store.CreateVersion(context.Background(), validSpec())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatest(t *testing.T) {
	store, mock := newMockStore(t)
	spec := validSpec()
	spec.Version = 2
	spec.IsLatest = true

	mock.ExpectQuery(`FROM tool_specs WHERE tool_name = \$1 AND is_latest = TRUE`).
		WithArgs("asset_search").
		WillReturnRows(specRows(t, spec))

	got, err := store.GetLatest(context.Background(), "asset_search")
	require.NoError(t, err)
	assert.Equal(t, "asset_search", got.ToolName)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []string{"asset.search", "asset.count"}, got.Capabilities)
	require.Len(t, got.Patterns, 2)
	assert.Equal(t, "single_lookup", got.Patterns[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM tool_specs WHERE tool_name = \$1 AND is_latest = TRUE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(specCols))

	_, err := store.GetLatest(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestListByCapability(t *testing.T) {
	store, mock := newMockStore(t)
	a := validSpec()
	a.Version, a.IsLatest = 1, true
	b := validSpec()
	b.ToolName = "asset_count"
	b.Version, b.IsLatest = 1, true

	mock.ExpectQuery(`FROM tool_specs\s+WHERE is_latest = TRUE AND enabled = TRUE`).
		WithArgs("linux", "").
		WillReturnRows(specRows(t, a, b))

	specs, err := store.ListByCapability(context.Background(), PlatformLinux, "")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "asset_search", specs[0].ToolName)
	assert.Equal(t, "asset_count", specs[1].ToolName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListVersions(t *testing.T) {
	store, mock := newMockStore(t)
	v2 := validSpec()
	v2.Version, v2.IsLatest = 2, true
	v1 := validSpec()
	v1.Version = 1

	mock.ExpectQuery(`FROM tool_specs WHERE tool_name = \$1 ORDER BY version DESC`).
		WithArgs("asset_search").
		WillReturnRows(specRows(t, v2, v1))

	history, err := store.ListVersions(context.Background(), "asset_search")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 1, history[1].Version)
}

func TestListVersionsUnknownTool(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM tool_specs WHERE tool_name = \$1 ORDER BY version DESC`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(specCols))

	_, err := store.ListVersions(context.Background(), "ghost")
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestRollbackClonesPriorVersion(t *testing.T) {
	store, mock := newMockStore(t)
	prior := validSpec()
	prior.Version = 1
	now := time.Now()

	mock.ExpectQuery(`FROM tool_specs WHERE tool_name = \$1 AND version = \$2`).
		WithArgs("asset_search", 1).
		WillReturnRows(specRows(t, prior))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM tool_specs`).
		WithArgs("asset_search").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(4))
	mock.ExpectExec(`UPDATE tool_specs SET is_latest = FALSE`).
		WithArgs("asset_search").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO tool_specs`).
		WithArgs("asset_search", 4, "cross", "inventory", "READ",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			true).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	stored, err := store.Rollback(context.Background(), "asset_search", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Version, "rollback mints a new version")
	assert.True(t, stored.IsLatest)
	assert.NoError(t, mock.ExpectationsWereMet())
}
