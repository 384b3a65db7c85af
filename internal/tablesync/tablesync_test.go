package tablesync

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/branchsync/consolidator/internal/dbpool"
	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
)

// columnExistsRows backs the three SyncMeta upgrade-column checks in
// syncmeta.EnsureSchema; the map it loops over iterates in random
// order, so each of the three registered expectations must accept
// whichever of the three checks arrives first.
func columnExistsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(1)
}

func expectEnsureSchema(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE SCHEMA sync").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE \\[sync\\]\\.\\[SyncMeta\\]").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 3; i++ {
		mock.ExpectQuery("FROM sys.columns c").WillReturnRows(columnExistsRows())
	}
}

func expectBranchResolve(mock sqlmock.Sqlmock, branch string) {
	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow(branch))
}

func expectBeginInProgress(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT BranchName, TableName, LastValue").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO \\[sync\\]\\.\\[SyncMeta\\] \\(BranchName, TableName, LastValue, SyncStatus, LastSynced\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET SyncStatus = @p1, SyncRemarks = @p2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func customerColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows(
		[]string{"column_name", "data_type", "max_length", "numeric_precision", "numeric_scale", "ordinal_position", "is_nullable", "column_default"},
	).
		AddRow("CustomerID", "int", int64(4), int64(10), int64(0), 1, false, "").
		AddRow("Name", "nvarchar", int64(200), int64(0), int64(0), 2, true, "")
}

func customerPrimaryKeyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"constraint_name", "column_name", "key_ordinal"}).
		AddRow("PK_Customer", "CustomerID", 1)
}

func fixedOpen(sourceDB, targetDB *sqlx.DB) openFunc {
	return func(_ context.Context, cfg syncconfig.ConnectionConfig, _ ...dbpool.Option) (*sqlx.DB, func(), error) {
		if cfg.Database == "Source" {
			return sourceDB, func() {}, nil
		}
		return targetDB, func() {}, nil
	}
}

// TestSyncCompletesFullCycle drives Engine.Sync through a full
// Pending -> InProgress -> Complete cycle: database provisioning,
// branch resolution, schema creation for a brand-new target table,
// one committed batch, and the terminal status write.
func TestSyncCompletesFullCycle(t *testing.T) {
	adminDB, adminMock, err := sqlmock.New()
	require.NoError(t, err)
	defer adminDB.Close()
	admin := sqlx.NewDb(adminDB, "sqlmock")

	srcDB, srcMock, err := sqlmock.New()
	require.NoError(t, err)
	defer srcDB.Close()
	source := sqlx.NewDb(srcDB, "sqlmock")

	tgtDB, tgtMock, err := sqlmock.New()
	require.NoError(t, err)
	defer tgtDB.Close()
	target := sqlx.NewDb(tgtDB, "sqlmock")

	adminMock.ExpectQuery("SELECT CASE WHEN DB_ID").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	expectEnsureSchema(tgtMock)
	expectBranchResolve(srcMock, "branch1")
	expectBeginInProgress(tgtMock)

	// alignSchema: source introspection, then target reconciliation
	// of a table that does not exist yet.
	srcMock.ExpectQuery("FROM sys.columns c").WillReturnRows(customerColumnsRows())
	srcMock.ExpectQuery("FROM sys.key_constraints kc").WillReturnRows(customerPrimaryKeyRows())
	tgtMock.ExpectBegin()
	tgtMock.ExpectQuery("FROM sys.tables t JOIN sys.schemas s").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(0))
	tgtMock.ExpectExec("CREATE TABLE \\[Consolidated\\]\\.\\[Customer\\]").WillReturnResult(sqlmock.NewResult(0, 0))
	tgtMock.ExpectCommit()

	// Batch loop: one extraction with one row, then an empty
	// extraction that ends the loop.
	srcMock.ExpectQuery("SELECT TOP 10 \\[CustomerID\\], \\[Name\\] FROM \\[Customer\\]").
		WillReturnRows(sqlmock.NewRows([]string{"CustomerID", "Name"}).AddRow(1, "Ann"))

	tgtMock.ExpectBegin()
	tgtMock.ExpectExec("CREATE TABLE \\[##Customer_sync_worker-1").WillReturnResult(sqlmock.NewResult(0, 0))
	tgtMock.ExpectPrepare("(?i)insert")
	tgtMock.ExpectExec("(?i)insert").WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectExec("(?i)insert").WillReturnResult(sqlmock.NewResult(0, 0))
	tgtMock.ExpectExec("INSERT \\(\\[BranchIdentifier\\], \\[CustomerID\\], \\[Name\\]\\) VALUES \\(source\\.\\[BranchIdentifier\\], source\\.\\[CustomerID\\], source\\.\\[Name\\]\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectExec("SET LastValue = @p1").WillReturnResult(sqlmock.NewResult(0, 1))
	tgtMock.ExpectExec("DROP TABLE IF EXISTS \\[##Customer_sync_worker-1").WillReturnResult(sqlmock.NewResult(0, 0))
	tgtMock.ExpectCommit()

	srcMock.ExpectQuery("SELECT TOP 10 \\[CustomerID\\], \\[Name\\] FROM \\[Customer\\]").
		WillReturnRows(sqlmock.NewRows([]string{"CustomerID", "Name"}))

	// Terminal status write, run directly against targetDB outside
	// any transaction.
	tgtMock.ExpectExec("SET SyncStatus = @p1, SyncRemarks = @p2").WillReturnResult(sqlmock.NewResult(0, 1))

	engine := NewEngine("Consolidated", nil)
	engine.openAdmin = func(context.Context, syncconfig.ConnectionConfig, ...dbpool.Option) (*sqlx.DB, func(), error) {
		return admin, func() {}, nil
	}
	engine.open = fixedOpen(source, target)

	ctx := stopper.WithContext(context.Background())
	spec := syncconfig.TableSyncSpec{Name: "Customer", SyncMethod: syncconfig.MethodAutono, BatchSize: 10}
	cfg := &syncconfig.Config{SyncLookbackDays: 0}

	sourceCfg := syncconfig.ConnectionConfig{Database: "Source"}
	targetCfg := syncconfig.ConnectionConfig{Database: "Target"}
	targetAdminCfg := syncconfig.ConnectionConfig{Database: "master"}

	err = engine.Sync(ctx, sourceCfg, targetCfg, targetAdminCfg, spec, cfg, "worker-1")
	require.NoError(t, err)

	require.NoError(t, adminMock.ExpectationsWereMet())
	require.NoError(t, srcMock.ExpectationsWereMet())
	require.NoError(t, tgtMock.ExpectationsWereMet())
}

// TestSyncHaltsOnPrimaryKeyMismatch drives Engine.Sync against an
// existing target table whose primary key no longer matches the
// expected composite key, and confirms the engine records
// SchemaError and returns without touching the batch loop.
func TestSyncHaltsOnPrimaryKeyMismatch(t *testing.T) {
	adminDB, adminMock, err := sqlmock.New()
	require.NoError(t, err)
	defer adminDB.Close()
	admin := sqlx.NewDb(adminDB, "sqlmock")

	srcDB, srcMock, err := sqlmock.New()
	require.NoError(t, err)
	defer srcDB.Close()
	source := sqlx.NewDb(srcDB, "sqlmock")

	tgtDB, tgtMock, err := sqlmock.New()
	require.NoError(t, err)
	defer tgtDB.Close()
	target := sqlx.NewDb(tgtDB, "sqlmock")

	adminMock.ExpectQuery("SELECT CASE WHEN DB_ID").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

	expectEnsureSchema(tgtMock)
	expectBranchResolve(srcMock, "branch1")
	expectBeginInProgress(tgtMock)

	srcMock.ExpectQuery("FROM sys.columns c").WillReturnRows(customerColumnsRows())
	srcMock.ExpectQuery("FROM sys.key_constraints kc").WillReturnRows(customerPrimaryKeyRows())

	tgtMock.ExpectBegin()
	tgtMock.ExpectQuery("FROM sys.tables t JOIN sys.schemas s").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	tgtMock.ExpectQuery("SELECT c.name FROM sys.columns c").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("BranchIdentifier").AddRow("CustomerID").AddRow("Name"))
	tgtMock.ExpectQuery("FROM sys.key_constraints kc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("CustomerID"))
	tgtMock.ExpectCommit()

	tgtMock.ExpectExec("SET SyncStatus = @p1, SyncRemarks = @p2").
		WithArgs("SchemaError", sqlmock.AnyArg(), "branch1", "Customer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	engine := NewEngine("Consolidated", nil)
	engine.openAdmin = func(context.Context, syncconfig.ConnectionConfig, ...dbpool.Option) (*sqlx.DB, func(), error) {
		return admin, func() {}, nil
	}
	engine.open = fixedOpen(source, target)

	ctx := stopper.WithContext(context.Background())
	spec := syncconfig.TableSyncSpec{Name: "Customer", SyncMethod: syncconfig.MethodAutono, BatchSize: 10}
	cfg := &syncconfig.Config{SyncLookbackDays: 0}

	sourceCfg := syncconfig.ConnectionConfig{Database: "Source"}
	targetCfg := syncconfig.ConnectionConfig{Database: "Target"}
	targetAdminCfg := syncconfig.ConnectionConfig{Database: "master"}

	err = engine.Sync(ctx, sourceCfg, targetCfg, targetAdminCfg, spec, cfg, "worker-1")
	require.NoError(t, err, "a schema mismatch is reported via SyncMeta status, not a returned error")

	require.NoError(t, adminMock.ExpectationsWereMet())
	require.NoError(t, srcMock.ExpectationsWereMet())
	require.NoError(t, tgtMock.ExpectationsWereMet())
}
