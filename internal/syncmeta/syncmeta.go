// Package syncmeta implements the Sync-Metadata Store (C3): the
// durable catalog that records, per (branch, table), the last-synced
// watermark, status, timing and remarks -- the resumption point after
// a crash or shutdown.
//
// Grounded on other_examples/b3a271fb_i-cooltea-db-taxi's use of sqlx
// for scanning catalog rows into structs.
package syncmeta

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Status is the SyncMetaRecord lifecycle state.
type Status string

// Status values.
const (
	StatusPending     Status = "Pending"
	StatusInProgress  Status = "InProgress"
	StatusComplete    Status = "Complete"
	StatusFailed      Status = "Failed"
	StatusSchemaError Status = "SchemaError"
)

// MaxRemarksLength truncates SyncRemarks.
const MaxRemarksLength = 1000

// Record is one (branch, table) row in SyncMeta.
type Record struct {
	BranchName         string       `db:"BranchName"`
	TableName          string       `db:"TableName"`
	LastValue          string       `db:"LastValue"`
	LastSynced         sql.NullTime `db:"LastSynced"`
	SyncStatus         string       `db:"SyncStatus"`
	LastCompletionTime sql.NullTime `db:"LastCompletionTime"`
	SyncRemarks        string       `db:"SyncRemarks"`
}

const schemaName = "sync"
const tableName = "SyncMeta"

// qualifiedTable is the bracket-quoted sync.SyncMeta reference used in
// every statement below.
const qualifiedTable = "[sync].[SyncMeta]"

// EnsureSchema lazily provisions the sync schema and SyncMeta table,
// and adds any columns missing from an older deployment (status,
// last_completion_time, remarks). Every step checks for existence
// first, so it is safe to repeat; internal/tablesync runs it against
// the target session at the start of every Sync.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = 'sync') EXEC('CREATE SCHEMA sync')`,
		`IF NOT EXISTS (
			SELECT 1 FROM sys.tables t JOIN sys.schemas s ON t.schema_id = s.schema_id
			WHERE s.name = 'sync' AND t.name = 'SyncMeta'
		)
		CREATE TABLE [sync].[SyncMeta] (
			BranchName NVARCHAR(255) NOT NULL,
			TableName NVARCHAR(255) NOT NULL,
			LastValue NVARCHAR(MAX) NOT NULL,
			LastSynced DATETIME2 NULL,
			SyncStatus NVARCHAR(50) NOT NULL,
			LastCompletionTime DATETIME2 NULL,
			SyncRemarks NVARCHAR(1000) NULL,
			CONSTRAINT PK_SyncMeta PRIMARY KEY (BranchName, TableName)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errors.WithStack(err)
		}
	}

	// Tolerate upgrades: add any column that an older deployment's
	// table might be missing.
	upgrades := map[string]string{
		"SyncStatus":         "ALTER TABLE [sync].[SyncMeta] ADD SyncStatus NVARCHAR(50) NOT NULL DEFAULT 'Pending'",
		"LastCompletionTime": "ALTER TABLE [sync].[SyncMeta] ADD LastCompletionTime DATETIME2 NULL",
		"SyncRemarks":        "ALTER TABLE [sync].[SyncMeta] ADD SyncRemarks NVARCHAR(1000) NULL",
	}
	for col, ddl := range upgrades {
		var exists bool
		err := db.QueryRowContext(ctx, `
			SELECT CASE WHEN EXISTS (
				SELECT 1 FROM sys.columns c
				JOIN sys.tables t ON c.object_id = t.object_id
				JOIN sys.schemas s ON t.schema_id = s.schema_id
				WHERE s.name = 'sync' AND t.name = 'SyncMeta' AND c.name = @p1
			) THEN 1 ELSE 0 END`, col).Scan(&exists)
		if err != nil {
			return errors.WithStack(err)
		}
		if !exists {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return errors.WithStack(err)
			}
			log.WithField("column", col).Info("added missing SyncMeta column")
		}
	}

	_, _ = db.ExecContext(ctx, `
		IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'IX_SyncMeta_LastSynced')
		CREATE INDEX IX_SyncMeta_LastSynced ON [sync].[SyncMeta] (LastSynced)`)
	_, _ = db.ExecContext(ctx, `
		IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'IX_SyncMeta_SyncStatus')
		CREATE INDEX IX_SyncMeta_SyncStatus ON [sync].[SyncMeta] (SyncStatus)`)

	return nil
}

// Querier is satisfied by *sqlx.Tx and *sqlx.DB; every operation here
// takes one and never calls Commit.
type Querier interface {
	sqlx.ExecerContext
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// GetOrCreate returns the record for (branch, table), inserting a
// Pending row with LastValue="0" if none exists yet.
func GetOrCreate(ctx context.Context, q Querier, branch, table string) (Record, error) {
	row := q.QueryRowxContext(ctx, `
		SELECT BranchName, TableName, LastValue, LastSynced, SyncStatus, LastCompletionTime, SyncRemarks
		FROM `+qualifiedTable+` WHERE BranchName = @p1 AND TableName = @p2`, branch, table)

	var rec Record
	err := row.StructScan(&rec)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to insert below.
	default:
		return Record{}, errors.WithStack(err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO `+qualifiedTable+` (BranchName, TableName, LastValue, SyncStatus, LastSynced)
		VALUES (@p1, @p2, '0', @p3, SYSUTCDATETIME())`, branch, table, string(StatusPending))
	if err != nil {
		return Record{}, errors.WithStack(err)
	}

	return Record{BranchName: branch, TableName: table, LastValue: "0", SyncStatus: string(StatusPending)}, nil
}

// UpdateLastValue advances LastValue and LastSynced for (branch,
// table). If no row is affected, the caller has violated the
// invariant that GetOrCreate always runs first; this is logged as a
// critical condition rather than silently inserting a new row.
func UpdateLastValue(ctx context.Context, q Querier, branch, table, value string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE `+qualifiedTable+`
		SET LastValue = @p1, LastSynced = SYSUTCDATETIME()
		WHERE BranchName = @p2 AND TableName = @p3`, value, branch, table)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		log.WithFields(log.Fields{"branch": branch, "table": table}).
			Error("update_last_value affected zero rows; SyncMeta row missing before batch commit")
	}
	return nil
}

// UpdateStatus updates SyncStatus, SyncRemarks and LastSynced, and
// additionally LastCompletionTime when status is Complete. remarks is
// truncated to MaxRemarksLength.
func UpdateStatus(ctx context.Context, q Querier, branch, table string, status Status, remarks string) error {
	if len(remarks) > MaxRemarksLength {
		remarks = remarks[:MaxRemarksLength]
	}

	query := `
		UPDATE ` + qualifiedTable + `
		SET SyncStatus = @p1, SyncRemarks = @p2, LastSynced = SYSUTCDATETIME()`
	args := []interface{}{string(status), remarks}
	if status == StatusComplete {
		query += `, LastCompletionTime = SYSUTCDATETIME()`
	}
	query += ` WHERE BranchName = @p3 AND TableName = @p4`
	args = append(args, branch, table)

	_, err := q.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}
