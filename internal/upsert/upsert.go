// Package upsert implements the Batch Upserter (C6): stage a batch
// into a global temp table, MERGE it into the target, and advance the
// watermark, all inside the single transaction the caller supplies.
//
// Composite-PK MERGE correctness: resolved here in favor of matching
// on ALL source primary-key columns plus BranchIdentifier, not just
// the first source PK column. A single-column shortcut is a
// correctness bug for any table with a multi-column natural key -- it
// would silently collapse distinct source rows that share only their
// first PK column into one target row. See DESIGN.md.
package upsert

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/branchsync/consolidator/internal/ident"
	"github.com/branchsync/consolidator/internal/metrics"
	"github.com/branchsync/consolidator/internal/reconcile"
	"github.com/branchsync/consolidator/internal/schema"
	"github.com/branchsync/consolidator/internal/syncerr"
	"github.com/branchsync/consolidator/internal/syncmeta"
	"github.com/branchsync/consolidator/internal/watermark"
)

// Row is one extracted row, keyed by the column names the Query
// Planner selected, in the same order.
type Row = []interface{}

// Batch describes one extraction result ready to be staged and
// merged.
type Batch struct {
	Columns      []string // columns actually returned by the extraction query, in order
	Rows         []Row
	Branch       string
	Table        string
	TargetSchema string
	// PrimaryKeyColumns are ALL of the source table's PK columns, used
	// for the MERGE match clause (see package doc).
	PrimaryKeyColumns []string
	// WatermarkColumn is used only to compute MaxWatermark below; it
	// must be present in Columns.
	WatermarkColumn string
	SourceSchema    *schema.TableSchema
	// WorkerID distinguishes concurrent workers staging into the same
	// target instance so their global temp tables never collide.
	WorkerID string
}

// Apply stages Batch into a temp table and merges it into the target
// inside tx, then advances the watermark. tx is committed by the
// caller; Apply itself only executes statements and always drops the
// temp table before returning, on every exit path.
func Apply(ctx context.Context, tx *sqlx.Tx, b Batch) (maxWatermark string, err error) {
	if len(b.Rows) == 0 {
		return "", errors.New("upsert: Apply called with an empty batch")
	}

	tempTable := tempTableName(b.Table, b.WorkerID)
	defer func() {
		if _, dropErr := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable)); dropErr != nil {
			log.WithError(dropErr).Warn("could not drop staging temp table")
		}
	}()

	if err := createTempTable(ctx, tx, tempTable, b); err != nil {
		return "", err
	}

	if err := bulkInsert(ctx, tx, tempTable, b); err != nil {
		return "", err
	}

	if err := merge(ctx, tx, tempTable, b); err != nil {
		return "", err
	}

	maxWatermark, err = maxWatermarkValue(b)
	if err != nil {
		return "", err
	}

	if err := syncmeta.UpdateLastValue(ctx, tx, b.Branch, b.Table, maxWatermark); err != nil {
		return "", err
	}

	metrics.BatchesSynced.WithLabelValues(b.Branch, b.Table).Inc()
	metrics.RowsMerged.WithLabelValues(b.Branch, b.Table).Add(float64(len(b.Rows)))

	return maxWatermark, nil
}

// tempTableName follows the ##<table>_sync_<worker_id> naming scheme.
// A per-call uuid suffix is added on top of the caller's WorkerID so
// that two batches issued back-to-back by the same worker (e.g. after
// a retry) can never collide even if the previous batch's temp table
// somehow survived a crash.
func tempTableName(table, workerID string) string {
	return ident.Quote(fmt.Sprintf("##%s_sync_%s_%s", table, workerID, uuid.NewString()))
}

func createTempTable(ctx context.Context, tx *sqlx.Tx, tempTable string, b Batch) error {
	cols := make([]string, 0, len(b.Columns)+1)
	cols = append(cols, fmt.Sprintf("%s %s NOT NULL", ident.Quote(reconcile.BranchIdentColumn), reconcile.BranchIdentType))
	for _, col := range b.Columns {
		cd, ok := b.SourceSchema.Columns[col]
		if !ok {
			return errors.Errorf("upsert: column %q not present in source schema for %s", col, b.Table)
		}
		cols = append(cols, fmt.Sprintf("%s %s NULL", ident.Quote(col), schema.RenderType(cd)))
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", tempTable, strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return syncerr.Wrap(syncerr.Data, errors.Wrapf(err, "creating staging table for %s", b.Table))
	}
	return nil
}

// bulkInsert loads Batch.Rows into tempTable using go-mssqldb's
// CopyIn bulk-copy path, prefixing every row with the branch
// identifier.
func bulkInsert(ctx context.Context, tx *sqlx.Tx, tempTable string, b Batch) error {
	bulkCols := append([]string{reconcile.BranchIdentColumn}, b.Columns...)
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(strings.Trim(tempTable, "[]"), mssql.BulkOptions{}, bulkCols...))
	if err != nil {
		return syncerr.Wrap(syncerr.Data, errors.Wrapf(err, "preparing bulk insert for %s", b.Table))
	}
	defer stmt.Close()

	for _, row := range b.Rows {
		args := make([]interface{}, 0, len(row)+1)
		args = append(args, b.Branch)
		args = append(args, row...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return syncerr.Wrap(syncerr.Data, errors.Wrapf(err, "bulk-inserting row into staging table for %s", b.Table))
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return syncerr.Wrap(syncerr.Data, errors.Wrapf(err, "flushing bulk insert for %s", b.Table))
	}
	return nil
}

// merge executes the single MERGE statement, matching on
// BranchIdentifier plus every source PK column (see package doc for
// why this widens the single-column shortcut).
func merge(ctx context.Context, tx *sqlx.Tx, tempTable string, b Batch) error {
	target := ident.NewTable(ident.New(b.TargetSchema), ident.New(b.Table))

	matchCols := append([]string{reconcile.BranchIdentColumn}, b.PrimaryKeyColumns...)
	matchClauses := make([]string, len(matchCols))
	for i, c := range matchCols {
		q := ident.Quote(c)
		matchClauses[i] = fmt.Sprintf("target.%s = source.%s", q, q)
	}

	allCols := append([]string{reconcile.BranchIdentColumn}, b.Columns...)
	pkSet := map[string]bool{}
	for _, c := range matchCols {
		pkSet[strings.ToLower(c)] = true
	}

	var setClauses []string
	for _, c := range b.Columns {
		if pkSet[strings.ToLower(c)] {
			continue
		}
		q := ident.Quote(c)
		setClauses = append(setClauses, fmt.Sprintf("target.%s = source.%s", q, q))
	}
	if len(setClauses) == 0 {
		// A table with no non-PK columns still needs a syntactically
		// valid SET clause, so assign the branch column to itself.
		q := ident.Quote(reconcile.BranchIdentColumn)
		setClauses = append(setClauses, fmt.Sprintf("target.%s = target.%s", q, q))
	}

	insertCols := make([]string, len(allCols))
	insertVals := make([]string, len(allCols))
	for i, c := range allCols {
		q := ident.Quote(c)
		insertCols[i] = q
		insertVals[i] = "source." + q
	}

	sql := fmt.Sprintf(`
MERGE INTO %s AS target
USING %s AS source
ON (%s)
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED BY TARGET THEN INSERT (%s) VALUES (%s);`,
		target.String(), tempTable, strings.Join(matchClauses, " AND "),
		strings.Join(setClauses, ", "),
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))

	if _, err := tx.ExecContext(ctx, sql); err != nil {
		return syncerr.Wrap(syncerr.Data, errors.Wrapf(err, "merging staged batch into %s", target.Raw()))
	}
	return nil
}

func maxWatermarkValue(b Batch) (string, error) {
	idx := -1
	for i, c := range b.Columns {
		if strings.EqualFold(c, b.WatermarkColumn) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", errors.Errorf("upsert: watermark column %q not present in extracted columns", b.WatermarkColumn)
	}

	values := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		values[i] = fmt.Sprintf("%v", row[idx])
	}
	return watermark.MaxOf(values), nil
}
