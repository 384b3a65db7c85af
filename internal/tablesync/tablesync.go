// Package tablesync implements the Table Sync Engine (C7): the state
// machine driving one (branch, table) through Pending -> InProgress ->
// Complete/Failed/SchemaError.
//
// Grounded on other_examples/b3a271fb_i-cooltea-db-taxi's
// DefaultSyncEngine (sqlx + logrus, per-field structured logging,
// checkpoint-driven resumption), with between-batch cancellation
// checked against a *stopper.Context the same way a long-lived
// retirement loop would.
package tablesync

import (
	"context"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/branchsync/consolidator/internal/branchid"
	"github.com/branchsync/consolidator/internal/dbpool"
	"github.com/branchsync/consolidator/internal/metrics"
	"github.com/branchsync/consolidator/internal/queryplan"
	"github.com/branchsync/consolidator/internal/reconcile"
	"github.com/branchsync/consolidator/internal/schema"
	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
	"github.com/branchsync/consolidator/internal/syncerr"
	"github.com/branchsync/consolidator/internal/syncmeta"
	"github.com/branchsync/consolidator/internal/upsert"
)

// allStatuses is used to zero every status gauge before setting the
// one that currently applies, per internal/metrics.SetTableStatus.
var allStatuses = []string{
	string(syncmeta.StatusPending), string(syncmeta.StatusInProgress),
	string(syncmeta.StatusComplete), string(syncmeta.StatusFailed), string(syncmeta.StatusSchemaError),
}

// connectRetries and connectBackoff implement bounded, linearly
// growing, jittered backoff around a single Connect call, without
// changing the state machine: a handful of retries around connection
// failures, nothing more.
const connectRetries = 3

var connectBackoff = func(attempt int) time.Duration {
	base := time.Duration(attempt) * 500 * time.Millisecond
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	return base + jitter
}

// Engine drives Table Sync Engine invocations for a fixed target. One
// Engine is shared by every worker in a process; it holds no
// per-(branch,table) state itself.
type Engine struct {
	BranchResolver *branchid.Resolver
	TargetSchema   string // consolidated database name, e.g. Config.ConsolidatedTargetDatabase
	// Sinks routes lifecycle logging to the success/error streams;
	// nil falls back to logrus's standard logger.
	Sinks *syncconfig.Sinks

	// openAdmin and open are swappable for tests; default to
	// dbpool.OpenAdmin and dbpool.Open.
	openAdmin openFunc
	open      openFunc
}

type openFunc func(ctx context.Context, cfg syncconfig.ConnectionConfig, opts ...dbpool.Option) (*sqlx.DB, func(), error)

// NewEngine constructs an Engine for a given target database name.
func NewEngine(targetSchema string, sinks *syncconfig.Sinks) *Engine {
	return &Engine{
		BranchResolver: branchid.NewResolver(),
		TargetSchema:   targetSchema,
		Sinks:          sinks,
		openAdmin:      dbpool.OpenAdmin,
		open:           dbpool.Open,
	}
}

// successLogger and errorLogger resolve the Success/Errors streams of
// an Engine's Sinks, falling back to logrus's standard logger when no
// Sinks (or no matching stream) was configured.
func successLogger(s *syncconfig.Sinks) *log.Logger {
	if s != nil && s.Success != nil {
		return s.Success
	}
	return log.StandardLogger()
}

func errorLogger(s *syncconfig.Sinks) *log.Logger {
	if s != nil && s.Errors != nil {
		return s.Errors
	}
	return log.StandardLogger()
}

// Sync runs the full state machine for one (source, table), against
// the single target connection target. workerID distinguishes
// concurrent invocations for temp-table naming.
func (e *Engine) Sync(
	ctx *stopper.Context, source, target, targetAdmin syncconfig.ConnectionConfig,
	spec syncconfig.TableSyncSpec, cfg *syncconfig.Config, workerID string,
) (err error) {
	start := time.Now()

	// Step 1: ensure target database exists.
	admin, closeAdmin, err := connectWithRetry(ctx, func() (*sqlx.DB, func(), error) {
		return e.openAdmin(ctx, targetAdmin)
	})
	if err != nil {
		return err
	}
	if err := dbpool.EnsureDatabase(ctx, admin, e.TargetSchema); err != nil {
		closeAdmin()
		return err
	}
	closeAdmin()

	// Step 2: open source and target sessions.
	sourceDB, closeSource, err := connectWithRetry(ctx, func() (*sqlx.DB, func(), error) {
		return e.open(ctx, source)
	})
	if err != nil {
		return err
	}
	defer closeSource()

	targetDB, closeTarget, err := connectWithRetry(ctx, func() (*sqlx.DB, func(), error) {
		return e.open(ctx, target, dbpool.WithDatabase(e.TargetSchema))
	})
	if err != nil {
		return err
	}
	defer closeTarget()

	// Step 3: provision sync schema / SyncMeta.
	if err := syncmeta.EnsureSchema(ctx, targetDB); err != nil {
		return errors.Wrap(err, "provisioning sync metadata store")
	}

	branch, err := e.BranchResolver.Resolve(ctx, sourceDB, source.Database)
	if err != nil {
		return err
	}
	successEntry := successLogger(e.Sinks).WithFields(log.Fields{"branch": branch, "table": spec.Name})
	errorEntry := errorLogger(e.Sinks).WithFields(log.Fields{"branch": branch, "table": spec.Name})

	// Step 4: get_or_create then mark InProgress.
	rec, err := beginInProgress(ctx, targetDB, branch, spec.Name)
	if err != nil {
		return err
	}

	committedBatches := 0
	finalStatus := syncmeta.StatusFailed
	finalRemarks := ""
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		metrics.SetTableStatus(branch, spec.Name, allStatuses, string(finalStatus))
		if statusErr := syncmeta.UpdateStatus(context.Background(), targetDB, branch, spec.Name, finalStatus, finalRemarks); statusErr != nil {
			errorEntry.WithError(statusErr).Error("could not record final sync status")
		}
	}()

	// Step 5: align schema.
	srcSchema, proceed, schemaErr := alignSchema(ctx, targetDB, sourceDB, e.TargetSchema, spec.Name)
	if schemaErr != nil {
		finalStatus, finalRemarks = syncmeta.StatusFailed, schemaErr.Error()
		errorEntry.WithError(schemaErr).Error("sync aborted while aligning schema")
		return schemaErr
	}
	if !proceed {
		finalStatus = syncmeta.StatusSchemaError
		finalRemarks = "primary key mismatch between source and target; see logs"
		metrics.SchemaErrors.WithLabelValues(branch, spec.Name).Inc()
		errorEntry.Error(finalRemarks)
		return nil
	}

	// Step 6: derive watermark column and merge PK.
	watermarkColumn, _ := queryplan.WatermarkColumn(spec.Name, spec.SyncMethod, srcSchema.PrimaryKeyColumns)

	// Step 7: load last_value, overriding for full syncs.
	lastValue := rec.LastValue
	if spec.SyncMethod == syncconfig.MethodFull {
		lastValue = "0"
	}

	// Step 8: batch loop.
	selectColumns := append([]string{}, srcSchema.ColumnOrder...)
	for {
		if ctx.IsStopping() {
			if committedBatches > 0 {
				finalStatus, finalRemarks = syncmeta.StatusPending, "interrupted by shutdown between batches"
			} else {
				finalStatus, finalRemarks = priorOrPending(rec), "interrupted by shutdown before any batch committed"
			}
			return syncerr.Wrap(syncerr.Shutdown, errors.New("shutdown requested"))
		}

		batchStart := time.Now()
		plan := queryplan.Build(spec.Name, selectColumns, watermarkColumn, lastValue, spec.SyncMethod, spec.BatchSize, cfg.SyncLookbackDays)

		rows, extractErr := extract(ctx, sourceDB, plan.SQL, len(selectColumns))
		if extractErr != nil {
			finalStatus, finalRemarks = classifyLoopFailure(committedBatches), extractErr.Error()
			return syncerr.Wrap(syncerr.Connection, extractErr)
		}
		if len(rows) == 0 {
			break
		}

		tx, txErr := targetDB.BeginTxx(ctx, nil)
		if txErr != nil {
			finalStatus, finalRemarks = classifyLoopFailure(committedBatches), txErr.Error()
			return syncerr.Wrap(syncerr.Connection, errors.WithStack(txErr))
		}

		maxWatermark, applyErr := upsert.Apply(ctx, tx, upsert.Batch{
			Columns:           selectColumns,
			Rows:              rows,
			Branch:            branch,
			Table:             spec.Name,
			TargetSchema:      e.TargetSchema,
			PrimaryKeyColumns: srcSchema.PrimaryKeyColumns,
			WatermarkColumn:   watermarkColumn,
			SourceSchema:      srcSchema,
			WorkerID:          workerID,
		})
		if applyErr != nil {
			_ = tx.Rollback()
			finalStatus, finalRemarks = classifyLoopFailure(committedBatches), applyErr.Error()
			return applyErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			finalStatus, finalRemarks = classifyLoopFailure(committedBatches), commitErr.Error()
			return syncerr.Wrap(syncerr.Data, errors.WithStack(commitErr))
		}

		lastValue = maxWatermark
		committedBatches++
		metrics.BatchDuration.WithLabelValues(branch, spec.Name).Observe(time.Since(batchStart).Seconds())
		successEntry.WithFields(log.Fields{"rows": len(rows), "last_value": lastValue}).Info("committed batch")

		if plan.OneShot {
			break
		}
	}

	finalStatus = syncmeta.StatusComplete
	finalRemarks = "sync cycle completed"
	successEntry.Info(finalRemarks)
	return nil
}

// priorOrPending keeps the original status when no progress was made
// this invocation, except that an InProgress status found on entry (a
// prior crash) always resolves to Pending rather than being echoed
// back unchanged.
func priorOrPending(rec syncmeta.Record) syncmeta.Status {
	switch syncmeta.Status(rec.SyncStatus) {
	case syncmeta.StatusInProgress, "":
		return syncmeta.StatusPending
	default:
		return syncmeta.Status(rec.SyncStatus)
	}
}

func beginInProgress(ctx context.Context, targetDB *sqlx.DB, branch, table string) (syncmeta.Record, error) {
	tx, err := targetDB.BeginTxx(ctx, nil)
	if err != nil {
		return syncmeta.Record{}, syncerr.Wrap(syncerr.Connection, errors.WithStack(err))
	}

	rec, err := syncmeta.GetOrCreate(ctx, tx, branch, table)
	if err != nil {
		_ = tx.Rollback()
		return syncmeta.Record{}, err
	}
	if err := syncmeta.UpdateStatus(ctx, tx, branch, table, syncmeta.StatusInProgress, "Starting sync cycle"); err != nil {
		_ = tx.Rollback()
		return syncmeta.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return syncmeta.Record{}, syncerr.Wrap(syncerr.Connection, errors.WithStack(err))
	}

	return rec, nil
}

// classifyLoopFailure returns Failed if zero batches have ever
// committed, Pending (resumable) otherwise.
func classifyLoopFailure(committedBatches int) syncmeta.Status {
	if committedBatches > 0 {
		return syncmeta.StatusPending
	}
	return syncmeta.StatusFailed
}

func alignSchema(ctx context.Context, targetDB, sourceDB *sqlx.DB, targetSchema, table string) (*schema.TableSchema, bool, error) {
	srcSchema, err := schema.Introspect(ctx, sourceDB, "dbo", table)
	if err != nil {
		return nil, false, err
	}

	tx, err := targetDB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, syncerr.Wrap(syncerr.Connection, errors.WithStack(err))
	}

	result, err := reconcile.Reconcile(ctx, tx, targetSchema, table, srcSchema)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, syncerr.Wrap(syncerr.Schema, errors.WithStack(err))
	}

	return srcSchema, result.Proceed, nil
}

// extract runs plan against the source session and scans every
// resulting row into a slice of interface{} in column order, ready to
// hand to internal/upsert.
func extract(ctx context.Context, sourceDB *sqlx.DB, sql string, numCols int) ([]upsert.Row, error) {
	rows, err := sourceDB.QueryContext(ctx, sql)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []upsert.Row
	for rows.Next() {
		dest := make([]interface{}, numCols)
		ptrs := make([]interface{}, numCols)
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, dest)
	}
	return out, errors.WithStack(rows.Err())
}

// connectWithRetry wraps a connect function with bounded backoff
// around transient connection failures.
func connectWithRetry(ctx context.Context, connect func() (*sqlx.DB, func(), error)) (*sqlx.DB, func(), error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		db, closer, err := connect()
		if err == nil {
			return db, closer, nil
		}
		lastErr = err
		if !errors.Is(err, syncerr.Connection) {
			return nil, func() {}, err
		}
		if attempt == connectRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, func() {}, ctx.Err()
		case <-time.After(connectBackoff(attempt)):
		}
	}
	return nil, func() {}, lastErr
}
