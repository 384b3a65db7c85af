// Package reconcile implements the Schema Reconciler (C4): ensuring
// the target consolidated table exists and matches the source, with
// the branch-identifier column injected and a composite primary key
// enforced.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/branchsync/consolidator/internal/ident"
	"github.com/branchsync/consolidator/internal/schema"
	"github.com/branchsync/consolidator/internal/syncerr"
)

// BranchIdentColumn is the injected column every consolidated table
// carries.
const BranchIdentColumn = "BranchIdentifier"

// BranchIdentType is the fixed column type for BranchIdentColumn.
const BranchIdentType = "NVARCHAR(255)"

// Result reports what Reconcile decided about the table.
type Result struct {
	// Proceed is true if sync may continue for this table.
	Proceed bool
	// SchemaError is true if a PK mismatch halted the table
	// (Proceed is always false in that case).
	SchemaError bool
	Remarks     string
}

// Reconcile ensures schemaName.tableName exists in the target
// database and matches src. tx is a transaction the caller commits or
// rolls back; on DDL failure Reconcile itself does not roll back (the
// caller owns that), but it does return a non-nil error so the caller
// knows to.
func Reconcile(
	ctx context.Context, tx *sqlx.Tx, targetSchema, tableName string, src *schema.TableSchema,
) (Result, error) {
	exists, err := tableExists(ctx, tx, targetSchema, tableName)
	if err != nil {
		return Result{}, err
	}

	if !exists {
		if err := createTable(ctx, tx, targetSchema, tableName, src); err != nil {
			return Result{}, err
		}
		return Result{Proceed: true}, nil
	}

	return reconcileExisting(ctx, tx, targetSchema, tableName, src)
}

func tableExists(ctx context.Context, tx *sqlx.Tx, schemaName, tableName string) (bool, error) {
	var exists bool
	err := tx.QueryRowxContext(ctx, `
		SELECT CASE WHEN EXISTS (
			SELECT 1 FROM sys.tables t JOIN sys.schemas s ON t.schema_id = s.schema_id
			WHERE s.name = @p1 AND t.name = @p2
		) THEN 1 ELSE 0 END`, schemaName, tableName).Scan(&exists)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return exists, nil
}

// createTable creates a new target table: branch identifier first,
// source columns in ordinal order, composite PK named
// PK_<table>_Composite.
func createTable(ctx context.Context, tx *sqlx.Tx, targetSchema, tableName string, src *schema.TableSchema) error {
	table := ident.NewTable(ident.New(targetSchema), ident.New(tableName))

	var cols []string
	cols = append(cols, fmt.Sprintf("%s %s NOT NULL", ident.Quote(BranchIdentColumn), BranchIdentType))
	for _, name := range src.ColumnOrder {
		cd := src.Columns[name]
		cols = append(cols, fmt.Sprintf("%s %s %s", ident.Quote(name), schema.RenderType(cd), nullability(cd.IsNullable)))
	}

	pkCols := append([]string{BranchIdentColumn}, src.PrimaryKeyColumns...)
	pkName := fmt.Sprintf("PK_%s_Composite", tableName)
	pkColsQuoted := make([]string, len(pkCols))
	for i, c := range pkCols {
		pkColsQuoted[i] = ident.Quote(c)
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (\n\t%s,\n\tCONSTRAINT %s PRIMARY KEY (%s)\n)",
		table.String(), strings.Join(cols, ",\n\t"), ident.Quote(pkName), strings.Join(pkColsQuoted, ", "))

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return syncerr.Wrap(syncerr.Schema, errors.Wrapf(err, "creating table %s", table.Raw()))
	}
	log.WithField("table", table.Raw()).Info("created consolidated target table")
	return nil
}

func nullability(isNullable bool) string {
	if isNullable {
		return "NULL"
	}
	return "NOT NULL"
}

// reconcileExisting handles the case where the target table already
// exists: add missing columns, warn on type or nullability mismatches,
// and halt on a primary-key mismatch.
func reconcileExisting(
	ctx context.Context, tx *sqlx.Tx, targetSchema, tableName string, src *schema.TableSchema,
) (Result, error) {
	table := ident.NewTable(ident.New(targetSchema), ident.New(tableName))

	targetCols, err := targetColumns(ctx, tx, targetSchema, tableName)
	if err != nil {
		return Result{}, err
	}

	if _, hasBranchIdent := targetCols[BranchIdentColumn]; !hasBranchIdent {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD %s %s NULL",
			table.String(), ident.Quote(BranchIdentColumn), BranchIdentType)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return Result{}, syncerr.Wrap(syncerr.Schema, errors.Wrapf(err, "adding %s to %s", BranchIdentColumn, table.Raw()))
		}
		log.WithField("table", table.Raw()).
			Error("added BranchIdentifier as NULLABLE; operator must backfill existing rows and then tighten the column to NOT NULL")
		targetCols[BranchIdentColumn] = struct{}{}
	}

	targetPK, err := targetPrimaryKey(ctx, tx, targetSchema, tableName)
	if err != nil {
		return Result{}, err
	}
	expectedPK := append([]string{BranchIdentColumn}, src.PrimaryKeyColumns...)
	if !sameSet(targetPK, expectedPK) {
		remarks := fmt.Sprintf(
			"target PK %s does not match expected composite PK %s; automatic PK migration is not performed",
			strings.Join(sortedCopy(targetPK), ","), strings.Join(sortedCopy(expectedPK), ","))
		log.WithField("table", table.Raw()).Error(remarks)
		return Result{SchemaError: true, Remarks: remarks}, nil
	}

	for _, name := range src.ColumnOrder {
		cd := src.Columns[name]
		if _, ok := targetCols[name]; !ok {
			ddl := fmt.Sprintf("ALTER TABLE %s ADD %s %s %s",
				table.String(), ident.Quote(name), schema.RenderType(cd), nullability(cd.IsNullable))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return Result{}, syncerr.Wrap(syncerr.Schema, errors.Wrapf(err, "adding column %s to %s", name, table.Raw()))
			}
			log.WithFields(log.Fields{"table": table.Raw(), "column": name}).Info("added missing column")
			continue
		}

		diff, ok := columnDiff(ctx, tx, targetSchema, tableName, name, cd)
		if ok && diff != "" {
			log.WithFields(log.Fields{"table": table.Raw(), "column": name}).Warn(diff)
		}
	}

	return Result{Proceed: true}, nil
}

func targetColumns(ctx context.Context, tx *sqlx.Tx, schemaName, tableName string) (map[string]struct{}, error) {
	rows, err := tx.QueryxContext(ctx, `
		SELECT c.name FROM sys.columns c
		JOIN sys.tables t ON c.object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		WHERE s.name = @p1 AND t.name = @p2`, schemaName, tableName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		out[name] = struct{}{}
	}
	return out, errors.WithStack(rows.Err())
}

func targetPrimaryKey(ctx context.Context, tx *sqlx.Tx, schemaName, tableName string) ([]string, error) {
	rows, err := tx.QueryxContext(ctx, `
		SELECT col.name
		FROM sys.key_constraints kc
		JOIN sys.tables t ON kc.parent_object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		JOIN sys.index_columns ic ON ic.object_id = kc.parent_object_id AND ic.index_id = kc.unique_index_id
		JOIN sys.columns col ON col.object_id = ic.object_id AND col.column_id = ic.column_id
		WHERE kc.type = 'PK' AND s.name = @p1 AND t.name = @p2`, schemaName, tableName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, name)
	}
	return out, errors.WithStack(rows.Err())
}

// columnDiff reports (and does not fix) a type-string or nullability
// disagreement between source and target for an existing column --
// callers log a warning and continue rather than treating it as
// fatal. The second return value is false if the target column's
// detail could not be read, e.g. because it is a type sys.types
// doesn't describe the same way.
func columnDiff(ctx context.Context, tx *sqlx.Tx, schemaName, tableName, column string, src schema.ColumnDetail) (string, bool) {
	row := tx.QueryRowxContext(ctx, `
		SELECT ty.name, c.max_length, c.precision, c.scale, c.is_nullable
		FROM sys.columns c
		JOIN sys.tables t ON c.object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		JOIN sys.types ty ON c.user_type_id = ty.user_type_id
		WHERE s.name = @p1 AND t.name = @p2 AND c.name = @p3`, schemaName, tableName, column)

	var dataType string
	var maxLen, prec, scale int64
	var nullable bool
	if err := row.Scan(&dataType, &maxLen, &prec, &scale, &nullable); err != nil {
		return "", false
	}

	targetDetail := schema.ColumnDetail{
		DataType: dataType, MaxLength: maxLen, NumericPrecision: prec,
		NumericScale: scale, DatetimePrecision: scale, IsNullable: nullable,
	}
	srcType, targetType := schema.RenderType(src), schema.RenderType(targetDetail)
	if srcType != targetType {
		return fmt.Sprintf("column %s: source type %s differs from target type %s (manual review required)", column, srcType, targetType), true
	}
	if src.IsNullable != nullable {
		return fmt.Sprintf("column %s: source nullability %v differs from target nullability %v (manual review required)", column, src.IsNullable, nullable), true
	}
	return "", true
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := sortedCopy(a), sortedCopy(b)
	for i := range as {
		if !strings.EqualFold(as[i], bs[i]) {
			return false
		}
	}
	return true
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
