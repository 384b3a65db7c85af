// Package queryplan implements the Query Planner (C5): building a
// single bounded, ordered extraction query per
// (table, sync_method, watermark).
package queryplan

import (
	"fmt"
	"strings"

	"github.com/branchsync/consolidator/internal/ident"
	"github.com/branchsync/consolidator/internal/syncconfig"
)

// dateColumnOverrides implements per-table date-column
// exceptions for sync_method in {timestamp, hybrid}.
var dateColumnOverrides = map[string]string{
	"saledetail":  "TrnDate",
	"saleheader":  "TrnDate",
	"debitheader": "VoucherDate",
}

// pureDateWatermarks are the date-typed watermark columns that carry
// many rows per timestamp value. For these, a plain ">" filter against
// the last committed value would permanently exclude every other row
// sharing that exact timestamp once the watermark advances past it, so
// under sync_method=timestamp the lookback ">=" window is the only
// filter applied. Other sync methods still apply ">" to them.
var pureDateWatermarks = map[string]bool{
	"trndate":     true,
	"voucherdate": true,
}

// Plan is a single bounded SELECT ready to execute against a source
// session.
type Plan struct {
	SQL string
	// OneShot is true for sync_method=full: the caller exits the
	// batch loop after the first execution regardless of row count.
	OneShot bool
}

// Build renders the extraction query for one batch.
//
// selectColumns must be bracket-quotable column names in the order
// the caller wants them returned (and therefore the order the Batch
// Upserter will see them in).
func Build(
	table string, selectColumns []string, watermarkColumn, lastValue, syncMethod string,
	batchSize int, lookbackDays int,
) Plan {
	quotedCols := make([]string, len(selectColumns))
	for i, c := range selectColumns {
		quotedCols[i] = ident.Quote(c)
	}

	var where []string
	oneShot := syncMethod == syncconfig.MethodFull
	skipGreaterThan := syncMethod == syncconfig.MethodTimestamp && pureDateWatermarks[strings.ToLower(watermarkColumn)]
	if !oneShot && !skipGreaterThan {
		where = append(where, fmt.Sprintf("%s > %s", ident.Quote(watermarkColumn), ident.QuoteLiteral(lastValue)))
	}

	if syncMethod == syncconfig.MethodTimestamp || syncMethod == syncconfig.MethodHybrid {
		dateColumn := dateColumnOverrides[strings.ToLower(table)]
		if dateColumn == "" {
			dateColumn = watermarkColumn
		}
		cutoff := fmt.Sprintf("DATEADD(day, -%d, GETUTCDATE())", lookbackDays)
		where = append(where, fmt.Sprintf("%s >= %s", ident.Quote(dateColumn), cutoff))
	}

	sql := fmt.Sprintf("SELECT TOP %d %s FROM %s", batchSize, strings.Join(quotedCols, ", "), ident.Quote(table))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY %s ASC", ident.Quote(watermarkColumn))

	return Plan{SQL: sql, OneShot: oneShot}
}

// WatermarkColumn resolves (watermark_column, pk_for_merge) for one
// table's sync method. It is exported so internal/tablesync does not
// duplicate the exception table.
func WatermarkColumn(table, syncMethod string, sourcePrimaryKey []string) (watermarkColumn string, pkForMerge string) {
	pkForMerge = ""
	if len(sourcePrimaryKey) > 0 {
		pkForMerge = sourcePrimaryKey[0]
	}

	watermarkColumn = pkForMerge
	switch {
	case syncMethod == syncconfig.MethodTimestamp:
		if override, ok := dateColumnOverrides[strings.ToLower(table)]; ok {
			watermarkColumn = override
		}
	case syncMethod == syncconfig.MethodAutono, syncMethod == syncconfig.MethodHybrid, syncMethod == syncconfig.MethodFull:
		// Use the PK-derived default.
	default:
		// A literal column name overrides the PK-derived default.
		watermarkColumn = syncMethod
	}
	return watermarkColumn, pkForMerge
}
