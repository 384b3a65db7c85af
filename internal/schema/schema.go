// Package schema implements the Schema Introspector (C2): fetching
// column definitions and primary-key ordering for a table, and
// rendering a SQL Server type string from the raw catalog detail.
//
// The introspection queries below follow the sys.columns/sys.types
// catalog-view shape common to MSSQL tooling (see
// other_examples/29cd2eee_..._mssqllisttables.go), trimmed to exactly
// the columns this engine needs.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/branchsync/consolidator/internal/syncerr"
)

// ColumnDetail is one column's catalog detail.
type ColumnDetail struct {
	Name               string
	DataType           string
	MaxLength          int64
	NumericPrecision   int64
	NumericScale       int64
	DatetimePrecision  int64
	IsNullable         bool
	ColumnDefault      string
	OrdinalPosition    int
}

// TableSchema is the result of Introspect: an ordinal-ordered column
// map plus the constraint-ordered primary key.
type TableSchema struct {
	// ColumnOrder preserves ordinal_position order; Columns is keyed
	// by column name as returned by the catalog. Together they form
	// an "ordered map".
	ColumnOrder []string
	Columns     map[string]ColumnDetail

	PrimaryKeyColumns []string
	PKConstraintName  string
}

// ErrSchemaNotFound is returned by Introspect when the table has no
// columns.
var ErrSchemaNotFound = errors.New("schema: table not found or has no columns")

const columnsQuery = `
SELECT
	c.name            AS column_name,
	ty.name           AS data_type,
	c.max_length      AS max_length,
	c.precision       AS numeric_precision,
	c.scale           AS numeric_scale,
	c.column_id       AS ordinal_position,
	c.is_nullable     AS is_nullable,
	ISNULL(dc.definition, '') AS column_default
FROM sys.columns c
JOIN sys.tables t ON c.object_id = t.object_id
JOIN sys.schemas s ON t.schema_id = s.schema_id
JOIN sys.types ty ON c.user_type_id = ty.user_type_id
LEFT JOIN sys.default_constraints dc
	ON dc.parent_object_id = c.object_id AND dc.parent_column_id = c.column_id
WHERE s.name = @p1 AND t.name = @p2
ORDER BY c.column_id ASC
`

const primaryKeyQuery = `
SELECT kc.name AS constraint_name, col.name AS column_name, ic.key_ordinal
FROM sys.key_constraints kc
JOIN sys.tables t ON kc.parent_object_id = t.object_id
JOIN sys.schemas s ON t.schema_id = s.schema_id
JOIN sys.index_columns ic ON ic.object_id = kc.parent_object_id AND ic.index_id = kc.unique_index_id
JOIN sys.columns col ON col.object_id = ic.object_id AND col.column_id = ic.column_id
WHERE kc.type = 'PK' AND s.name = @p1 AND t.name = @p2
ORDER BY ic.key_ordinal ASC
`

// Introspect fetches the column definitions and primary-key ordering
// for schemaName.tableName. PK column order follows the constraint's
// key_ordinal when a constraint name is known; since primaryKeyQuery
// always joins through the constraint, the fallback to table-ordinal
// order only applies when no PK constraint exists at
// all, in which case PrimaryKeyColumns is simply empty.
func Introspect(ctx context.Context, db *sqlx.DB, schemaName, tableName string) (*TableSchema, error) {
	rows, err := db.QueryxContext(ctx, columnsQuery, schemaName, tableName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	out := &TableSchema{Columns: map[string]ColumnDetail{}}
	for rows.Next() {
		var cd ColumnDetail
		var maxLen, prec, scale, ordinal int64
		var nullable bool
		var def string
		var name, dataType string
		if err := rows.Scan(&name, &dataType, &maxLen, &prec, &scale, &ordinal, &nullable, &def); err != nil {
			return nil, errors.WithStack(err)
		}
		cd = ColumnDetail{
			Name:              name,
			DataType:          normalizeTypeName(dataType),
			MaxLength:         maxLen,
			NumericPrecision:  prec,
			NumericScale:      scale,
			DatetimePrecision: scale,
			IsNullable:        nullable,
			ColumnDefault:     def,
			OrdinalPosition:   int(ordinal),
		}
		out.ColumnOrder = append(out.ColumnOrder, name)
		out.Columns[name] = cd
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(out.ColumnOrder) == 0 {
		return nil, syncerr.Wrap(syncerr.Schema, ErrSchemaNotFound)
	}

	pkRows, err := db.QueryxContext(ctx, primaryKeyQuery, schemaName, tableName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var constraintName, columnName string
		var ordinal int
		if err := pkRows.Scan(&constraintName, &columnName, &ordinal); err != nil {
			return nil, errors.WithStack(err)
		}
		out.PKConstraintName = constraintName
		out.PrimaryKeyColumns = append(out.PrimaryKeyColumns, columnName)
	}
	if err := pkRows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	return out, nil
}

// normalizeTypeName normalizes sysname to nvarchar when comparing
// column types, since sysname is just a nvarchar(128) alias.
func normalizeTypeName(dataType string) string {
	if strings.EqualFold(dataType, "sysname") {
		return "nvarchar"
	}
	return dataType
}

// RenderType renders the type string from a
// column's catalog detail.
func RenderType(cd ColumnDetail) string {
	t := strings.ToLower(cd.DataType)
	switch t {
	case "nvarchar", "nchar":
		return fmt.Sprintf("%s(%s)", strings.ToUpper(t), lengthOrMax(cd.MaxLength, 2))
	case "varchar", "char", "varbinary", "binary":
		return fmt.Sprintf("%s(%s)", strings.ToUpper(t), lengthOrMax(cd.MaxLength, 1))
	case "decimal", "numeric":
		return fmt.Sprintf("DECIMAL(%d,%d)", cd.NumericPrecision, cd.NumericScale)
	case "datetime2":
		return fmt.Sprintf("DATETIME2(%d)", cd.DatetimePrecision)
	case "datetimeoffset":
		return fmt.Sprintf("DATETIMEOFFSET(%d)", cd.DatetimePrecision)
	case "time":
		return fmt.Sprintf("TIME(%d)", cd.DatetimePrecision)
	case "date":
		return "DATE"
	case "datetime":
		return "DATETIME"
	case "smalldatetime":
		return "SMALLDATETIME"
	case "float":
		if cd.NumericPrecision > 0 && cd.NumericPrecision <= 53 {
			return fmt.Sprintf("FLOAT(%d)", cd.NumericPrecision)
		}
		return "FLOAT"
	default:
		return strings.ToUpper(t)
	}
}

func lengthOrMax(maxLength int64, bytesPerChar int64) string {
	if maxLength < 0 {
		return "MAX"
	}
	n := maxLength
	if bytesPerChar > 1 {
		n = maxLength / bytesPerChar
	}
	return fmt.Sprintf("%d", n)
}
