// Package ident holds SQL Server identifier types and the
// bracket-quoting rules used to embed them safely in generated DDL and
// DML text.
package ident

import "strings"

// An Ident is a single SQL Server identifier, such as a column,
// schema, or table name. The zero value is not a valid identifier.
type Ident struct {
	raw string
}

// New wraps a raw identifier.
func New(raw string) Ident { return Ident{raw: raw} }

// Raw returns the unquoted identifier text.
func (i Ident) Raw() string { return i.raw }

// String implements fmt.Stringer by returning the bracket-quoted form.
func (i Ident) String() string { return Quote(i.raw) }

// IsEmpty returns true for the zero value.
func (i Ident) IsEmpty() bool { return i.raw == "" }

// A Table names a table within a schema.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable joins a schema and table name.
func NewTable(schema, name Ident) Table {
	return Table{Schema: schema, Name: name}
}

// Raw returns "schema.table" without bracket quoting.
func (t Table) Raw() string { return t.Schema.Raw() + "." + t.Name.Raw() }

// String returns "[schema].[table]".
func (t Table) String() string { return t.Schema.String() + "." + t.Name.String() }

// Quote brackets a single identifier, doubling any embedded "]" per
// SQL Server's bracket-quoting rule.
func Quote(raw string) string {
	escaped := strings.ReplaceAll(raw, "]", "]]")
	var b strings.Builder
	b.Grow(len(escaped) + 2)
	b.WriteByte('[')
	b.WriteString(escaped)
	b.WriteByte(']')
	return b.String()
}

// QuoteLiteral escapes a string for use as a single-quoted SQL Server
// string literal by doubling embedded single quotes.
//
// Known weakness: callers of this function in
// internal/queryplan inline watermark values produced only from prior
// result sets, never from untrusted input, as a substitute for true
// parameterization of the WHERE clause.
func QuoteLiteral(raw string) string {
	escaped := strings.ReplaceAll(raw, "'", "''")
	return "'" + escaped + "'"
}
