// Package syncerr names the error taxonomy so callers
// across the engine can classify a failure with errors.Is/errors.As
// rather than string matching.
package syncerr

import "github.com/pkg/errors"

// Sentinel categories. Wrap a concrete error with Wrap(cat, cause)
// or test membership with errors.Is(err, syncerr.Connection), etc.
var (
	// Connection marks a transient failure to open or use a database
	// session. Not fatal to the cycle; the (branch, table) task is
	// retried next cycle.
	Connection = errors.New("connection error")

	// Schema marks a structural problem the Schema Reconciler refuses
	// to fix automatically (PK mismatch, unreconcilable type change).
	// The table is flagged SchemaError until an operator intervenes.
	Schema = errors.New("schema error")

	// Data marks a row-level failure during batch upsert. The batch
	// rolls back in full; the watermark does not advance.
	Data = errors.New("data error")

	// Shutdown marks a benign interruption by cooperative
	// cancellation. Treated as resumable, not a failure.
	Shutdown = errors.New("shutdown signaled")

	// Config marks a problem with the connection file or configuration
	// surface itself (missing target, empty source list). No package
	// in this module returns it: cmd/consolidator checks the
	// connection file once at startup and exits with an error when it
	// does not name exactly one target, and no cycle-level check is
	// made.
	Config = errors.New("configuration error")
)

// Classified wraps an underlying error with one of the sentinel
// categories above, preserving errors.Is/errors.As against both the
// category and the original cause.
type Classified struct {
	Category error
	Cause    error
}

// Error implements error.
func (c *Classified) Error() string {
	if c.Cause == nil {
		return c.Category.Error()
	}
	return c.Category.Error() + ": " + c.Cause.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As, and
// also lets errors.Is(err, syncerr.Connection) succeed via Is below.
func (c *Classified) Unwrap() error { return c.Cause }

// Is reports whether target is this Classified error's category,
// letting errors.Is(wrapped, syncerr.Schema) succeed without also
// matching the (possibly unrelated) Cause chain.
func (c *Classified) Is(target error) bool {
	return c.Category == target
}

// Wrap annotates cause with a taxonomy category.
func Wrap(category, cause error) error {
	if cause == nil {
		return nil
	}
	return &Classified{Category: category, Cause: cause}
}
