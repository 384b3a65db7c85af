// Package branchid resolves the BranchIdentifier string a source
// connection tags every consolidated row with: read
// Logo.BOTMESS1 from the source, lowercased and trimmed; fall back to
// the source database name lowercased if BOTMESS1 is absent or empty.
//
// original_source/utils/sync_utils.py resolves this once per branch
// per process lifetime rather than re-querying Logo every cycle;
// Resolver mirrors that by caching per database name.
package branchid

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const logoQuery = `SELECT TOP 1 BOTMESS1 FROM [Logo]`

// Resolver caches BranchIdentifier by source database name for the
// life of the process.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: map[string]string{}}
}

// Resolve returns the BranchIdentifier for a source connection,
// consulting the cache before querying Logo.BOTMESS1.
func (r *Resolver) Resolve(ctx context.Context, source *sqlx.DB, database string) (string, error) {
	key := strings.ToLower(database)

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	id, err := resolveFromLogo(ctx, source, database)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = id
	r.mu.Unlock()
	return id, nil
}

// Refresh forgets any cached value for database, for use by tests
// that need to observe a fresh Logo.BOTMESS1 read.
func (r *Resolver) Refresh(database string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, strings.ToLower(database))
}

func resolveFromLogo(ctx context.Context, source *sqlx.DB, database string) (string, error) {
	var botmess sql.NullString
	err := source.QueryRowContext(ctx, logoQuery).Scan(&botmess)
	switch {
	case err == nil:
		id := strings.ToLower(strings.TrimSpace(botmess.String))
		if id != "" {
			return id, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to the database-name fallback.
	default:
		return "", errors.Wrap(err, "branchid: querying Logo.BOTMESS1")
	}

	return strings.ToLower(strings.TrimSpace(database)), nil
}
