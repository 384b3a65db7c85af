// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package dbpool opens and closes the database sessions for the
// Connection Provider (C1): one per source branch, one non-autocommit
// session against the consolidated target, and one autocommit session
// against the target's admin database used to create the consolidated
// database on first sight.
//
// Sessions use the functional-options shape common across this
// codebase's connection helpers. The driver is always SQL Server
// (github.com/microsoft/go-mssqldb). Each session is its own *sqlx.DB
// (a database/sql pool with no connection limit set here), opened for
// one (branch, table) invocation and closed when it ends.
package dbpool

import (
	"context"
	"fmt"
	"net/url"
	"time"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/branchsync/consolidator/internal/syncconfig"
	"github.com/branchsync/consolidator/internal/syncerr"
)

// DefaultConnectTimeout bounds only the initial connect; once
// connected, queries block indefinitely.
const DefaultConnectTimeout = 5 * time.Second

// Option configures a session opened by Open or OpenAdmin.
type Option func(*options)

type options struct {
	connectTimeout time.Duration
	database       string // overrides ConnectionConfig.Database when set
	appName        string
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithDatabase overrides the database named in the ConnectionConfig,
// used to open an admin session against "master".
func WithDatabase(name string) Option {
	return func(o *options) { o.database = name }
}

// WithAppName sets the application_name-equivalent reported by the
// driver, useful for distinguishing sessions in sys.dm_exec_sessions
// during troubleshooting.
func WithAppName(name string) Option {
	return func(o *options) { o.appName = name }
}

func apply(opts []Option) options {
	o := options{connectTimeout: DefaultConnectTimeout, appName: "consolidator"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// dsn renders cfg (with any database override) as a sqlserver:// DSN.
func dsn(cfg syncconfig.ConnectionConfig, o options) string {
	database := cfg.Database
	if o.database != "" {
		database = o.database
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
	}
	q := url.Values{}
	q.Set("database", database)
	q.Set("app name", o.appName)
	q.Set("dial timeout", fmt.Sprintf("%d", int(o.connectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// Open connects to the database named by cfg (or o.database, if
// overridden) and verifies the connection with a Ping bounded by the
// connect timeout. The returned closer must be called on every exit
// path.
func Open(ctx context.Context, cfg syncconfig.ConnectionConfig, opts ...Option) (*sqlx.DB, func(), error) {
	o := apply(opts)
	connStr := dsn(cfg, o)

	db, err := sqlx.Open("sqlserver", connStr)
	if err != nil {
		return nil, func() {}, syncerr.Wrap(syncerr.Connection, errors.WithStack(err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, func() {}, syncerr.Wrap(syncerr.Connection,
			errors.Wrapf(err, "could not connect to %s:%d/%s", cfg.Server, cfg.Port, cfg.Database))
	}

	closer := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("could not close database connection")
		}
	}
	return db, closer, nil
}

// OpenAdmin opens an autocommit session against SQL Server's "master"
// database, used solely to check for and create the consolidated
// target database (step 1).
func OpenAdmin(ctx context.Context, cfg syncconfig.ConnectionConfig, opts ...Option) (*sqlx.DB, func(), error) {
	opts = append([]Option{WithDatabase("master")}, opts...)
	return Open(ctx, cfg, opts...)
}

// EnsureDatabase creates database name on the server reachable through
// admin if it does not already exist. CREATE DATABASE cannot run
// inside a user transaction on SQL Server, so this always executes
// autocommit.
func EnsureDatabase(ctx context.Context, admin *sqlx.DB, name string) error {
	var exists bool
	err := admin.QueryRowContext(ctx,
		`SELECT CASE WHEN DB_ID(@p1) IS NOT NULL THEN 1 ELSE 0 END`, name,
	).Scan(&exists)
	if err != nil {
		return syncerr.Wrap(syncerr.Connection, errors.WithStack(err))
	}
	if exists {
		return nil
	}

	// CREATE DATABASE <name> -- the name is operator-configured
	// (ConsolidatedTargetDatabase), not user/row data, so it is safe to
	// format directly; SQL Server does not support parameterizing DDL
	// identifiers.
	ddl := fmt.Sprintf("CREATE DATABASE %s", quoteDBName(name))
	if _, err := admin.ExecContext(ctx, ddl); err != nil {
		return syncerr.Wrap(syncerr.Connection, errors.Wrapf(err, "creating database %s", name))
	}
	log.WithField("database", name).Info("created consolidated target database")
	return nil
}

func quoteDBName(name string) string {
	return "[" + name + "]"
}
