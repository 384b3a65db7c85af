// Package enginetest: Fixture bundles the database-backed services a
// test needs behind one constructor, scaled down to what this
// engine's tests actually need: a mocked target session and a minimal
// but valid Config/ConnectionConfig set.
package enginetest

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/branchsync/consolidator/internal/syncconfig"
)

// Fixture bundles a mocked target database session with the
// configuration values most orchestrator/tablesync tests need,
// analogous to the sinktest Fixture bundling pools and watchers
// behind one struct.
type Fixture struct {
	TargetDB   *sqlx.DB
	TargetMock sqlmock.Sqlmock
	Target     syncconfig.ConnectionConfig
	Admin      syncconfig.ConnectionConfig
	Sources    []syncconfig.ConnectionConfig
	Config     *syncconfig.Config
}

// NewFixture opens a sqlmock-backed target session and returns a
// Fixture with a minimal valid Config for one consolidated database
// and the given number of source branches.
func NewFixture(t *testing.T, branches int) *Fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sources := make([]syncconfig.ConnectionConfig, branches)
	for i := range sources {
		sources[i] = syncconfig.ConnectionConfig{
			Server: "branch.example.internal", Port: syncconfig.DefaultPort,
			Database: branchDatabaseName(i), Username: "svc_sync", Password: "secret",
		}
	}

	cfg := &syncconfig.Config{
		TablesToSync:               []string{"Customer", "SaleHeader"},
		SyncMethods:                map[string]string{},
		BatchSizeMap:               map[string]int{},
		RunIntervalSeconds:         300,
		AllowedStartTime:           "00:00",
		AllowedEndTime:             "00:00",
		ConsolidatedTargetDatabase: "Consolidated",
	}
	require.NoError(t, cfg.Validate())

	return &Fixture{
		TargetDB:   sqlx.NewDb(db, "sqlmock"),
		TargetMock: mock,
		Target:     syncconfig.ConnectionConfig{Server: "target.example.internal", Port: syncconfig.DefaultPort, Database: "Consolidated", Username: "svc_target", Password: "secret", IsTarget: true},
		Admin:      syncconfig.ConnectionConfig{Server: "target.example.internal", Port: syncconfig.DefaultPort, Database: "master", Username: "svc_target", Password: "secret", IsTarget: true},
		Sources:    sources,
		Config:     cfg,
	}
}

func branchDatabaseName(i int) string {
	names := []string{"BranchOneDB", "BranchTwoDB", "BranchThreeDB", "BranchFourDB"}
	if i < len(names) {
		return names[i]
	}
	return "BranchDB"
}
