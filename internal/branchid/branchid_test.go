package branchid

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestResolveReadsBotmess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("  BRANCH-ONE  "))

	r := NewResolver()
	id, err := r.Resolve(context.Background(), sqlxDB, "Branch1DB")
	require.NoError(t, err)
	require.Equal(t, "branch-one", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("branch-two"))

	r := NewResolver()
	first, err := r.Resolve(context.Background(), sqlxDB, "Branch2DB")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), sqlxDB, "branch2db")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.NoError(t, mock.ExpectationsWereMet()) // only one query expected
}

func TestResolveFallsBackToDatabaseNameWhenEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow(""))

	id, err := NewResolver().Resolve(context.Background(), sqlxDB, "Branch3DB")
	require.NoError(t, err)
	require.Equal(t, "branch3db", id)
}

func TestResolveFallsBackWhenLogoTableMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnError(sql.ErrNoRows)

	id, err := NewResolver().Resolve(context.Background(), sqlxDB, "Branch4DB")
	require.NoError(t, err)
	require.Equal(t, "branch4db", id)
}

func TestRefreshForcesRequery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("branch-five"))
	mock.ExpectQuery("SELECT TOP 1 BOTMESS1 FROM \\[Logo\\]").
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("branch-five-renamed"))

	r := NewResolver()
	first, err := r.Resolve(context.Background(), sqlxDB, "Branch5DB")
	require.NoError(t, err)
	require.Equal(t, "branch-five", first)

	r.Refresh("Branch5DB")
	second, err := r.Resolve(context.Background(), sqlxDB, "Branch5DB")
	require.NoError(t, err)
	require.Equal(t, "branch-five-renamed", second)
	require.NoError(t, mock.ExpectationsWereMet())
}
