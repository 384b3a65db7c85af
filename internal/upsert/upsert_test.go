package upsert

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/branchsync/consolidator/internal/schema"
)

func TestMaxWatermarkValuePicksNumericMax(t *testing.T) {
	b := Batch{
		Columns:         []string{"CustomerID", "UpdatedAt"},
		WatermarkColumn: "CustomerID",
		Rows: []Row{
			{9, "x"},
			{105, "y"},
			{42, "z"},
		},
	}
	max, err := maxWatermarkValue(b)
	require.NoError(t, err)
	require.Equal(t, "105", max)
}

func TestMaxWatermarkValueMissingColumn(t *testing.T) {
	b := Batch{Columns: []string{"CustomerID"}, WatermarkColumn: "NotThere", Rows: []Row{{1}}}
	_, err := maxWatermarkValue(b)
	require.Error(t, err)
}

func TestTempTableNameIsGlobalAndUnique(t *testing.T) {
	a := tempTableName("Customer", "worker-1")
	b := tempTableName("Customer", "worker-1")
	require.Contains(t, a, "##Customer_sync_worker-1_")
	require.NotEqual(t, a, b, "each call must mint a fresh suffix")
}

func TestApplyRejectsEmptyBatch(t *testing.T) {
	_, err := Apply(context.Background(), nil, Batch{})
	require.Error(t, err)
}

func TestApplyStagesAndMerges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	mock.ExpectBegin()
	tx, err := sqlxDB.Beginx()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE \\[##Customer_sync_worker-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("(?i)insert")
	mock.ExpectExec("(?i)insert").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("(?i)insert").WillReturnResult(sqlmock.NewResult(0, 0))
	// The INSERT column list inside WHEN NOT MATCHED must be
	// unqualified; SQL Server rejects a table/alias-qualified column
	// list there.
	mock.ExpectExec("INSERT \\(\\[BranchIdentifier\\], \\[CustomerID\\], \\[Name\\]\\) VALUES \\(source\\.\\[BranchIdentifier\\], source\\.\\[CustomerID\\], source\\.\\[Name\\]\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE \\[sync\\]\\.\\[SyncMeta\\]").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DROP TABLE IF EXISTS \\[##Customer_sync_worker-1").WillReturnResult(sqlmock.NewResult(0, 0))

	b := Batch{
		Columns:           []string{"CustomerID", "Name"},
		Rows:              []Row{{1, "Ann"}},
		Branch:            "branch1",
		Table:             "Customer",
		TargetSchema:      "Consolidated",
		PrimaryKeyColumns: []string{"CustomerID"},
		WatermarkColumn:   "CustomerID",
		SourceSchema: &schema.TableSchema{
			ColumnOrder: []string{"CustomerID", "Name"},
			Columns: map[string]schema.ColumnDetail{
				"CustomerID": {DataType: "int"},
				"Name":       {DataType: "nvarchar", MaxLength: 200, IsNullable: true},
			},
		},
		WorkerID: "worker-1",
	}

	max, err := Apply(context.Background(), tx, b)
	require.NoError(t, err)
	require.Equal(t, "1", max)
	require.NoError(t, mock.ExpectationsWereMet())
}
