package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetTableStatusExclusiveAcrossStatuses(t *testing.T) {
	statuses := []string{"Pending", "InProgress", "Complete", "Failed", "SchemaError"}

	SetTableStatus("branch1", "Customer", statuses, "InProgress")
	require.Equal(t, float64(1), testutil.ToFloat64(TableStatus.WithLabelValues("branch1", "Customer", "InProgress")))
	require.Equal(t, float64(0), testutil.ToFloat64(TableStatus.WithLabelValues("branch1", "Customer", "Complete")))

	SetTableStatus("branch1", "Customer", statuses, "Complete")
	require.Equal(t, float64(0), testutil.ToFloat64(TableStatus.WithLabelValues("branch1", "Customer", "InProgress")))
	require.Equal(t, float64(1), testutil.ToFloat64(TableStatus.WithLabelValues("branch1", "Customer", "Complete")))
}
