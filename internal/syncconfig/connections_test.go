package syncconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConnectionsFiveAndSixField(t *testing.T) {
	input := `
# comment line, ignored
branch1.db.local,BranchOneDB,svc_branch,secret1,no

branch2.db.local,14333,BranchTwoDB,svc_branch,secret2,no
target.db.local,ConsolidatedDB,svc_target,secret3,yes
`
	conns, err := ParseConnections(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, conns, 3)

	require.Equal(t, ConnectionConfig{
		Server: "branch1.db.local", Port: DefaultPort, Database: "BranchOneDB",
		Username: "svc_branch", Password: "secret1", IsTarget: false,
	}, conns[0])

	require.Equal(t, ConnectionConfig{
		Server: "branch2.db.local", Port: 14333, Database: "BranchTwoDB",
		Username: "svc_branch", Password: "secret2", IsTarget: false,
	}, conns[1])

	require.True(t, conns[2].IsTarget)
}

func TestParseConnectionsSkipsMalformedLines(t *testing.T) {
	input := "only,two,fields\nbranch.db,BranchDB,user,pass,no"
	conns, err := ParseConnections(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "BranchDB", conns[0].Database)
}

func TestPartition(t *testing.T) {
	all := []ConnectionConfig{
		{Database: "A", IsTarget: false},
		{Database: "B", IsTarget: false},
		{Database: "Target", IsTarget: true},
	}
	target, sources, ok := Partition(all)
	require.True(t, ok)
	require.Equal(t, "Target", target.Database)
	require.Len(t, sources, 2)
}

func TestPartitionFailsWithoutExactlyOneTarget(t *testing.T) {
	_, _, ok := Partition([]ConnectionConfig{{Database: "A"}, {Database: "B"}})
	require.False(t, ok)

	_, _, ok = Partition([]ConnectionConfig{{Database: "A", IsTarget: true}, {Database: "B", IsTarget: true}})
	require.False(t, ok)
}
