package ident

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"Customer":   "[Customer]",
		"Weird]Name": "[Weird]]Name]",
		"":           "[]",
		"a]]b":       "[a]]]]b]",
	}
	for raw, want := range cases {
		require.Equal(t, want, Quote(raw), "raw=%q", raw)
	}
}

func TestQuoteLiteral(t *testing.T) {
	require.Equal(t, "'O''Brien'", QuoteLiteral("O'Brien"))
	require.Equal(t, "'2024-01-01'", QuoteLiteral("2024-01-01"))
}

func TestIdentStringAndRaw(t *testing.T) {
	i := New("BranchIdentifier")
	require.Equal(t, "BranchIdentifier", i.Raw())
	require.Equal(t, "[BranchIdentifier]", i.String())
	require.False(t, i.IsEmpty())
	require.True(t, New("").IsEmpty())
}

func TestTableStringAndRaw(t *testing.T) {
	tbl := NewTable(New("dbo"), New("SaleHeader"))
	require.Equal(t, "dbo.SaleHeader", tbl.Raw())
	require.Equal(t, "[dbo].[SaleHeader]", tbl.String())
}
