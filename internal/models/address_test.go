package models

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAddress_Format(t *testing.T) {
	addr := ToAddress(0, 0)
	assert.Equal(t, "8000:0000:0000:0000:8000:0000:0000:0000", addr)
	assert.Len(t, ToAddress(42, 1_700_000_000_000), len(addr))
}

func TestAddress_RoundTrip(t *testing.T) {
	points := []BranchPoint{
		{0, 0},
		{1, 1},
		{7, 1_700_000_000_123_456_789},
		{math.MaxInt64, Infinity},
		{-1, -5},
	}
	for _, p := range points {
		parsed, err := ParseAddress(p.Address())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}

func TestAddress_PreservesOrder(t *testing.T) {
	points := []BranchPoint{
		{2, 10}, {0, 5}, {1, Infinity}, {0, 100}, {1, 0}, {0, -3}, {10, 1},
	}
	sorted := make([]BranchPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })

	addrs := make([]string, len(points))
	for i, p := range points {
		addrs[i] = p.Address()
	}
	sort.Strings(addrs)

	for i, p := range sorted {
		assert.Equal(t, p.Address(), addrs[i], "position %d", i)
	}
}

func TestParseAddress_RejectsNonCanonical(t *testing.T) {
	valid := ToAddress(3, 99)

	tests := []struct {
		name string
		addr string
	}{
		{"empty", ""},
		{"uppercase", "8000:0000:0000:0003:8000:0000:0000:006A"},
		{"missing group", valid[:34]},
		{"wrong delimiter", "8000-0000:0000:0003:8000:0000:0000:0063"},
		{"non hex", "8000:0000:0000:000g:8000:0000:0000:0063"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAddress(tt.addr)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}
