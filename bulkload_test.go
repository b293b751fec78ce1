package bptree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = rec(int32(i+1), float32(i+1))
	}
	return records
}

func TestBulkLoadThousand(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	require.NoError(t, tr.BulkLoad(sequentialRecords(1000), 0.7))

	records, err := tr.RangeScan(100, 105)
	require.NoError(t, err)
	var keys []int32
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []int32{100, 101, 102, 103, 104, 105}, keys)

	// order 4 at fill 0.7 packs two records per leaf and three children per
	// internal node: ceil(log3(500)) internal levels above the leaves
	assert.Equal(t, 7, treeHeight(t, tr))
	assert.Equal(t, uint32(1000), tr.Len())

	chain := leafChainKeys(t, tr)
	require.Len(t, chain, 1000)
	assert.True(t, sort.SliceIsSorted(chain, func(i, j int) bool { return chain[i] < chain[j] }))
}

func TestBulkLoadMatchesIncrementalInsert(t *testing.T) {
	records := sequentialRecords(137)

	bulk := newMemTree(t, 4, 2)
	require.NoError(t, bulk.BulkLoad(records, 0.7))

	incr := newMemTree(t, 4, 2)
	for _, r := range records {
		require.NoError(t, incr.Insert(r))
	}

	bulkOut, err := bulk.RangeScan(-1000, 1000)
	require.NoError(t, err)
	incrOut, err := incr.RangeScan(-1000, 1000)
	require.NoError(t, err)
	require.Equal(t, len(incrOut), len(bulkOut))
	for i := range bulkOut {
		assert.Equal(t, incrOut[i].Key, bulkOut[i].Key)
		assert.Equal(t, incrOut[i].Vector, bulkOut[i].Vector)
	}
}

func TestBulkLoadSmall(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"empty", 0},
		{"single", 1},
		{"one leaf", 2},
		{"two leaves", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMemTree(t, 4, 2)
			require.NoError(t, tr.BulkLoad(sequentialRecords(tt.n), 0.7))
			records, err := tr.RangeScan(-1, 1000)
			require.NoError(t, err)
			assert.Len(t, records, tt.n)
		})
	}
}

func TestBulkLoadRejectsBadInput(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	err := tr.BulkLoad([]Record{rec(2, 2), rec(1, 1)}, 0.7)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = tr.BulkLoad(sequentialRecords(4), 0.2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, tr.BulkLoad(sequentialRecords(4), 0.7))
	err = tr.BulkLoad(sequentialRecords(4), 0.7)
	assert.ErrorIs(t, err, ErrInvalidArgument, "bulk load over a non-empty tree")
}

func TestBulkLoadSeparateStorage(t *testing.T) {
	tr := newDiskTree(t, 4, 2, true)
	require.NoError(t, tr.BulkLoad(sequentialRecords(50), 0.7))
	got, err := tr.Search(25)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []float32{25}, got.Vector)
}
