package bptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndSearch(t *testing.T) {
	tr := newMemTree(t, 4, 4)

	keys := []int32{17, 3, 42, 8, 25, 1, 99, 56, 12, 30}
	for _, k := range keys {
		require.NoError(t, tr.Insert(rec(k, float32(k), float32(k)*2)))
	}
	checkInvariants(t, tr)
	require.Equal(t, uint32(len(keys)), tr.Len())

	for _, k := range keys {
		got, err := tr.Search(k)
		require.NoError(t, err)
		require.NotNil(t, got, "key %d", k)
		assert.Equal(t, k, got.Key)
		assert.Equal(t, []float32{float32(k), float32(k) * 2}, got.Vector)
	}

	missing, err := tr.Search(1000)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSearchEmptyTree(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	got, err := tr.Search(1)
	require.NoError(t, err)
	assert.Nil(t, got)

	records, err := tr.RangeScan(0, 100)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInsertManyKeepsLeafChainSorted(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	// a mix of ascending and descending runs to force splits on both ends
	for i := 0; i < 200; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	for i := 399; i >= 200; i-- {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	checkInvariants(t, tr)

	keys := leafChainKeys(t, tr)
	require.Len(t, keys, 400)
	for i, k := range keys {
		assert.Equal(t, int32(i), k)
	}
}

func TestDuplicateKeysInline(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	require.NoError(t, tr.Insert(rec(5, 5.0)))
	require.NoError(t, tr.Insert(rec(5, 5.1)))

	got, err := tr.Search(5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(5), got.Key)

	records, err := tr.RangeScan(5, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// insertion order is preserved
	assert.Equal(t, []float32{5.0}, records[0].Vector)
	assert.Equal(t, []float32{5.1}, records[1].Vector)
}

func TestDuplicateKeysSeparateStorage(t *testing.T) {
	tr := newDiskTree(t, 4, 2, true)
	require.NoError(t, tr.Insert(rec(5, 5.0)))
	require.NoError(t, tr.Insert(rec(5, 5.1)))
	require.NoError(t, tr.Insert(rec(7, 7.0)))

	records, err := tr.RangeScan(5, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []float32{5.0}, records[0].Vector)
	assert.Equal(t, []float32{5.1}, records[1].Vector)

	// both duplicates share one leaf slot
	keys := leafChainKeys(t, tr)
	assert.Equal(t, []int32{5, 7}, keys)
	assert.Equal(t, uint32(3), tr.Len())
}

func TestRangeScan(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 1; i <= 100; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}

	tests := []struct {
		name     string
		min, max int32
		want     []int32
	}{
		{"inner", 10, 15, []int32{10, 11, 12, 13, 14, 15}},
		{"single", 42, 42, []int32{42}},
		{"clipped low", -5, 3, []int32{1, 2, 3}},
		{"clipped high", 98, 200, []int32{98, 99, 100}},
		{"empty", 150, 160, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := tr.RangeScan(tt.min, tt.max)
			require.NoError(t, err)
			var got []int32
			for _, r := range records {
				got = append(got, r.Key)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := tr.RangeScan(10, 5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeleteWithRebalance(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 1; i <= 50; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	for _, k := range []int32{10, 11, 12} {
		deleted, err := tr.DeleteKey(k)
		require.NoError(t, err)
		require.True(t, deleted, "key %d", k)
		checkInvariants(t, tr)
	}

	records, err := tr.RangeScan(9, 13)
	require.NoError(t, err)
	var keys []int32
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []int32{9, 13}, keys)
	assert.Equal(t, uint32(47), tr.Len())
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	require.NoError(t, tr.Insert(rec(1, 1)))

	deleted, err := tr.DeleteKey(2)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = tr.DeleteRecord(1, []float32{9})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteEverything(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	const n = 64
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	for i := 0; i < n; i++ {
		deleted, err := tr.DeleteKey(int32(i))
		require.NoError(t, err)
		require.True(t, deleted, "key %d", i)
		checkInvariants(t, tr)
	}
	assert.Equal(t, uint32(0), tr.Len())
	got, err := tr.Search(5)
	require.NoError(t, err)
	assert.Nil(t, got)

	// the tree is usable again after draining
	require.NoError(t, tr.Insert(rec(7, 7)))
	got, err = tr.Search(7)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestDeleteRecordByVector(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	require.NoError(t, tr.Insert(rec(5, 1.0)))
	require.NoError(t, tr.Insert(rec(5, 2.0)))

	deleted, err := tr.DeleteRecord(5, []float32{2.0})
	require.NoError(t, err)
	require.True(t, deleted)

	records, err := tr.RangeScan(5, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float32{1.0}, records[0].Vector)
}

func TestDeleteChainedDuplicate(t *testing.T) {
	tr := newDiskTree(t, 4, 2, true)
	require.NoError(t, tr.Insert(rec(5, 1.0)))
	require.NoError(t, tr.Insert(rec(5, 2.0)))
	require.NoError(t, tr.Insert(rec(5, 3.0)))

	deleted, err := tr.DeleteRecord(5, []float32{2.0})
	require.NoError(t, err)
	require.True(t, deleted)

	records, err := tr.RangeScan(5, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []float32{1.0}, records[0].Vector)
	assert.Equal(t, []float32{3.0}, records[1].Vector)
	assert.Equal(t, uint32(2), tr.Len())

	// key-only delete pops another chain entry
	deleted, err = tr.DeleteKey(5)
	require.NoError(t, err)
	require.True(t, deleted)
	records, err = tr.RangeScan(5, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRoundTripAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/index.bpt"

	pm, err := CreatePageManager(path, NewConfig(4, 2, false), nil)
	require.NoError(t, err)
	tr := NewTree(pm, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	require.NoError(t, tr.Close())

	pm, err = OpenPageManager(path, nil)
	require.NoError(t, err)
	tr = NewTree(pm, nil)
	defer tr.Close()

	assert.Equal(t, uint32(100), tr.Len())
	for _, k := range []int32{0, 37, 99} {
		got, err := tr.Search(k)
		require.NoError(t, err)
		require.NotNil(t, got, "key %d", k)
		assert.Equal(t, []float32{float32(k)}, got.Vector)
	}
	checkInvariants(t, tr)
}

func TestKeyRange(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	_, _, err := tr.KeyRange()
	assert.ErrorIs(t, err, ErrNotFound)

	for _, k := range []int32{50, 3, 99, 17} {
		require.NoError(t, tr.Insert(rec(k, float32(k))))
	}
	minKey, maxKey, err := tr.KeyRange()
	require.NoError(t, err)
	assert.Equal(t, int32(3), minKey)
	assert.Equal(t, int32(99), maxKey)
}
