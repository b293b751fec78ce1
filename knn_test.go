package bptree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKNNBasic(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 0; i <= 100; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i), 0)))
	}

	neighbors, err := tr.KNN([]float32{0, 0}, 0, 100, 3)
	require.NoError(t, err)
	require.Len(t, neighbors, 3)
	for i, want := range []struct {
		key  int32
		dist float64
	}{{0, 0}, {1, 1}, {2, 2}} {
		assert.Equal(t, want.key, neighbors[i].Key)
		assert.InDelta(t, want.dist, neighbors[i].Distance, 1e-9)
	}
}

func TestKNNRangeFilter(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 0; i <= 100; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i), 0)))
	}

	// the closest records overall sit outside the key range
	neighbors, err := tr.KNN([]float32{0, 0}, 40, 60, 2)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, int32(40), neighbors[0].Key)
	assert.Equal(t, int32(41), neighbors[1].Key)
}

func TestKNNFewerThanK(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	neighbors, err := tr.KNN([]float32{0}, 0, 100, 10)
	require.NoError(t, err)
	assert.Len(t, neighbors, 5)
}

func TestKNNTieBreakByLeafOrder(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	// keys 1..6 all at the same distance from the query
	for i := 1; i <= 6; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), 1, 0)))
	}
	neighbors, err := tr.KNN([]float32{0, 0}, 0, 100, 3)
	require.NoError(t, err)
	require.Len(t, neighbors, 3)
	assert.Equal(t, []int32{1, 2, 3}, []int32{neighbors[0].Key, neighbors[1].Key, neighbors[2].Key})
}

func TestKNNInvalidArguments(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	_, err := tr.KNN([]float32{0}, 0, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tr.KNN([]float32{0}, 10, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tr.KNNParallel(context.Background(), []float32{0}, 0, 10, -1, 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestKNNParallelMatchesSequential(t *testing.T) {
	tr := newMemTree(t, 8, 3)
	for i := 0; i <= 500; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i%37), float32(i%11), float32(i%7))))
	}
	q := []float32{5, 5, 3}

	seq, err := tr.KNN(q, 50, 450, 10)
	require.NoError(t, err)

	for _, workers := range []int{2, 4, 7} {
		par, err := tr.KNNParallel(context.Background(), q, 50, 450, 10, workers)
		require.NoError(t, err)
		require.Len(t, par, len(seq), "workers=%d", workers)
		for i := range seq {
			assert.Equal(t, seq[i].Key, par[i].Key, "workers=%d pos=%d", workers, i)
			assert.InDelta(t, seq[i].Distance, par[i].Distance, 1e-9)
		}
	}
}

func TestKNNParallelNarrowRangeFallsBack(t *testing.T) {
	tr := newMemTree(t, 4, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Insert(rec(int32(i), float32(i))))
	}
	neighbors, err := tr.KNNParallel(context.Background(), []float32{0}, 3, 4, 2, 8)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	assert.Equal(t, int32(3), neighbors[0].Key)
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance([]float32{0, 0}, []float32{3, 4}), 1e-9)
	// over the common prefix only
	assert.InDelta(t, 1.0, Distance([]float32{1}, []float32{2, 100}), 1e-9)
	assert.InDelta(t, 0.0, Distance(nil, []float32{1, 2}), 1e-9)
}
