package bptree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dir string, maxSize uint32) *VectorStore {
	t.Helper()
	vs, err := OpenVectorStore(filepath.Join(dir, "index.bpt.vectors"), maxSize, nil)
	require.NoError(t, err)
	return vs
}

func TestVectorStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 8)
	defer vs.Close()

	id, err := vs.Store([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "ids start at 1")

	vec, size, err := vs.Retrieve(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), size)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	_, _, err = vs.Retrieve(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = vs.Retrieve(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVectorStoreChain(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 4)
	defer vs.Close()

	head, err := vs.Store([]float32{1}, 1)
	require.NoError(t, err)
	head, err = vs.AppendToChain(head, []float32{2}, 1)
	require.NoError(t, err)
	head, err = vs.AppendToChain(head, []float32{3}, 1)
	require.NoError(t, err)

	vectors, sizes, err := vs.RetrieveChain(head, 10)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	require.Len(t, sizes, 3)
	// head-first: newest entry leads
	assert.Equal(t, []float32{3}, vectors[0])
	assert.Equal(t, []float32{2}, vectors[1])
	assert.Equal(t, []float32{1}, vectors[2])

	// the walk honors the requested bound
	vectors, _, err = vs.RetrieveChain(head, 2)
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
}

func TestVectorStoreRemoveFromChain(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 4)
	defer vs.Close()

	head, _ := vs.Store([]float32{1}, 1)
	head, _ = vs.AppendToChain(head, []float32{2}, 1)
	head, _ = vs.AppendToChain(head, []float32{3}, 1)

	newHead, n, err := vs.RemoveFromChain(head, 3, []float32{2})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
	vectors, _, err := vs.RetrieveChain(newHead, 10)
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, vectors[0])
	assert.Equal(t, []float32{1}, vectors[1])

	// an unmatched target leaves the chain alone
	sameHead, n, err := vs.RemoveFromChain(newHead, 2, []float32{42})
	require.NoError(t, err)
	assert.Equal(t, newHead, sameHead)
	assert.Equal(t, uint32(2), n)

	// draining the chain returns the reserved zero id
	h, n, err := vs.RemoveFromChain(newHead, 2, []float32{3})
	require.NoError(t, err)
	h, n, err = vs.RemoveFromChain(h, n, []float32{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)
	assert.Equal(t, uint32(0), n)
}

func TestVectorStoreClipsOversizedVectors(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 2)
	defer vs.Close()

	id, err := vs.Store([]float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	vec, size, err := vs.Retrieve(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)
	assert.Equal(t, []float32{1, 2}, vec)
}

func TestVectorStorePersistence(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 4)
	head, err := vs.Store([]float32{7, 8}, 2)
	require.NoError(t, err)
	head, err = vs.AppendToChain(head, []float32{9, 10}, 2)
	require.NoError(t, err)
	require.NoError(t, vs.Close())

	vs = newStore(t, dir, 4)
	defer vs.Close()
	vectors, _, err := vs.RetrieveChain(head, 10)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{9, 10}, vectors[0])
	assert.Equal(t, []float32{7, 8}, vectors[1])

	// the id counter survived the reopen
	next, err := vs.Store([]float32{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
}

func TestVectorStoreLoadAll(t *testing.T) {
	dir := t.TempDir()
	vs := newStore(t, dir, 4)
	defer vs.Close()

	ids := make([]uint64, 20)
	for i := range ids {
		id, err := vs.Store([]float32{float32(i)}, 1)
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, vs.LoadAll(0))
	for i, id := range ids {
		vec, _, err := vs.Retrieve(id)
		require.NoError(t, err)
		assert.Equal(t, []float32{float32(i)}, vec)
	}
	vs.ClearMemoryCache()
	vec, _, err := vs.Retrieve(ids[3])
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, vec)
}
