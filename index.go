package bptree

import (
	"context"

	"go.uber.org/zap"
)

// Index ties a tree, its directory, and the query cache together. Mutations
// go through here so the cache hooks fire; KNN queries consult the cache
// before touching the tree.
type Index struct {
	dir   *IndexDirectory
	tree  *Tree
	cache *QueryCache
	log   *zap.Logger
}

// CreateIndex creates (or reopens) an index directory with the given
// layout.
func CreateIndex(dirPath string, cfg Config, log *zap.Logger, opts ...Option) (*Index, error) {
	log = nopLogger(log)
	dir := NewIndexDirectory(dirPath)
	if err := dir.EnsureExists(); err != nil {
		return nil, err
	}
	pm, err := CreatePageManager(dir.IndexFilePath(), cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	return assemble(dir, pm, log), nil
}

// OpenIndex opens an existing index directory, adopting the stored layout.
func OpenIndex(dirPath string, log *zap.Logger, opts ...Option) (*Index, error) {
	log = nopLogger(log)
	dir := NewIndexDirectory(dirPath)
	if !dir.IndexExists() {
		return nil, invalidArgErr("index file not found in " + dirPath)
	}
	pm, err := OpenPageManager(dir.IndexFilePath(), log, opts...)
	if err != nil {
		return nil, err
	}
	return assemble(dir, pm, log), nil
}

func assemble(dir *IndexDirectory, pm *PageManager, log *zap.Logger) *Index {
	ccfg := dir.LoadCacheConfig()
	cache := NewQueryCache(dir.BaseDir(), ccfg.Enabled, log)
	cache.SetMaxCacheBytes(ccfg.MaxCacheBytes)
	return &Index{
		dir:   dir,
		tree:  NewTree(pm, log),
		cache: cache,
		log:   log,
	}
}

// Tree exposes the underlying engine.
func (ix *Index) Tree() *Tree { return ix.tree }

// Cache exposes the query cache.
func (ix *Index) Cache() *QueryCache { return ix.cache }

// Directory exposes the layout helper.
func (ix *Index) Directory() *IndexDirectory { return ix.dir }

// Insert adds a record and patches every cached query whose range contains
// its key.
func (ix *Index) Insert(rec Record) error {
	if err := ix.tree.Insert(rec); err != nil {
		return err
	}
	if n := ix.cache.OnInsert(rec.Key, rec.Vector); n > 0 {
		ix.log.Info("patched cached queries after insert", zap.Int("entries", n), zap.Int32("key", rec.Key))
	}
	return nil
}

// BulkLoad builds the tree from sorted records; any stale cache content is
// dropped since it predates the data.
func (ix *Index) BulkLoad(records []Record, fillFactor float64) error {
	if err := ix.tree.BulkLoad(records, fillFactor); err != nil {
		return err
	}
	return ix.cache.Clear()
}

// DeleteKey removes the first record with the key and patches affected
// cache entries with the removed vector.
func (ix *Index) DeleteKey(key int32) (bool, error) {
	victim, err := ix.tree.Search(key)
	if err != nil {
		return false, err
	}
	if victim == nil {
		return false, nil
	}
	deleted, err := ix.tree.DeleteKey(key)
	if err != nil || !deleted {
		return deleted, err
	}
	ix.cache.OnDelete(key, victim.Vector)
	return true, nil
}

// DeleteRecord removes the record matching key and vector.
func (ix *Index) DeleteRecord(key int32, vec []float32) (bool, error) {
	deleted, err := ix.tree.DeleteRecord(key, vec)
	if err != nil || !deleted {
		return deleted, err
	}
	ix.cache.OnDelete(key, vec)
	return true, nil
}

// Search returns the first record with the key, or nil.
func (ix *Index) Search(key int32) (*Record, error) { return ix.tree.Search(key) }

// Range collects every record in [minKey, maxKey].
func (ix *Index) Range(minKey, maxKey int32) ([]Record, error) {
	return ix.tree.RangeScan(minKey, maxKey)
}

// KNN answers a range-filtered nearest-neighbor query, serving from the
// cache when a deep-enough entry exists and storing the fresh result
// otherwise. workers > 1 runs the partitioned parallel path on a miss.
func (ix *Index) KNN(ctx context.Context, q []float32, minKey, maxKey int32, k, workers int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, invalidArgErr("k must be positive")
	}
	if minKey > maxKey {
		return nil, invalidArgErr("min key greater than max key")
	}

	if cached, ok := ix.cache.Lookup(q, minKey, maxKey, k); ok {
		out := make([]Neighbor, len(cached.Neighbors))
		for i, n := range cached.Neighbors {
			out[i] = Neighbor{
				Record:   Record{Key: n.Key, Vector: n.Vector},
				Distance: n.Distance,
				seq:      uint64(i),
			}
		}
		return out, nil
	}

	var (
		result []Neighbor
		err    error
	)
	if workers > 1 {
		result, err = ix.tree.KNNParallel(ctx, q, minKey, maxKey, k, workers)
	} else {
		result, err = ix.tree.KNN(q, minKey, maxKey, k)
	}
	if err != nil {
		return nil, err
	}

	neighbors := make([]CachedNeighbor, len(result))
	for i, n := range result {
		neighbors[i] = CachedNeighbor{Vector: n.Vector, Key: n.Key, Distance: n.Distance}
	}
	ix.cache.Store(q, minKey, maxKey, k, neighbors)
	return result, nil
}

// LoadIntoMemory pulls the node pages (and optionally vectors) into memory.
func (ix *Index) LoadIntoMemory(maxMB uint64, includeVectors bool) error {
	return ix.tree.LoadIntoMemory(maxMB, includeVectors)
}

// Close persists the cache's inverted index and closes the storage.
func (ix *Index) Close() error {
	ix.cache.Close()
	return ix.tree.Close()
}
