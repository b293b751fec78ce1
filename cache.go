package bptree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// cacheEps is the elementwise tolerance when matching a deleted record
	// against cached neighbors. Deliberately looser than the vector store's.
	cacheEps float32 = 1e-3

	qcacheExt         = ".qcache"
	invertedIndexName = "inverted_index.bin"

	defaultMaxCacheBytes = 100 * 1024 * 1024
)

// CachedNeighbor is one stored KNN result.
type CachedNeighbor struct {
	Vector   []float32
	Key      int32
	Distance float64
}

// CachedResult is a persisted query artifact: one file per fingerprint.
type CachedResult struct {
	QueryID   string
	Created   int64
	LastUsed  int64
	MinKey    int32
	MaxKey    int32
	MaxK      int32
	Query     []float32
	Neighbors []CachedNeighbor
}

type queryRange struct {
	minKey, maxKey int32
}

// QueryCache persists KNN results keyed by the query fingerprint and keeps
// an interval tree over the cached key ranges so mutations can find every
// affected entry in O(log n + output). All failures here are non-fatal:
// callers log and run the query uncached.
type QueryCache struct {
	indexDir     string
	cacheDir     string
	invertedPath string

	enabled       bool
	maxCacheBytes uint64

	mu     sync.Mutex
	ranges map[string]queryRange
	itree  intervalTree

	now func() int64
	log *zap.Logger
}

// NewQueryCache opens the cache under <indexDir>/.cache and rebuilds the
// interval tree from the persisted inverted index.
func NewQueryCache(indexDir string, enabled bool, log *zap.Logger) *QueryCache {
	qc := &QueryCache{
		indexDir:      indexDir,
		cacheDir:      filepath.Join(indexDir, ".cache"),
		enabled:       enabled,
		maxCacheBytes: defaultMaxCacheBytes,
		ranges:        make(map[string]queryRange),
		now:           func() int64 { return time.Now().Unix() },
		log:           nopLogger(log),
	}
	qc.invertedPath = filepath.Join(qc.cacheDir, invertedIndexName)
	if enabled {
		qc.ensureDirectories()
		qc.loadInvertedIndex()
	}
	return qc
}

// SetEnabled toggles the cache; enabling late loads the inverted index.
func (qc *QueryCache) SetEnabled(enabled bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if enabled && !qc.enabled {
		qc.ensureDirectories()
		qc.loadInvertedIndex()
	}
	qc.enabled = enabled
}

// Enabled reports whether lookups and stores are active.
func (qc *QueryCache) Enabled() bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.enabled
}

// SetMaxCacheBytes adjusts the eviction threshold.
func (qc *QueryCache) SetMaxCacheBytes(n uint64) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.maxCacheBytes = n
}

func (qc *QueryCache) ensureDirectories() {
	if err := os.MkdirAll(qc.cacheDir, 0o755); err != nil {
		qc.log.Warn("cannot create cache directory", zap.Error(err))
	}
}

// Fingerprint folds the query's float bit patterns, then the range bounds,
// through FNV-1a and renders 16 hex characters. The key bounds are
// sign-extended; k is deliberately not part of the hash.
func Fingerprint(q []float32, minKey, maxKey int32) string {
	const prime = uint64(1099511628211)
	h := uint64(14695981039346656037)
	for _, f := range q {
		h ^= uint64(fbits(f))
		h *= prime
	}
	h ^= uint64(int64(minKey))
	h *= prime
	h ^= uint64(int64(maxKey))
	h *= prime
	return fmt.Sprintf("%016x", h)
}

func (qc *QueryCache) queryFilePath(queryID string) string {
	return filepath.Join(qc.cacheDir, queryID+qcacheExt)
}

// Lookup serves a query from cache when an entry with the same fingerprint
// holds at least k neighbors worth of depth. The hit refreshes last_used
// on disk and returns the first k neighbors.
func (qc *QueryCache) Lookup(q []float32, minKey, maxKey int32, k int) (*CachedResult, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return nil, false
	}
	queryID := Fingerprint(q, minKey, maxKey)
	if _, ok := qc.ranges[queryID]; !ok {
		return nil, false
	}
	result, err := qc.loadResult(queryID)
	if err != nil {
		qc.log.Warn("cache entry unreadable, ignoring", zap.String("query", queryID), zap.Error(err))
		return nil, false
	}
	if int(result.MaxK) < k {
		return nil, false
	}
	result.LastUsed = qc.now()
	if err := qc.saveResult(result); err != nil {
		qc.log.Warn("cannot refresh cache entry", zap.String("query", queryID), zap.Error(err))
	}
	if len(result.Neighbors) > k {
		result.Neighbors = result.Neighbors[:k]
	}
	return result, true
}

// Store records a fresh query result. An existing entry with max_k >= k is
// left alone; a shallower one is overwritten keeping its creation date.
func (qc *QueryCache) Store(q []float32, minKey, maxKey int32, k int, neighbors []CachedNeighbor) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return
	}
	queryID := Fingerprint(q, minKey, maxKey)

	existing, err := qc.loadResult(queryID)
	hasExisting := err == nil
	if hasExisting && int(existing.MaxK) >= k {
		return
	}

	now := qc.now()
	result := &CachedResult{
		QueryID:   queryID,
		Created:   now,
		LastUsed:  now,
		MinKey:    minKey,
		MaxKey:    maxKey,
		MaxK:      int32(k),
		Query:     append([]float32(nil), q...),
		Neighbors: neighbors,
	}
	if hasExisting {
		result.Created = existing.Created
	}
	if err := qc.saveResult(result); err != nil {
		qc.log.Warn("cannot write cache entry", zap.String("query", queryID), zap.Error(err))
		return
	}
	if _, known := qc.ranges[queryID]; !known {
		qc.ranges[queryID] = queryRange{minKey, maxKey}
		qc.itree.insert(minKey, maxKey, queryID)
		qc.saveInvertedIndex()
	}
	qc.enforceLimit()
}

// OnInsert patches every cached query whose range contains key: when the
// entry is under-full or the new record beats its furthest neighbor, the
// record is spliced into the distance-sorted list. The list may grow past
// max_k so later deeper queries benefit. Returns how many entries changed.
func (qc *QueryCache) OnInsert(key int32, vec []float32) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return 0
	}
	updated := 0
	for _, queryID := range qc.itree.stab(key) {
		result, err := qc.loadResult(queryID)
		if err != nil {
			qc.log.Warn("cache entry unreadable during insert patch", zap.String("query", queryID), zap.Error(err))
			continue
		}
		dist := Distance(result.Query, vec)
		underFull := len(result.Neighbors) < int(result.MaxK)
		if !underFull && dist >= result.Neighbors[len(result.Neighbors)-1].Distance {
			continue
		}
		neighbor := CachedNeighbor{
			Vector:   append([]float32(nil), vec...),
			Key:      key,
			Distance: dist,
		}
		pos := sort.Search(len(result.Neighbors), func(i int) bool {
			return result.Neighbors[i].Distance >= dist
		})
		result.Neighbors = append(result.Neighbors, CachedNeighbor{})
		copy(result.Neighbors[pos+1:], result.Neighbors[pos:])
		result.Neighbors[pos] = neighbor
		result.LastUsed = qc.now()
		if err := qc.saveResult(result); err != nil {
			qc.log.Warn("cannot update cache entry", zap.String("query", queryID), zap.Error(err))
			continue
		}
		updated++
	}
	return updated
}

// OnDelete removes the first neighbor matching key and vec (within
// cacheEps) from every cached query whose range contains key.
func (qc *QueryCache) OnDelete(key int32, vec []float32) int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return 0
	}
	updated := 0
	for _, queryID := range qc.itree.stab(key) {
		result, err := qc.loadResult(queryID)
		if err != nil {
			qc.log.Warn("cache entry unreadable during delete patch", zap.String("query", queryID), zap.Error(err))
			continue
		}
		found := -1
		for i, n := range result.Neighbors {
			if n.Key == key && vectorsEqual(n.Vector, vec, cacheEps) {
				found = i
				break
			}
		}
		if found < 0 {
			continue
		}
		result.Neighbors = append(result.Neighbors[:found], result.Neighbors[found+1:]...)
		result.LastUsed = qc.now()
		if err := qc.saveResult(result); err != nil {
			qc.log.Warn("cannot update cache entry", zap.String("query", queryID), zap.Error(err))
			continue
		}
		updated++
	}
	return updated
}

// InvalidateForKey drops every cached entry whose range contains key.
func (qc *QueryCache) InvalidateForKey(key int32) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return
	}
	victims := qc.itree.stab(key)
	for _, queryID := range victims {
		qc.removeEntry(queryID)
	}
	if len(victims) > 0 {
		qc.saveInvertedIndex()
	}
}

// QueriesContainingKey lists the fingerprints whose range contains key.
func (qc *QueryCache) QueriesContainingKey(key int32) []string {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.enabled {
		return nil
	}
	return qc.itree.stab(key)
}

// Entries lists the known fingerprints.
func (qc *QueryCache) Entries() []string {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	out := make([]string, 0, len(qc.ranges))
	for id := range qc.ranges {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load reads one entry by fingerprint, without touching last_used.
func (qc *QueryCache) Load(queryID string) (*CachedResult, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.loadResult(queryID)
}

// Clear removes every entry and the inverted index.
func (qc *QueryCache) Clear() error {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	for queryID := range qc.ranges {
		qc.removeEntry(queryID)
	}
	qc.itree = intervalTree{}
	if err := os.Remove(qc.invertedPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrCacheIO, err.Error())
	}
	return nil
}

// Close persists the inverted index.
func (qc *QueryCache) Close() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.enabled {
		qc.saveInvertedIndex()
	}
}

func (qc *QueryCache) removeEntry(queryID string) {
	qc.itree.remove(queryID)
	delete(qc.ranges, queryID)
	if err := os.Remove(qc.queryFilePath(queryID)); err != nil && !os.IsNotExist(err) {
		qc.log.Warn("cannot remove cache entry file", zap.String("query", queryID), zap.Error(err))
	}
}

// enforceLimit evicts entries in ascending last_used order until the cache
// fits the byte budget again. Callers hold the mutex.
func (qc *QueryCache) enforceLimit() {
	total := qc.cacheSize()
	if total <= qc.maxCacheBytes {
		return
	}
	type aged struct {
		queryID  string
		lastUsed int64
		size     uint64
	}
	var entries []aged
	for queryID := range qc.ranges {
		result, err := qc.loadResult(queryID)
		if err != nil {
			continue
		}
		var size uint64
		if info, err := os.Stat(qc.queryFilePath(queryID)); err == nil {
			size = uint64(info.Size())
		}
		entries = append(entries, aged{queryID, result.LastUsed, size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed < entries[j].lastUsed })
	for _, e := range entries {
		if total <= qc.maxCacheBytes {
			break
		}
		qc.removeEntry(e.queryID)
		total -= e.size
	}
	qc.saveInvertedIndex()
}

func (qc *QueryCache) cacheSize() uint64 {
	var total uint64
	entries, err := os.ReadDir(qc.cacheDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), qcacheExt) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}

// Entry file layout: created (8), last_used (8), min_key (4), max_key (4),
// max_k (4), vec_len (4), vec floats, num_neighbors (4), then per neighbor
// vec_len (4), floats, key (4), distance (8, float64). Little-endian.
func (qc *QueryCache) saveResult(r *CachedResult) error {
	size := 8 + 8 + 4 + 4 + 4 + 4 + len(r.Query)*4 + 4
	for _, n := range r.Neighbors {
		size += 4 + len(n.Vector)*4 + 4 + 8
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	off := 0
	le.PutUint64(buf[off:], uint64(r.Created))
	off += 8
	le.PutUint64(buf[off:], uint64(r.LastUsed))
	off += 8
	le.PutUint32(buf[off:], uint32(r.MinKey))
	off += 4
	le.PutUint32(buf[off:], uint32(r.MaxKey))
	off += 4
	le.PutUint32(buf[off:], uint32(r.MaxK))
	off += 4
	le.PutUint32(buf[off:], uint32(len(r.Query)))
	off += 4
	for _, f := range r.Query {
		le.PutUint32(buf[off:], fbits(f))
		off += 4
	}
	le.PutUint32(buf[off:], uint32(len(r.Neighbors)))
	off += 4
	for _, n := range r.Neighbors {
		le.PutUint32(buf[off:], uint32(len(n.Vector)))
		off += 4
		for _, f := range n.Vector {
			le.PutUint32(buf[off:], fbits(f))
			off += 4
		}
		le.PutUint32(buf[off:], uint32(n.Key))
		off += 4
		le.PutUint64(buf[off:], fbits64(n.Distance))
		off += 8
	}
	if err := os.WriteFile(qc.queryFilePath(r.QueryID), buf, 0o644); err != nil {
		return errors.Wrap(ErrCacheIO, err.Error())
	}
	return nil
}

func (qc *QueryCache) loadResult(queryID string) (*CachedResult, error) {
	data, err := os.ReadFile(qc.queryFilePath(queryID))
	if err != nil {
		return nil, errors.Wrap(ErrCacheIO, err.Error())
	}
	le := binary.LittleEndian
	r := &CachedResult{QueryID: queryID}
	off := 0
	need := func(n int) bool { return off+n <= len(data) }
	if !need(32) {
		return nil, errors.WithMessage(ErrCacheIO, "truncated cache entry")
	}
	r.Created = int64(le.Uint64(data[off:]))
	off += 8
	r.LastUsed = int64(le.Uint64(data[off:]))
	off += 8
	r.MinKey = int32(le.Uint32(data[off:]))
	off += 4
	r.MaxKey = int32(le.Uint32(data[off:]))
	off += 4
	r.MaxK = int32(le.Uint32(data[off:]))
	off += 4
	vecLen := int(le.Uint32(data[off:]))
	off += 4
	if !need(vecLen*4 + 4) {
		return nil, errors.WithMessage(ErrCacheIO, "truncated cache entry")
	}
	r.Query = make([]float32, vecLen)
	for i := range r.Query {
		r.Query[i] = ffloat(le.Uint32(data[off:]))
		off += 4
	}
	numNeighbors := int(le.Uint32(data[off:]))
	off += 4
	r.Neighbors = make([]CachedNeighbor, 0, numNeighbors)
	for i := 0; i < numNeighbors; i++ {
		if !need(4) {
			return nil, errors.WithMessage(ErrCacheIO, "truncated cache entry")
		}
		nLen := int(le.Uint32(data[off:]))
		off += 4
		if !need(nLen*4 + 12) {
			return nil, errors.WithMessage(ErrCacheIO, "truncated cache entry")
		}
		n := CachedNeighbor{Vector: make([]float32, nLen)}
		for j := range n.Vector {
			n.Vector[j] = ffloat(le.Uint32(data[off:]))
			off += 4
		}
		n.Key = int32(le.Uint32(data[off:]))
		off += 4
		n.Distance = ffloat64(le.Uint64(data[off:]))
		off += 8
		r.Neighbors = append(r.Neighbors, n)
	}
	return r, nil
}

// Inverted index layout: num_queries (4), then per entry id_len (4),
// id bytes, min_key (4), max_key (4).
func (qc *QueryCache) saveInvertedIndex() {
	size := 4
	for queryID := range qc.ranges {
		size += 4 + len(queryID) + 8
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(len(qc.ranges)))
	off := 4
	for queryID, rng := range qc.ranges {
		le.PutUint32(buf[off:], uint32(len(queryID)))
		off += 4
		copy(buf[off:], queryID)
		off += len(queryID)
		le.PutUint32(buf[off:], uint32(rng.minKey))
		off += 4
		le.PutUint32(buf[off:], uint32(rng.maxKey))
		off += 4
	}
	if err := os.WriteFile(qc.invertedPath, buf, 0o644); err != nil {
		qc.log.Warn("cannot write inverted index", zap.Error(err))
	}
}

// loadInvertedIndex restores the range map and rebuilds the interval tree;
// the tree itself is never persisted.
func (qc *QueryCache) loadInvertedIndex() {
	data, err := os.ReadFile(qc.invertedPath)
	if err != nil {
		return
	}
	qc.ranges = make(map[string]queryRange)
	qc.itree = intervalTree{}
	if len(data) < 4 {
		return
	}
	le := binary.LittleEndian
	count := int(le.Uint32(data[0:]))
	off := 4
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return
		}
		idLen := int(le.Uint32(data[off:]))
		off += 4
		if off+idLen+8 > len(data) {
			return
		}
		queryID := string(data[off : off+idLen])
		off += idLen
		minKey := int32(le.Uint32(data[off:]))
		off += 4
		maxKey := int32(le.Uint32(data[off:]))
		off += 4
		qc.ranges[queryID] = queryRange{minKey, maxKey}
		qc.itree.insert(minKey, maxKey, queryID)
	}
}
