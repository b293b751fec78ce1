package bptree

import (
	"container/heap"
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Neighbor is one KNN result: the record, its distance to the query, and
// its position in the leaf chain (the tie-breaker for equal distances).
type Neighbor struct {
	Record
	Distance float64
	seq      uint64
}

func neighborLess(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.seq < b.seq
}

// knnHeap is a bounded max-heap: the root is the current worst of the k
// best candidates.
type knnHeap []Neighbor

func (h knnHeap) Len() int            { return len(h) }
func (h knnHeap) Less(i, j int) bool  { return neighborLess(h[j], h[i]) }
func (h knnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *knnHeap) Push(x interface{}) { *h = append(*h, x.(Neighbor)) }
func (h *knnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *knnHeap) offer(k int, cand Neighbor) {
	if h.Len() < k {
		heap.Push(h, cand)
		return
	}
	if neighborLess(cand, (*h)[0]) {
		(*h)[0] = cand
		heap.Fix(h, 0)
	}
}

// KNN returns the k records closest to q by L2 distance among records with
// minKey <= key <= maxKey, sorted ascending by distance. Fewer than k come
// back when the range is smaller than k.
func (t *Tree) KNN(q []float32, minKey, maxKey int32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, invalidArgErr("k must be positive")
	}
	if minKey > maxKey {
		return nil, invalidArgErr("min key greater than max key")
	}
	return t.knnRange(t.read, q, minKey, maxKey, k, 0)
}

// knnRange runs the sequential path over one key range. seqBase namespaces
// the leaf-chain positions so parallel partitions stay globally ordered.
func (t *Tree) knnRange(read nodeReader, q []float32, minKey, maxKey int32, k int, seqBase uint64) ([]Neighbor, error) {
	h := make(knnHeap, 0, k)
	seq := seqBase
	err := t.scanRangeWith(read, minKey, maxKey, func(rec Record) error {
		h.offer(k, Neighbor{Record: rec, Distance: Distance(q, rec.Vector), seq: seq})
		seq++
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Neighbor)
	}
	return out, nil
}

// KNNParallel partitions [minKey, maxKey] into workers contiguous
// sub-ranges of roughly equal width, runs the sequential path on each with
// an independent read cursor, and merges the per-worker results with a
// k-way selection. The merge is deterministic for identical input.
func (t *Tree) KNNParallel(ctx context.Context, q []float32, minKey, maxKey int32, k, workers int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, invalidArgErr("k must be positive")
	}
	if minKey > maxKey {
		return nil, invalidArgErr("min key greater than max key")
	}
	width := int64(maxKey) - int64(minKey) + 1
	if workers <= 1 || width < int64(workers) {
		return t.knnRange(t.readShared, q, minKey, maxKey, k, 0)
	}

	results := make([][]Neighbor, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		lo := int32(int64(minKey) + int64(w)*width/int64(workers))
		hi := int32(int64(minKey) + int64(w+1)*width/int64(workers) - 1)
		if w == workers-1 {
			hi = maxKey
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// readShared keeps every worker on its own descent state
			part, err := t.knnRange(t.readShared, q, lo, hi, k, uint64(w)<<40)
			if err != nil {
				return err
			}
			results[w] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Neighbor
	for _, part := range results {
		merged = append(merged, part...)
	}
	sort.Slice(merged, func(i, j int) bool { return neighborLess(merged[i], merged[j]) })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}
