package bptree

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Record is one indexed entry: the ordering key, its vector, and whether the
// caller originally supplied a floating-point key (kept for display only;
// ordering and search always use the int32 key).
type Record struct {
	Key      int32
	FloatKey bool
	Vector   []float32
}

// Tree is the disk B+ tree. The writer path is single-threaded; the read
// path is safe for concurrent readers of a frozen tree.
type Tree struct {
	pm  *PageManager
	mem *memoryIndex

	reads  uint // number of page reads
	writes uint // number of page writes

	log *zap.Logger
}

// NewTree wraps an opened page manager.
func NewTree(pm *PageManager, log *zap.Logger) *Tree {
	return &Tree{pm: pm, mem: &memoryIndex{}, log: nopLogger(log)}
}

// PageManager exposes the underlying storage.
func (t *Tree) PageManager() *PageManager { return t.pm }

// Stats reports page reads and writes since the tree was opened.
func (t *Tree) Stats() (reads, writes uint) { return t.reads, t.writes }

// Len reports the number of records.
func (t *Tree) Len() uint32 { return t.pm.TotalEntries() }

func (t *Tree) minKeys() int {
	// floor((order-1)/2); the root is exempt. The ceiling variant would
	// leave an internal merge of an underfull node, a minimal sibling, and
	// their separator with order keys, one more than a node can hold.
	return (int(t.pm.Config().Order) - 1) / 2
}

// read fetches a node, serving from the memory index when loaded.
func (t *Tree) read(pid uint32) (*Node, error) {
	if n := t.mem.get(pid); n != nil {
		return n, nil
	}
	t.reads++
	return t.pm.ReadNode(pid)
}

func (t *Tree) write(pid uint32, n *Node) error {
	t.writes++
	if err := t.pm.WriteNode(pid, n); err != nil {
		return err
	}
	t.mem.put(pid, n)
	return nil
}

// nodeReader lets the range scan run either on the tree's counting reader
// or on a per-worker reader during parallel KNN (workers must not share
// cursor state).
type nodeReader func(pid uint32) (*Node, error)

// readShared is a reader safe for concurrent use against a frozen tree: it
// consults the memory index and otherwise hits the paged file, without
// touching the tree's op counters.
func (t *Tree) readShared(pid uint32) (*Node, error) {
	if n := t.mem.get(pid); n != nil {
		return n, nil
	}
	return t.pm.ReadNode(pid)
}

// descendToLeaf walks from the root to the leaf responsible for key,
// recording the page path and the child index taken at every level.
// Separators are the first key of their right subtree, so a key equal to a
// separator descends into the right child; this is the descent used by
// search, insert, and delete.
func (t *Tree) descendToLeaf(key int32) (path []uint32, idx []int, leaf *Node, err error) {
	return t.descendToLeafWith(t.read, key, true)
}

// descendToLeafWith walks down with the given reader. With pastEqual set, an
// internal node sends a key equal to keys[i] past it to child i+1; without
// it, the descent picks the first child index i with key <= keys[i], which
// reaches the leftmost leaf that can hold key (used by range scans, which
// then walk the leaf chain forward).
func (t *Tree) descendToLeafWith(read nodeReader, key int32, pastEqual bool) (path []uint32, idx []int, leaf *Node, err error) {
	pid := t.pm.Root()
	if pid == InvalidPage {
		return nil, nil, nil, nil
	}
	for {
		node, rerr := read(pid)
		if rerr != nil {
			return nil, nil, nil, rerr
		}
		path = append(path, pid)

		i := 0
		for i < int(node.KeyCount) && (key > node.Keys[i] || (pastEqual && !node.Leaf && key == node.Keys[i])) {
			i++
		}
		idx = append(idx, i)

		if node.Leaf {
			return path, idx, node, nil
		}
		pid = node.Children[i]
	}
}

// slotRecord materialises the record stored at leaf slot i. In the separate
// layout the chain head is read from the vector store.
func (t *Tree) slotRecord(leaf *Node, i int) (Record, error) {
	rec := Record{Key: leaf.Keys[i]}
	if t.pm.Config().SeparateStorage {
		vs := t.pm.VectorStore()
		if leaf.VectorHeads[i] != 0 && vs != nil {
			vec, _, err := vs.Retrieve(leaf.VectorHeads[i])
			if err != nil {
				return rec, err
			}
			rec.Vector = vec
		}
		return rec, nil
	}
	if leaf.Vectors[i] != nil {
		rec.Vector = append([]float32(nil), leaf.Vectors[i]...)
	}
	return rec, nil
}

// Search returns the first record matching key, or nil when absent.
func (t *Tree) Search(key int32) (*Record, error) {
	_, _, leaf, err := t.descendToLeaf(key)
	if err != nil || leaf == nil {
		return nil, err
	}
	for i := 0; i < int(leaf.KeyCount); i++ {
		if leaf.Keys[i] == key {
			rec, err := t.slotRecord(leaf, i)
			if err != nil {
				return nil, err
			}
			return &rec, nil
		}
	}
	return nil, nil
}

// scanRange walks the leaf chain from the leaf holding minKey and calls fn
// for every record with minKey <= key <= maxKey, in leaf order. Chained
// duplicates are emitted oldest first so insertion order is preserved.
func (t *Tree) scanRange(minKey, maxKey int32, fn func(Record) error) error {
	return t.scanRangeWith(t.read, minKey, maxKey, fn)
}

func (t *Tree) scanRangeWith(read nodeReader, minKey, maxKey int32, fn func(Record) error) error {
	if minKey > maxKey {
		return invalidArgErr("min key greater than max key")
	}
	path, _, leaf, err := t.descendToLeafWith(read, minKey, false)
	if err != nil || leaf == nil {
		return err
	}
	pid := path[len(path)-1]
	sep := t.pm.Config().SeparateStorage
	for {
		for i := 0; i < int(leaf.KeyCount); i++ {
			key := leaf.Keys[i]
			if key > maxKey {
				return nil
			}
			if key < minKey {
				continue
			}
			if sep && leaf.VectorCounts[i] > 1 {
				vecs, _, err := t.pm.VectorStore().RetrieveChain(leaf.VectorHeads[i], leaf.VectorCounts[i])
				if err != nil {
					return err
				}
				for j := len(vecs) - 1; j >= 0; j-- {
					if err := fn(Record{Key: key, Vector: vecs[j]}); err != nil {
						return err
					}
				}
				continue
			}
			rec, err := t.slotRecord(leaf, i)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		next := leaf.Next
		if next == InvalidPage {
			return nil
		}
		if next == pid {
			return corruptPageErr(pid, "circular leaf chain")
		}
		pid = next
		leaf, err = read(pid)
		if err != nil {
			return err
		}
	}
}

// RangeScan collects every record with minKey <= key <= maxKey in key order.
func (t *Tree) RangeScan(minKey, maxKey int32) ([]Record, error) {
	var out []Record
	err := t.scanRange(minKey, maxKey, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// KeyRange reports the smallest and largest key in the tree.
func (t *Tree) KeyRange() (minKey, maxKey int32, err error) {
	pid := t.pm.Root()
	if pid == InvalidPage {
		return 0, 0, errors.WithMessage(ErrNotFound, "empty tree")
	}
	node, err := t.read(pid)
	if err != nil {
		return 0, 0, err
	}
	for !node.Leaf {
		pid = node.Children[0]
		if node, err = t.read(pid); err != nil {
			return 0, 0, err
		}
	}
	minKey = node.Keys[0]

	pid = t.pm.Root()
	if node, err = t.read(pid); err != nil {
		return 0, 0, err
	}
	for !node.Leaf {
		pid = node.Children[node.KeyCount]
		if node, err = t.read(pid); err != nil {
			return 0, 0, err
		}
	}
	maxKey = node.Keys[node.KeyCount-1]
	return minKey, maxKey, nil
}

// DumpTree writes an indented view of the tree, one node per line.
func (t *Tree) DumpTree(w io.Writer) error {
	root := t.pm.Root()
	if root == InvalidPage {
		_, err := fmt.Fprintln(w, "(empty tree)")
		return err
	}
	return t.dumpNode(w, root, 0)
}

func (t *Tree) dumpNode(w io.Writer, pid uint32, level int) error {
	node, err := t.read(pid)
	if err != nil {
		return err
	}
	kind := "internal"
	if node.Leaf {
		kind = "leaf"
	}
	keys := make([]string, node.KeyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("%d", node.Keys[i])
	}
	if _, err := fmt.Fprintf(w, "%slevel %d page %d (%s): [%s]\n",
		strings.Repeat("  ", level), level, pid, kind, strings.Join(keys, ", ")); err != nil {
		return err
	}
	if node.Leaf {
		return nil
	}
	for i := 0; i <= int(node.KeyCount); i++ {
		if node.Children[i] == InvalidPage {
			continue
		}
		if err := t.dumpNode(w, node.Children[i], level+1); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying storage.
func (t *Tree) Close() error { return t.pm.Close() }
