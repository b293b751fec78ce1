package bptree

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// memoryIndex holds all (or as many as fit) nodes in process memory for
// read-heavy workloads. The map is immutable after load except through the
// single-threaded writer, which keeps it coherent on page writes.
type memoryIndex struct {
	nodes  map[uint32]*Node
	loaded bool
}

func (m *memoryIndex) get(pid uint32) *Node {
	if m == nil || !m.loaded {
		return nil
	}
	return m.nodes[pid]
}

func (m *memoryIndex) put(pid uint32, n *Node) {
	if m == nil || !m.loaded {
		return
	}
	m.nodes[pid] = n
}

// LoadIntoMemory reads every node page into memory, stopping at the soft
// cap (maxMB 0 means unlimited), and optionally pulls the vector store
// contents along. Reads served afterwards fall back to disk only for pages
// the cap excluded.
func (t *Tree) LoadIntoMemory(maxMB uint64, includeVectors bool) error {
	nodes, err := t.pm.LoadAllNodes(maxMB)
	if err != nil {
		return err
	}
	t.mem.nodes = nodes
	t.mem.loaded = true
	if includeVectors && t.pm.VectorStore() != nil {
		if err := t.pm.VectorStore().LoadAll(maxMB); err != nil {
			return err
		}
	}
	t.log.Info("memory index loaded", zap.Int("nodes", len(nodes)))
	return nil
}

// ClearMemoryIndex releases the node map and any vector cache.
func (t *Tree) ClearMemoryIndex() {
	t.mem.nodes = nil
	t.mem.loaded = false
	if vs := t.pm.VectorStore(); vs != nil {
		vs.ClearMemoryCache()
	}
}

// MemoryIndexLoaded reports whether reads are served from memory.
func (t *Tree) MemoryIndexLoaded() bool { return t.mem.loaded }

// EstimateTotalMemoryMB approximates the footprint of a full load of nodes
// plus vectors.
func (t *Tree) EstimateTotalMemoryMB() uint64 {
	total := t.pm.EstimateNodeMemoryMB()
	if vs := t.pm.VectorStore(); vs != nil {
		total += vs.EstimateMemoryMB()
	}
	return total
}

// MemoryFootprint renders the estimate for logs and the CLI.
func (t *Tree) MemoryFootprint() string {
	return humanize.IBytes(t.EstimateTotalMemoryMB() * 1024 * 1024)
}
