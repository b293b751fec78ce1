package bptree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newMemTree builds an inline-layout tree over an in-memory file.
func newMemTree(t *testing.T, order, dim uint32) *Tree {
	t.Helper()
	pm, err := OpenMemPageManager(NewConfig(order, dim, false), zap.NewNop())
	require.NoError(t, err)
	return NewTree(pm, zap.NewNop())
}

// newDiskTree builds a tree on a scratch directory, optionally with the
// separate vector layout.
func newDiskTree(t *testing.T, order, dim uint32, separate bool) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.bpt")
	pm, err := CreatePageManager(path, NewConfig(order, dim, separate), zap.NewNop())
	require.NoError(t, err)
	tr := NewTree(pm, zap.NewNop())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func rec(key int32, vals ...float32) Record {
	return Record{Key: key, Vector: vals}
}

// checkInvariants walks every node verifying key ordering and, for non-root
// nodes, the minimum fill.
func checkInvariants(t *testing.T, tr *Tree) {
	t.Helper()
	root := tr.pm.Root()
	if root == InvalidPage {
		return
	}
	checkNode(t, tr, root, true)
}

func checkNode(t *testing.T, tr *Tree, pid uint32, isRoot bool) {
	t.Helper()
	node, err := tr.read(pid)
	require.NoError(t, err)

	for i := 1; i < int(node.KeyCount); i++ {
		require.LessOrEqual(t, node.Keys[i-1], node.Keys[i], "keys out of order in page %d", pid)
	}
	maxKeys := int(tr.pm.Config().Order) - 1
	require.LessOrEqual(t, int(node.KeyCount), maxKeys, "page %d over capacity", pid)
	if !isRoot {
		require.GreaterOrEqual(t, int(node.KeyCount), tr.minKeys(), "page %d underfull", pid)
	}
	if node.Leaf {
		return
	}
	for i := 0; i <= int(node.KeyCount); i++ {
		require.NotEqual(t, InvalidPage, node.Children[i], "missing child %d of page %d", i, pid)
		checkNode(t, tr, node.Children[i], false)
	}
}

// leafChainKeys walks the next pointers from the leftmost leaf and returns
// every slot key in order.
func leafChainKeys(t *testing.T, tr *Tree) []int32 {
	t.Helper()
	pid := tr.pm.Root()
	if pid == InvalidPage {
		return nil
	}
	node, err := tr.read(pid)
	require.NoError(t, err)
	for !node.Leaf {
		pid = node.Children[0]
		node, err = tr.read(pid)
		require.NoError(t, err)
	}
	var keys []int32
	for {
		for i := 0; i < int(node.KeyCount); i++ {
			keys = append(keys, node.Keys[i])
		}
		if node.Next == InvalidPage {
			return keys
		}
		node, err = tr.read(node.Next)
		require.NoError(t, err)
	}
}

func treeHeight(t *testing.T, tr *Tree) int {
	t.Helper()
	pid := tr.pm.Root()
	if pid == InvalidPage {
		return 0
	}
	height := 1
	node, err := tr.read(pid)
	require.NoError(t, err)
	for !node.Leaf {
		height++
		pid = node.Children[0]
		node, err = tr.read(pid)
		require.NoError(t, err)
	}
	return height
}
