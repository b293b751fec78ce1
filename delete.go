package bptree

// DeleteKey removes the first record with the given key. It reports false
// when no record matched; that is not an error.
func (t *Tree) DeleteKey(key int32) (bool, error) {
	return t.deleteRecord(key, nil)
}

// DeleteRecord removes the first record whose key matches and whose vector
// is elementwise equal to vec within the store tolerance.
func (t *Tree) DeleteRecord(key int32, vec []float32) (bool, error) {
	return t.deleteRecord(key, vec)
}

func (t *Tree) deleteRecord(key int32, vec []float32) (bool, error) {
	rootPid := t.pm.Root()
	if rootPid == InvalidPage {
		return false, nil
	}

	path, idx, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return false, err
	}
	leafPid := path[len(path)-1]

	slot, chainOnly, err := t.findDeleteSlot(leaf, key, vec)
	if err != nil || slot < 0 {
		return false, err
	}

	if chainOnly {
		// the slot keeps other chained duplicates; no structural change
		if err := t.write(leafPid, leaf); err != nil {
			return false, err
		}
		return true, t.commitEntryDelta(-1)
	}

	for i := slot; i < int(leaf.KeyCount)-1; i++ {
		t.moveSlot(leaf, i, leaf, i+1)
	}
	t.clearSlot(leaf, int(leaf.KeyCount)-1)
	leaf.KeyCount--
	if err := t.write(leafPid, leaf); err != nil {
		return false, err
	}

	if int(leaf.KeyCount) < t.minKeys() && len(path) > 1 {
		if err := t.rebalance(path, idx, len(path)-1, leaf); err != nil {
			return false, err
		}
	} else if len(path) == 1 && leaf.KeyCount == 0 {
		// last record gone: the tree is empty again
		t.pm.SetRootDeferred(InvalidPage)
	}
	return true, t.commitEntryDelta(-1)
}

// findDeleteSlot locates the slot to delete. The second result is true when
// only a chain entry was removed and the slot itself must stay. A -1 slot
// means nothing matched.
func (t *Tree) findDeleteSlot(leaf *Node, key int32, vec []float32) (int, bool, error) {
	sep := t.pm.Config().SeparateStorage
	for i := 0; i < int(leaf.KeyCount); i++ {
		if leaf.Keys[i] != key {
			continue
		}
		if !sep {
			if vec != nil && !vectorsEqual(leaf.Vectors[i], vec, chainEps) {
				continue
			}
			return i, false, nil
		}

		vs := t.pm.VectorStore()
		target := vec
		if target == nil {
			// key-only delete drops the chain head
			head, _, err := vs.Retrieve(leaf.VectorHeads[i])
			if err != nil {
				return -1, false, err
			}
			target = head
		}
		newHead, newCount, err := vs.RemoveFromChain(leaf.VectorHeads[i], leaf.VectorCounts[i], target)
		if err != nil {
			return -1, false, err
		}
		if newHead == leaf.VectorHeads[i] && newCount == leaf.VectorCounts[i] {
			// vector not present in this slot's chain
			continue
		}
		if newCount == 0 {
			return i, false, nil
		}
		leaf.VectorHeads[i] = newHead
		leaf.VectorCounts[i] = newCount
		return i, true, nil
	}
	return -1, false, nil
}

// rebalance restores the minimum fill of the node at path[level]: borrow
// from the left sibling, else the right, else merge (preferring left).
// Internal-level underflow recurses upward; a rootless merge chain ends by
// collapsing a zero-key root onto its single child.
func (t *Tree) rebalance(path []uint32, idx []int, level int, node *Node) error {
	parentPid := path[level-1]
	parent, err := t.read(parentPid)
	if err != nil {
		return err
	}
	nodePid := path[level]

	// locate the child slot; the recorded descent index is the hint but the
	// parent may have shifted since
	childIdx := idx[level-1]
	if childIdx > int(parent.KeyCount) || parent.Children[childIdx] != nodePid {
		childIdx = -1
		for i := 0; i <= int(parent.KeyCount); i++ {
			if parent.Children[i] == nodePid {
				childIdx = i
				break
			}
		}
		if childIdx < 0 {
			return corruptPageErr(parentPid, "child not referenced by parent")
		}
	}

	minKeys := t.minKeys()

	if childIdx > 0 {
		leftPid := parent.Children[childIdx-1]
		left, err := t.read(leftPid)
		if err != nil {
			return err
		}
		if int(left.KeyCount) > minKeys {
			return t.borrowFromLeft(parent, parentPid, childIdx, left, leftPid, node, nodePid)
		}
	}
	if childIdx < int(parent.KeyCount) {
		rightPid := parent.Children[childIdx+1]
		right, err := t.read(rightPid)
		if err != nil {
			return err
		}
		if int(right.KeyCount) > minKeys {
			return t.borrowFromRight(parent, parentPid, childIdx, node, nodePid, right, rightPid)
		}
	}

	// merge, preferring the left sibling; the absorbed page is leaked (no
	// free list)
	if childIdx > 0 {
		leftPid := parent.Children[childIdx-1]
		left, err := t.read(leftPid)
		if err != nil {
			return err
		}
		if err := t.mergeNodes(parent, parentPid, childIdx-1, left, leftPid, node); err != nil {
			return err
		}
	} else {
		rightPid := parent.Children[childIdx+1]
		right, err := t.read(rightPid)
		if err != nil {
			return err
		}
		if err := t.mergeNodes(parent, parentPid, childIdx, node, nodePid, right); err != nil {
			return err
		}
	}

	if level-1 == 0 {
		if parent.KeyCount == 0 {
			// the root lost its last separator; its single child takes over
			t.pm.SetRootDeferred(parent.Children[0])
		}
		return nil
	}
	if int(parent.KeyCount) < minKeys {
		return t.rebalance(path, idx, level-1, parent)
	}
	return nil
}

func (t *Tree) borrowFromLeft(parent *Node, parentPid uint32, childIdx int, left *Node, leftPid uint32, node *Node, nodePid uint32) error {
	if node.Leaf {
		for i := int(node.KeyCount); i > 0; i-- {
			t.moveSlot(node, i, node, i-1)
		}
		t.moveSlot(node, 0, left, int(left.KeyCount)-1)
		t.clearSlot(left, int(left.KeyCount)-1)
		left.KeyCount--
		node.KeyCount++
		parent.Keys[childIdx-1] = node.Keys[0]
	} else {
		for i := int(node.KeyCount); i > 0; i-- {
			node.Keys[i] = node.Keys[i-1]
		}
		for i := int(node.KeyCount) + 1; i > 0; i-- {
			node.Children[i] = node.Children[i-1]
		}
		node.Keys[0] = parent.Keys[childIdx-1]
		node.Children[0] = left.Children[left.KeyCount]
		parent.Keys[childIdx-1] = left.Keys[left.KeyCount-1]
		left.Children[left.KeyCount] = InvalidPage
		left.KeyCount--
		node.KeyCount++
	}
	if err := t.write(leftPid, left); err != nil {
		return err
	}
	if err := t.write(nodePid, node); err != nil {
		return err
	}
	return t.write(parentPid, parent)
}

func (t *Tree) borrowFromRight(parent *Node, parentPid uint32, childIdx int, node *Node, nodePid uint32, right *Node, rightPid uint32) error {
	if node.Leaf {
		t.moveSlot(node, int(node.KeyCount), right, 0)
		node.KeyCount++
		for i := 0; i < int(right.KeyCount)-1; i++ {
			t.moveSlot(right, i, right, i+1)
		}
		t.clearSlot(right, int(right.KeyCount)-1)
		right.KeyCount--
		parent.Keys[childIdx] = right.Keys[0]
	} else {
		node.Keys[node.KeyCount] = parent.Keys[childIdx]
		node.Children[node.KeyCount+1] = right.Children[0]
		node.KeyCount++
		parent.Keys[childIdx] = right.Keys[0]
		for i := 0; i < int(right.KeyCount)-1; i++ {
			right.Keys[i] = right.Keys[i+1]
		}
		for i := 0; i < int(right.KeyCount); i++ {
			right.Children[i] = right.Children[i+1]
		}
		right.Children[right.KeyCount] = InvalidPage
		right.KeyCount--
	}
	if err := t.write(rightPid, right); err != nil {
		return err
	}
	if err := t.write(nodePid, node); err != nil {
		return err
	}
	return t.write(parentPid, parent)
}

// mergeNodes folds right into left and drops the separator at sepIdx from
// the parent. The right page stays allocated but unreferenced.
func (t *Tree) mergeNodes(parent *Node, parentPid uint32, sepIdx int, left *Node, leftPid uint32, right *Node) error {
	if left.Leaf {
		for i := 0; i < int(right.KeyCount); i++ {
			t.moveSlot(left, int(left.KeyCount)+i, right, i)
		}
		left.KeyCount += right.KeyCount
		left.Next = right.Next
	} else {
		left.Keys[left.KeyCount] = parent.Keys[sepIdx]
		for i := 0; i < int(right.KeyCount); i++ {
			left.Keys[int(left.KeyCount)+1+i] = right.Keys[i]
		}
		for i := 0; i <= int(right.KeyCount); i++ {
			left.Children[int(left.KeyCount)+1+i] = right.Children[i]
		}
		left.KeyCount += right.KeyCount + 1
	}

	for i := sepIdx; i < int(parent.KeyCount)-1; i++ {
		parent.Keys[i] = parent.Keys[i+1]
	}
	for i := sepIdx + 1; i < int(parent.KeyCount); i++ {
		parent.Children[i] = parent.Children[i+1]
	}
	parent.Children[parent.KeyCount] = InvalidPage
	parent.KeyCount--

	if err := t.write(leftPid, left); err != nil {
		return err
	}
	// the parent write lands after the child, the header follows at commit
	return t.write(parentPid, parent)
}
