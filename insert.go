package bptree

// Insert adds one record. The descent path is recorded on a per-operation
// stack; splits propagate upward along it and the final header write is the
// commit point. Duplicate keys are allowed: in the separate layout a
// duplicate joins the existing slot's chain, inline it takes its own slot.
func (t *Tree) Insert(rec Record) error {
	cfg := t.pm.Config()
	order := int(cfg.Order)

	rootPid := t.pm.Root()
	if rootPid == InvalidPage {
		root := newNode(cfg, true)
		root.KeyCount = 1
		root.Keys[0] = rec.Key
		if err := t.setSlotPayload(root, 0, rec.Vector); err != nil {
			return err
		}
		pid, err := t.pm.AllocatePage()
		if err != nil {
			return err
		}
		if err := t.write(pid, root); err != nil {
			return err
		}
		t.pm.SetRootDeferred(pid)
		return t.commitEntryDelta(1)
	}

	path, _, leaf, err := t.descendToLeaf(rec.Key)
	if err != nil {
		return err
	}
	leafPid := path[len(path)-1]

	// a chained duplicate never changes the tree shape
	if cfg.SeparateStorage {
		for i := 0; i < int(leaf.KeyCount); i++ {
			if leaf.Keys[i] == rec.Key {
				size := clipSize(len(rec.Vector), cfg.MaxVectorSize)
				newHead, err := t.pm.VectorStore().AppendToChain(leaf.VectorHeads[i], rec.Vector, size)
				if err != nil {
					return err
				}
				leaf.VectorHeads[i] = newHead
				leaf.VectorCounts[i]++
				leaf.VectorSizes[i] = int32(size)
				if err := t.write(leafPid, leaf); err != nil {
					return err
				}
				return t.commitEntryDelta(1)
			}
		}
	}

	// insert into the leaf in sorted position; equal keys land after their
	// predecessors so leaf order matches insertion order
	i := int(leaf.KeyCount) - 1
	for i >= 0 && leaf.Keys[i] > rec.Key {
		t.moveSlot(leaf, i+1, leaf, i)
		i--
	}
	leaf.Keys[i+1] = rec.Key
	if err := t.setSlotPayload(leaf, i+1, rec.Vector); err != nil {
		return err
	}
	leaf.KeyCount++

	if int(leaf.KeyCount) < order {
		if err := t.write(leafPid, leaf); err != nil {
			return err
		}
		return t.commitEntryDelta(1)
	}

	// leaf overflow: right half moves to a new leaf, its first key is
	// promoted
	promoted, childPid, err := t.splitLeaf(leafPid, leaf)
	if err != nil {
		return err
	}

	for level := len(path) - 2; level >= 0; level-- {
		parentPid := path[level]
		parent, err := t.read(parentPid)
		if err != nil {
			return err
		}

		j := int(parent.KeyCount) - 1
		for j >= 0 && parent.Keys[j] > promoted {
			parent.Keys[j+1] = parent.Keys[j]
			parent.Children[j+2] = parent.Children[j+1]
			j--
		}
		parent.Keys[j+1] = promoted
		parent.Children[j+2] = childPid
		parent.KeyCount++

		if int(parent.KeyCount) < order {
			if err := t.write(parentPid, parent); err != nil {
				return err
			}
			return t.commitEntryDelta(1)
		}

		promoted, childPid, err = t.splitInternal(parentPid, parent)
		if err != nil {
			return err
		}
	}

	// the promotion reached the root
	newRoot := newNode(cfg, false)
	newRoot.KeyCount = 1
	newRoot.Keys[0] = promoted
	newRoot.Children[0] = path[0]
	newRoot.Children[1] = childPid
	newRootPid, err := t.pm.AllocatePage()
	if err != nil {
		return err
	}
	if err := t.write(newRootPid, newRoot); err != nil {
		return err
	}
	t.pm.SetRootDeferred(newRootPid)
	return t.commitEntryDelta(1)
}

// splitLeaf moves slots mid..count-1 to a fresh leaf, relinks the chain,
// and returns the promoted separator (the new leaf's first key).
func (t *Tree) splitLeaf(leafPid uint32, leaf *Node) (int32, uint32, error) {
	cfg := t.pm.Config()
	mid := int(leaf.KeyCount) / 2

	newLeaf := newNode(cfg, true)
	newLeaf.KeyCount = leaf.KeyCount - uint16(mid)
	for i := 0; i < int(newLeaf.KeyCount); i++ {
		newLeaf.Keys[i] = leaf.Keys[mid+i]
		t.moveSlot(newLeaf, i, leaf, mid+i)
		t.clearSlot(leaf, mid+i)
	}
	leaf.KeyCount = uint16(mid)

	newPid, err := t.pm.AllocatePage()
	if err != nil {
		return 0, 0, err
	}
	newLeaf.Next = leaf.Next
	leaf.Next = newPid

	// child pages first: a reader on the old leaf still reaches a superset
	if err := t.write(newPid, newLeaf); err != nil {
		return 0, 0, err
	}
	if err := t.write(leafPid, leaf); err != nil {
		return 0, 0, err
	}
	return newLeaf.Keys[0], newPid, nil
}

// splitInternal promotes the middle key; it remains in neither half.
func (t *Tree) splitInternal(pid uint32, node *Node) (int32, uint32, error) {
	cfg := t.pm.Config()
	mid := int(node.KeyCount) / 2
	promoted := node.Keys[mid]

	sibling := newNode(cfg, false)
	sibling.KeyCount = node.KeyCount - uint16(mid) - 1
	for i := 0; i < int(sibling.KeyCount); i++ {
		sibling.Keys[i] = node.Keys[mid+1+i]
	}
	for i := 0; i <= int(sibling.KeyCount); i++ {
		sibling.Children[i] = node.Children[mid+1+i]
	}

	node.KeyCount = uint16(mid)
	for i := int(node.KeyCount) + 1; i < len(node.Children); i++ {
		node.Children[i] = InvalidPage
	}

	newPid, err := t.pm.AllocatePage()
	if err != nil {
		return 0, 0, err
	}
	if err := t.write(newPid, sibling); err != nil {
		return 0, 0, err
	}
	if err := t.write(pid, node); err != nil {
		return 0, 0, err
	}
	return promoted, newPid, nil
}

// setSlotPayload attaches rec's vector to leaf slot i as a fresh payload.
func (t *Tree) setSlotPayload(leaf *Node, i int, vec []float32) error {
	cfg := t.pm.Config()
	size := clipSize(len(vec), cfg.MaxVectorSize)
	leaf.VectorSizes[i] = int32(size)
	if cfg.SeparateStorage {
		head, err := t.pm.VectorStore().Store(vec, size)
		if err != nil {
			return err
		}
		leaf.VectorHeads[i] = head
		leaf.VectorCounts[i] = 1
		return nil
	}
	leaf.Vectors[i] = append([]float32(nil), vec[:size]...)
	return nil
}

// moveSlot copies slot j of src, key and payload, into slot i of dst.
func (t *Tree) moveSlot(dst *Node, i int, src *Node, j int) {
	dst.Keys[i] = src.Keys[j]
	dst.VectorSizes[i] = src.VectorSizes[j]
	if t.pm.Config().SeparateStorage {
		dst.VectorHeads[i] = src.VectorHeads[j]
		dst.VectorCounts[i] = src.VectorCounts[j]
		return
	}
	dst.Vectors[i] = src.Vectors[j]
}

func (t *Tree) clearSlot(n *Node, i int) {
	n.VectorSizes[i] = 0
	if t.pm.Config().SeparateStorage {
		n.VectorHeads[i] = 0
		n.VectorCounts[i] = 0
		return
	}
	n.Vectors[i] = nil
}

// commitEntryDelta adjusts the record count and persists the header, which
// commits the whole operation.
func (t *Tree) commitEntryDelta(delta int) error {
	n := t.pm.TotalEntries()
	if delta < 0 && uint32(-delta) > n {
		n = 0
	} else {
		n = uint32(int64(n) + int64(delta))
	}
	t.pm.setTotalEntries(n)
	return t.pm.SaveHeader()
}

func clipSize(n int, max uint32) uint32 {
	if n > int(max) {
		return max
	}
	return uint32(n)
}
