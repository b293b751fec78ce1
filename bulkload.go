package bptree

import (
	"go.uber.org/zap"
)

// DefaultFillFactor packs bulk-loaded nodes to 70% of capacity.
const DefaultFillFactor = 0.7

type childRef struct {
	minKey int32
	pid    uint32
}

// BulkLoad builds the tree bottom-up from records sorted by key. Leaves are
// packed to floor((order-1)*fillFactor) slots and chained left to right;
// each internal level takes one child pointer per lower node and one
// separator per child boundary, filled to the same factor. Pages come from
// the deferred allocator and the header is written once at the end. A
// fillFactor of 0 means the default.
func (t *Tree) BulkLoad(records []Record, fillFactor float64) error {
	if fillFactor == 0 {
		fillFactor = DefaultFillFactor
	}
	if fillFactor < 0.5 || fillFactor > 1.0 {
		return invalidArgErr("fill factor must be within [0.5, 1.0]")
	}
	if t.pm.Root() != InvalidPage {
		return invalidArgErr("bulk load needs an empty tree")
	}
	for i := 1; i < len(records); i++ {
		if records[i].Key < records[i-1].Key {
			return invalidArgErr("bulk load input must be sorted by key")
		}
	}
	if len(records) == 0 {
		return t.pm.SaveHeader()
	}

	cfg := t.pm.Config()
	order := int(cfg.Order)
	perLeaf := int(float64(order-1) * fillFactor)
	if perLeaf < 1 {
		perLeaf = 1
	}

	// leaf level
	var level []childRef
	var prevLeaf *Node
	var prevPid uint32
	for start := 0; start < len(records); start += perLeaf {
		end := start + perLeaf
		if end > len(records) {
			end = len(records)
		}
		leaf := newNode(cfg, true)
		for i, rec := range records[start:end] {
			leaf.Keys[i] = rec.Key
			if err := t.setSlotPayload(leaf, i, rec.Vector); err != nil {
				return err
			}
		}
		leaf.KeyCount = uint16(end - start)
		pid := t.pm.AllocatePageDeferred()
		if prevLeaf != nil {
			prevLeaf.Next = pid
			if err := t.write(prevPid, prevLeaf); err != nil {
				return err
			}
		}
		prevLeaf, prevPid = leaf, pid
		level = append(level, childRef{minKey: leaf.Keys[0], pid: pid})
	}
	if err := t.write(prevPid, prevLeaf); err != nil {
		return err
	}

	// internal levels, bottom-up
	perNode := perLeaf + 1 // children per internal node
	for len(level) > 1 {
		var parents []childRef
		for _, size := range chunkSizes(len(level), perNode, order) {
			children := level[:size]
			level = level[size:]
			ref, err := t.buildInternal(children)
			if err != nil {
				return err
			}
			parents = append(parents, ref)
		}
		level = parents
	}

	t.pm.SetRootDeferred(level[0].pid)
	t.pm.setTotalEntries(uint32(len(records)))
	if err := t.pm.SaveHeader(); err != nil {
		return err
	}
	t.log.Info("bulk load complete",
		zap.Int("records", len(records)), zap.Uint32("pages", t.pm.NextFreePage()-1))
	return nil
}

// chunkSizes slices n children into groups of perNode, reshaping the tail
// so no parent ends up with a single child: the orphan either joins the
// previous group (when a node can hold one more key) or takes one of its
// children.
func chunkSizes(n, perNode, order int) []int {
	var sizes []int
	for n > 0 {
		size := perNode
		if size > n {
			size = n
		}
		if n-size == 1 {
			if perNode < order { // perNode+1 children still fit order-1 keys
				size++
			} else if size > 2 {
				size--
			}
		}
		sizes = append(sizes, size)
		n -= size
	}
	return sizes
}

// buildInternal writes one internal node over the given children and
// returns its reference for the level above.
func (t *Tree) buildInternal(children []childRef) (childRef, error) {
	cfg := t.pm.Config()
	node := newNode(cfg, false)
	for i, c := range children {
		node.Children[i] = c.pid
		if i > 0 {
			node.Keys[i-1] = c.minKey
		}
	}
	node.KeyCount = uint16(len(children) - 1)
	pid := t.pm.AllocatePageDeferred()
	if err := t.write(pid, node); err != nil {
		return childRef{}, err
	}
	return childRef{minKey: children[0].minKey, pid: pid}, nil
}
