package bptree

import (
	"encoding/binary"
)

// Node is one B+ tree page worth of state. Slot i of a leaf carries either
// an inline vector (Vectors[i], inline layout) or a chain reference
// (VectorHeads[i]/VectorCounts[i], separate layout). Internal nodes use
// Children; leaves use Next.
type Node struct {
	Leaf     bool
	KeyCount uint16
	Keys     []int32
	Children []uint32
	Next     uint32

	VectorSizes  []int32
	Vectors      [][]float32 // inline layout
	VectorHeads  []uint64    // separate layout
	VectorCounts []uint32    // separate layout
}

// newNode allocates a node with every child and link set to InvalidPage.
// KeyCount may transiently reach Order during a split, so the slot arrays
// are sized Order+1 in memory while only Order slots are ever serialized.
func newNode(cfg Config, leaf bool) *Node {
	o := int(cfg.Order)
	n := &Node{
		Leaf:        leaf,
		Keys:        make([]int32, o+1),
		Children:    make([]uint32, o+2),
		Next:        InvalidPage,
		VectorSizes: make([]int32, o+1),
	}
	for i := range n.Children {
		n.Children[i] = InvalidPage
	}
	if cfg.SeparateStorage {
		n.VectorHeads = make([]uint64, o+1)
		n.VectorCounts = make([]uint32, o+1)
	} else {
		n.Vectors = make([][]float32, o+1)
	}
	return n
}

// Serialize writes the node into buf, which must hold at least
// cfg.NodeSize() bytes. Unused slots stay zero.
func (n *Node) Serialize(buf []byte, cfg Config) {
	le := binary.LittleEndian
	for i := range buf[:cfg.NodeSize()] {
		buf[i] = 0
	}
	if n.Leaf {
		buf[0] = 1
	}
	le.PutUint16(buf[4:], n.KeyCount)

	o := int(cfg.Order)
	off := 8
	for i := 0; i < o; i++ {
		if i < len(n.Keys) {
			le.PutUint32(buf[off:], uint32(n.Keys[i]))
		}
		off += 4
	}
	for i := 0; i <= o; i++ {
		child := InvalidPage
		if i < len(n.Children) {
			child = n.Children[i]
		}
		le.PutUint32(buf[off:], child)
		off += 4
	}
	le.PutUint32(buf[off:], n.Next)
	off += 4
	for i := 0; i < o; i++ {
		if i < len(n.VectorSizes) {
			le.PutUint32(buf[off:], uint32(n.VectorSizes[i]))
		}
		off += 4
	}
	if cfg.SeparateStorage {
		for i := 0; i < o; i++ {
			if i < len(n.VectorHeads) {
				le.PutUint64(buf[off:], n.VectorHeads[i])
			}
			off += 8
		}
		for i := 0; i < o; i++ {
			if i < len(n.VectorCounts) {
				le.PutUint32(buf[off:], n.VectorCounts[i])
			}
			off += 4
		}
		return
	}
	d := int(cfg.MaxVectorSize)
	for i := 0; i < o; i++ {
		if i < len(n.Vectors) {
			vec := n.Vectors[i]
			for j := 0; j < len(vec) && j < d; j++ {
				le.PutUint32(buf[off+j*4:], fbits(vec[j]))
			}
		}
		off += d * 4
	}
}

// DeserializeNode rebuilds a node from a page image.
func DeserializeNode(buf []byte, cfg Config) *Node {
	le := binary.LittleEndian
	n := newNode(cfg, buf[0] == 1)
	n.KeyCount = le.Uint16(buf[4:])

	o := int(cfg.Order)
	off := 8
	for i := 0; i < o; i++ {
		n.Keys[i] = int32(le.Uint32(buf[off:]))
		off += 4
	}
	for i := 0; i <= o; i++ {
		n.Children[i] = le.Uint32(buf[off:])
		off += 4
	}
	n.Next = le.Uint32(buf[off:])
	off += 4
	for i := 0; i < o; i++ {
		n.VectorSizes[i] = int32(le.Uint32(buf[off:]))
		off += 4
	}
	if cfg.SeparateStorage {
		for i := 0; i < o; i++ {
			n.VectorHeads[i] = le.Uint64(buf[off:])
			off += 8
		}
		for i := 0; i < o; i++ {
			n.VectorCounts[i] = le.Uint32(buf[off:])
			off += 4
		}
		return n
	}
	d := int(cfg.MaxVectorSize)
	for i := 0; i < o; i++ {
		size := int(n.VectorSizes[i])
		if size > d {
			size = d
		}
		if size > 0 {
			vec := make([]float32, size)
			for j := 0; j < size; j++ {
				vec[j] = ffloat(le.Uint32(buf[off+j*4:]))
			}
			n.Vectors[i] = vec
		}
		off += d * 4
	}
	return n
}
