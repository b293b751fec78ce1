package bptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCodecInline(t *testing.T) {
	cfg := NewConfig(4, 3, false)
	leaf := newNode(cfg, true)
	leaf.KeyCount = 2
	leaf.Keys[0], leaf.Keys[1] = 10, 20
	leaf.Next = 77
	leaf.VectorSizes[0] = 3
	leaf.Vectors[0] = []float32{1.5, -2.25, 0}
	leaf.VectorSizes[1] = 2
	leaf.Vectors[1] = []float32{4, 8}

	buf := make([]byte, cfg.PageSize)
	leaf.Serialize(buf, cfg)
	got := DeserializeNode(buf, cfg)

	assert.True(t, got.Leaf)
	assert.Equal(t, uint16(2), got.KeyCount)
	assert.Equal(t, int32(10), got.Keys[0])
	assert.Equal(t, int32(20), got.Keys[1])
	assert.Equal(t, uint32(77), got.Next)
	assert.Equal(t, []float32{1.5, -2.25, 0}, got.Vectors[0])
	assert.Equal(t, []float32{4, 8}, got.Vectors[1])
}

func TestNodeCodecInternal(t *testing.T) {
	cfg := NewConfig(4, 3, false)
	node := newNode(cfg, false)
	node.KeyCount = 2
	node.Keys[0], node.Keys[1] = 100, 200
	node.Children[0], node.Children[1], node.Children[2] = 5, 6, 7

	buf := make([]byte, cfg.PageSize)
	node.Serialize(buf, cfg)
	got := DeserializeNode(buf, cfg)

	require.False(t, got.Leaf)
	assert.Equal(t, []uint32{5, 6, 7}, got.Children[:3])
	assert.Equal(t, InvalidPage, got.Children[3])
	assert.Equal(t, InvalidPage, got.Next)
}

func TestNodeCodecSeparate(t *testing.T) {
	cfg := NewConfig(4, 128, true)
	leaf := newNode(cfg, true)
	leaf.KeyCount = 1
	leaf.Keys[0] = 42
	leaf.VectorSizes[0] = 128
	leaf.VectorHeads[0] = 1 << 40
	leaf.VectorCounts[0] = 3

	buf := make([]byte, cfg.PageSize)
	leaf.Serialize(buf, cfg)
	got := DeserializeNode(buf, cfg)

	assert.Equal(t, uint64(1<<40), got.VectorHeads[0])
	assert.Equal(t, uint32(3), got.VectorCounts[0])
	assert.Equal(t, int32(128), got.VectorSizes[0])
}
