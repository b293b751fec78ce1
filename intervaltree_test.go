package bptree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTreeStab(t *testing.T) {
	var it intervalTree
	it.insert(10, 20, "a")
	it.insert(15, 30, "b")
	it.insert(5, 8, "c")
	it.insert(25, 40, "d")

	tests := []struct {
		name string
		key  int32
		want []string
	}{
		{"inside two", 18, []string{"a", "b"}},
		{"left only", 6, []string{"c"}},
		{"boundary start", 10, []string{"a"}},
		{"boundary end", 30, []string{"b", "d"}},
		{"gap", 9, nil},
		{"beyond", 100, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := it.stab(tt.key)
			sort.Strings(got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntervalTreeOverlap(t *testing.T) {
	var it intervalTree
	it.insert(10, 20, "a")
	it.insert(30, 40, "b")
	it.insert(50, 60, "c")

	got := it.overlapping(15, 35)
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Empty(t, it.overlapping(21, 29))
	got = it.overlapping(0, 100)
	assert.Len(t, got, 3)
}

func TestIntervalTreeRemove(t *testing.T) {
	var it intervalTree
	it.insert(10, 20, "a")
	it.insert(15, 30, "b")
	it.insert(5, 8, "c")

	it.remove("b")
	assert.Equal(t, []string{"a"}, it.stab(18))

	// max-end augmentation shrinks back after removal
	assert.Empty(t, it.stab(25))

	it.remove("a")
	it.remove("c")
	assert.Nil(t, it.root)

	// removing from an empty tree is a no-op
	it.remove("ghost")
}

func TestIntervalTreeDuplicateStarts(t *testing.T) {
	var it intervalTree
	it.insert(10, 20, "a")
	it.insert(10, 50, "b")
	it.insert(10, 15, "c")

	got := it.stab(45)
	assert.Equal(t, []string{"b"}, got)
	it.remove("b")
	assert.Empty(t, it.stab(45))
	got = it.stab(12)
	sort.Strings(got)
	assert.Equal(t, []string{"a", "c"}, got)
}
