package reader

import (
	bptree "github.com/arstotzkan/bptree-rfann"
)

// Synthetic produces n records (i, [i, i, ...]) of dimension d, already
// sorted by key. Handy for demos and smoke tests of a fresh index.
func Synthetic(n, d int) []bptree.Record {
	records := make([]bptree.Record, n)
	for i := range records {
		vec := make([]float32, d)
		for j := range vec {
			vec[j] = float32(i)
		}
		records[i] = bptree.Record{Key: int32(i), Vector: vec}
	}
	return records
}
