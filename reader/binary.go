// Package reader decodes the input-file formats the index builder accepts:
// the flat binary dump, FVECS, and NPY. Every reader returns records keyed
// by the attribute the file defines (the first coordinate unless labels say
// otherwise), ready for bulk loading.
package reader

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	bptree "github.com/arstotzkan/bptree-rfann"
)

// ReadBinary reads the flat dump: n (int32), d (int32), then n*d float32
// values. The key is the first coordinate truncated to int32; the file is
// expected to be sorted by it.
func ReadBinary(path string) ([]bptree.Record, int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open binary input")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var n, d int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, 0, errors.Wrap(err, "read point count")
	}
	if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
		return nil, 0, errors.Wrap(err, "read dimension")
	}
	if n < 0 || d <= 0 {
		return nil, 0, errors.Errorf("implausible header: n=%d d=%d", n, d)
	}

	records := make([]bptree.Record, 0, n)
	buf := make([]byte, int(d)*4)
	for i := int32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, errors.Wrapf(err, "read point %d", i)
		}
		vec := decodeFloats(buf, int(d))
		records = append(records, bptree.Record{Key: int32(vec[0]), Vector: vec})
	}
	return records, d, nil
}

func decodeFloats(buf []byte, d int) []float32 {
	vec := make([]float32, d)
	for j := 0; j < d; j++ {
		vec[j] = float32frombytes(buf[j*4:])
	}
	return vec
}
