package reader

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	bptree "github.com/arstotzkan/bptree-rfann"
)

// ReadFVECS reads the fvecs format: per vector an int32 dimension prefix
// followed by that many float32 values. The key is the first coordinate
// truncated to int32. A dimension differing from the first vector's is
// tolerated with a warning, matching builder behavior.
func ReadFVECS(path string, log *zap.Logger) ([]bptree.Record, int32, error) {
	return readFVECS(path, nil, log)
}

// ReadFVECSWithLabels reads vectors from path and takes each record's key
// from the labels file instead: one little-endian int32 per vector, in
// order.
func ReadFVECSWithLabels(path, labelsPath string, log *zap.Logger) ([]bptree.Record, int32, error) {
	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, 0, err
	}
	return readFVECS(path, labels, log)
}

func readFVECS(path string, labels []int32, log *zap.Logger) ([]bptree.Record, int32, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open fvecs input")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var records []bptree.Record
	var dim int32 = -1
	for i := 0; ; i++ {
		var d int32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, errors.Wrapf(err, "read dimension of vector %d", i)
		}
		if d <= 0 || d > 1<<20 {
			return nil, 0, errors.Errorf("implausible dimension %d at vector %d", d, i)
		}
		if dim < 0 {
			dim = d
		} else if d != dim {
			log.Warn("inconsistent vector dimension",
				zap.Int("vector", i), zap.Int32("expected", dim), zap.Int32("got", d))
		}
		buf := make([]byte, int(d)*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, errors.Wrapf(err, "read vector %d", i)
		}
		vec := decodeFloats(buf, int(d))
		key := int32(vec[0])
		if labels != nil {
			if i >= len(labels) {
				return nil, 0, errors.Errorf("label file shorter than input: %d labels, vector %d", len(labels), i)
			}
			key = labels[i]
		}
		records = append(records, bptree.Record{Key: key, Vector: vec})
	}
	if dim < 0 {
		dim = 0
	}
	return records, dim, nil
}

func readLabels(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels file")
	}
	labels := make([]int32, len(data)/4)
	for i := range labels {
		labels[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return labels, nil
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
