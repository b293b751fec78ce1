package reader

import (
	"encoding/binary"
	"math"
	"os"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	bptree "github.com/arstotzkan/bptree-rfann"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\((\d+)\s*,\s*(\d+)\s*,?\)`)
)

// ReadNPY reads a 2-D little-endian float array in NPY v1/v2 format,
// C-order only. dtype <f4 or <f8; doubles are narrowed to float32. The key
// is the first coordinate truncated to int32.
func ReadNPY(path string) ([]bptree.Record, int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open npy input")
	}
	if len(data) < 10 || string(data[:6]) != string(npyMagic) {
		return nil, 0, errors.New("not an npy file")
	}
	major := data[6]
	var headerLen, headerStart int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:]))
		headerStart = 10
	case 2, 3:
		if len(data) < 12 {
			return nil, 0, errors.New("truncated npy header")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:]))
		headerStart = 12
	default:
		return nil, 0, errors.Errorf("unsupported npy version %d", major)
	}
	if headerStart+headerLen > len(data) {
		return nil, 0, errors.New("truncated npy header")
	}
	header := string(data[headerStart : headerStart+headerLen])

	descr := descrRe.FindStringSubmatch(header)
	if descr == nil {
		return nil, 0, errors.New("npy header missing descr")
	}
	var itemSize int
	switch descr[1] {
	case "<f4":
		itemSize = 4
	case "<f8":
		itemSize = 8
	default:
		return nil, 0, errors.Errorf("unsupported npy dtype %s", descr[1])
	}
	if m := fortranRe.FindStringSubmatch(header); m != nil && m[1] == "True" {
		return nil, 0, errors.New("fortran-order npy arrays are not supported")
	}
	shape := shapeRe.FindStringSubmatch(header)
	if shape == nil {
		return nil, 0, errors.New("npy array must be two-dimensional")
	}
	n, _ := strconv.Atoi(shape[1])
	d, _ := strconv.Atoi(shape[2])
	if d <= 0 {
		return nil, 0, errors.Errorf("implausible npy shape (%d, %d)", n, d)
	}

	body := data[headerStart+headerLen:]
	if len(body) < n*d*itemSize {
		return nil, 0, errors.New("npy body shorter than its shape")
	}
	records := make([]bptree.Record, 0, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, d)
		row := body[i*d*itemSize:]
		for j := 0; j < d; j++ {
			if itemSize == 4 {
				vec[j] = float32frombytes(row[j*4:])
			} else {
				vec[j] = float32(math.Float64frombits(binary.LittleEndian.Uint64(row[j*8:])))
			}
		}
		records = append(records, bptree.Record{Key: int32(vec[0]), Vector: vec})
	}
	return records, int32(d), nil
}
