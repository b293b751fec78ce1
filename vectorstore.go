package bptree

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Vector store file format (version 2, linked-list chains):
//
//	header (24 bytes): magic, version, next_vector_id, data_start_offset, max_vector_size
//	entry at offset: size (4) + next_id (8) + floats (size*4)
//
// next_id links entries that share a leaf slot; 0 terminates a chain.
// Random access metadata lives in a <file>.meta sidecar.
const (
	vsMagic      uint32 = 0x56535432 // "VS2"
	vsVersion    uint32 = 2
	vsHeaderSize uint64 = 24

	// chainEps is the elementwise tolerance for matching a vector inside a
	// chain on removal.
	chainEps float32 = 1e-6

	vsFlushInterval = 1000
)

type vectorMeta struct {
	Offset uint64
	Size   uint32
	NextID uint64
}

type cachedVector struct {
	data   []float32
	nextID uint64
}

// VectorStore is the append-only companion file holding variable-length
// vector blobs for the separate layout. IDs start at 1; 0 means "no vector".
type VectorStore struct {
	f             *os.File
	path          string
	maxVectorSize uint32
	nextVectorID  uint64
	endOffset     uint64
	meta          map[uint64]vectorMeta

	memCache  map[uint64]cachedVector
	memLoaded bool

	writesSinceFlush uint32
	log              *zap.Logger
}

// OpenVectorStore opens or creates the store and its metadata sidecar. No
// consistency scan is performed on startup; the sidecar is trusted.
func OpenVectorStore(path string, maxVectorSize uint32, log *zap.Logger) (*VectorStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fileIOErr(err, "open vector store "+path)
	}
	vs := &VectorStore{
		f:             f,
		path:          path,
		maxVectorSize: maxVectorSize,
		nextVectorID:  1,
		meta:          make(map[uint64]vectorMeta),
		log:           nopLogger(log),
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fileIOErr(err, "stat vector store")
	}
	if info.Size() == 0 {
		if err := vs.initNewFile(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := vs.loadExistingFile(uint64(info.Size())); err != nil {
			f.Close()
			return nil, err
		}
	}
	return vs, nil
}

func (vs *VectorStore) initNewFile() error {
	buf := make([]byte, vsHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], vsMagic)
	le.PutUint32(buf[4:], vsVersion)
	le.PutUint64(buf[8:], 1)
	le.PutUint32(buf[16:], uint32(vsHeaderSize))
	le.PutUint32(buf[20:], vs.maxVectorSize)
	if _, err := vs.f.WriteAt(buf, 0); err != nil {
		return fileIOErr(err, "write vector store header")
	}
	vs.endOffset = vsHeaderSize
	// truncate any stale sidecar
	meta, err := os.Create(vs.path + ".meta")
	if err != nil {
		return fileIOErr(err, "create vector store sidecar")
	}
	defer meta.Close()
	var count [4]byte
	if _, err := meta.Write(count[:]); err != nil {
		return fileIOErr(err, "write vector store sidecar")
	}
	return nil
}

func (vs *VectorStore) loadExistingFile(size uint64) error {
	buf := make([]byte, vsHeaderSize)
	if _, err := vs.f.ReadAt(buf, 0); err != nil {
		return fileIOErr(err, "read vector store header")
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != vsMagic {
		return errors.WithMessage(ErrCorruptPage, "vector store magic mismatch, rebuild the index")
	}
	if v := le.Uint32(buf[4:]); v != vsVersion {
		return errors.WithMessagef(ErrCorruptPage, "unsupported vector store version %d", v)
	}
	vs.nextVectorID = le.Uint64(buf[8:])
	vs.maxVectorSize = le.Uint32(buf[20:])
	vs.endOffset = size
	if vs.endOffset < vsHeaderSize {
		vs.endOffset = vsHeaderSize
	}
	return vs.readMetadata()
}

func (vs *VectorStore) storeInternal(id uint64, vec []float32, size uint32, nextID uint64) error {
	if size > vs.maxVectorSize {
		size = vs.maxVectorSize
	}
	buf := make([]byte, 12+int(size)*4)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], size)
	le.PutUint64(buf[4:], nextID)
	for i := uint32(0); i < size; i++ {
		var v float32
		if int(i) < len(vec) {
			v = vec[i]
		}
		le.PutUint32(buf[12+i*4:], fbits(v))
	}
	off := vs.endOffset
	if _, err := vs.f.WriteAt(buf, int64(off)); err != nil {
		return fileIOErr(err, "append vector")
	}
	vs.endOffset += uint64(len(buf))
	vs.meta[id] = vectorMeta{Offset: off, Size: size, NextID: nextID}
	if id >= vs.nextVectorID {
		vs.nextVectorID = id + 1
	}
	vs.writesSinceFlush++
	if vs.writesSinceFlush >= vsFlushInterval {
		vs.f.Sync()
		vs.writesSinceFlush = 0
	}
	return nil
}

// Store appends a new single-entry chain and returns its id.
func (vs *VectorStore) Store(vec []float32, size uint32) (uint64, error) {
	id := vs.nextVectorID
	vs.nextVectorID++
	if err := vs.storeInternal(id, vec, size, 0); err != nil {
		return 0, err
	}
	return id, nil
}

// AppendToChain stores vec as the new chain head pointing at the previous
// head and returns the new head id.
func (vs *VectorStore) AppendToChain(headID uint64, vec []float32, size uint32) (uint64, error) {
	id := vs.nextVectorID
	vs.nextVectorID++
	if err := vs.storeInternal(id, vec, size, headID); err != nil {
		return 0, err
	}
	return id, nil
}

// Retrieve reads one entry by id.
func (vs *VectorStore) Retrieve(id uint64) ([]float32, uint32, error) {
	if id == 0 {
		return nil, 0, invalidArgErr("vector id 0")
	}
	if vs.memLoaded {
		if cached, ok := vs.memCache[id]; ok {
			return cached.data, uint32(len(cached.data)), nil
		}
	}
	m, ok := vs.meta[id]
	if !ok {
		return nil, 0, errors.WithMessagef(ErrNotFound, "vector id %d", id)
	}
	vec, _, err := vs.readEntry(m)
	return vec, m.Size, err
}

func (vs *VectorStore) readEntry(m vectorMeta) ([]float32, uint64, error) {
	buf := make([]byte, 12+int(m.Size)*4)
	if _, err := vs.f.ReadAt(buf, int64(m.Offset)); err != nil {
		return nil, 0, fileIOErr(err, "read vector entry")
	}
	le := binary.LittleEndian
	nextID := le.Uint64(buf[4:])
	vec := make([]float32, m.Size)
	for i := range vec {
		vec[i] = ffloat(le.Uint32(buf[12+i*4:]))
	}
	return vec, nextID, nil
}

// RetrieveChain walks the chain from headID, returning at most n vectors in
// head-first order. The walk stops at next_id 0 or a dangling id.
func (vs *VectorStore) RetrieveChain(headID uint64, n uint32) ([][]float32, []uint32, error) {
	vectors := make([][]float32, 0, n)
	sizes := make([]uint32, 0, n)
	current := headID
	for current != 0 && uint32(len(vectors)) < n {
		if vs.memLoaded {
			if cached, ok := vs.memCache[current]; ok {
				vectors = append(vectors, cached.data)
				sizes = append(sizes, uint32(len(cached.data)))
				current = cached.nextID
				continue
			}
		}
		m, ok := vs.meta[current]
		if !ok {
			break
		}
		vec, nextID, err := vs.readEntry(m)
		if err != nil {
			return nil, nil, err
		}
		vectors = append(vectors, vec)
		sizes = append(sizes, m.Size)
		current = nextID
	}
	return vectors, sizes, nil
}

// RemoveFromChain drops the first entry matching target within chainEps and
// rebuilds the chain without it. Returns the new head id and chain length.
// An unmatched target leaves the chain untouched.
func (vs *VectorStore) RemoveFromChain(headID uint64, n uint32, target []float32) (uint64, uint32, error) {
	vectors, sizes, err := vs.RetrieveChain(headID, n)
	if err != nil {
		return headID, n, err
	}
	removeIdx := -1
	for i, vec := range vectors {
		if vectorsEqual(vec, target, chainEps) {
			removeIdx = i
			break
		}
	}
	if removeIdx < 0 {
		return headID, uint32(len(vectors)), nil
	}
	vectors = append(vectors[:removeIdx], vectors[removeIdx+1:]...)
	sizes = append(sizes[:removeIdx], sizes[removeIdx+1:]...)
	if len(vectors) == 0 {
		return 0, 0, nil
	}
	// rebuild in reverse so the original head stays the head
	var newHead uint64
	for i := len(vectors) - 1; i >= 0; i-- {
		if newHead == 0 {
			newHead, err = vs.Store(vectors[i], sizes[i])
		} else {
			newHead, err = vs.AppendToChain(newHead, vectors[i], sizes[i])
		}
		if err != nil {
			return headID, n, err
		}
	}
	return newHead, uint32(len(vectors)), nil
}

// EstimateMemoryMB approximates the in-memory footprint of a full load.
func (vs *VectorStore) EstimateMemoryMB() uint64 {
	var total uint64
	for _, m := range vs.meta {
		total += uint64(m.Size)*4 + 40
	}
	return total / (1024 * 1024)
}

// LoadAll reads vector contents into a memory cache, in offset order for
// sequential I/O, stopping at the soft byte cap. maxMB 0 means no cap.
func (vs *VectorStore) LoadAll(maxMB uint64) error {
	vs.memCache = make(map[uint64]cachedVector, len(vs.meta))
	vs.memLoaded = false
	if len(vs.meta) == 0 {
		vs.memLoaded = true
		return nil
	}

	type entry struct {
		id uint64
		m  vectorMeta
	}
	sorted := make([]entry, 0, len(vs.meta))
	for id, m := range vs.meta {
		sorted = append(sorted, entry{id, m})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].m.Offset < sorted[j].m.Offset })

	limit := maxMB * 1024 * 1024
	var used uint64
	loaded := 0
	for _, e := range sorted {
		if limit > 0 && used >= limit {
			vs.log.Info("vector cache memory limit reached",
				zap.Int("loaded", loaded), zap.String("used", humanize.IBytes(used)))
			break
		}
		vec, nextID, err := vs.readEntry(e.m)
		if err != nil {
			return err
		}
		vs.memCache[e.id] = cachedVector{data: vec, nextID: nextID}
		used += uint64(e.m.Size)*4 + 48
		loaded++
	}
	vs.log.Info("vectors loaded into memory",
		zap.Int("loaded", loaded), zap.Int("total", len(vs.meta)), zap.String("used", humanize.IBytes(used)))
	vs.memLoaded = true
	return nil
}

// ClearMemoryCache drops the in-memory contents.
func (vs *VectorStore) ClearMemoryCache() {
	vs.memCache = nil
	vs.memLoaded = false
}

func (vs *VectorStore) writeMetadata() error {
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], vs.nextVectorID)
	if _, err := vs.f.WriteAt(idBuf[:], 8); err != nil {
		return fileIOErr(err, "write vector store header")
	}
	if err := vs.f.Sync(); err != nil {
		return fileIOErr(err, "sync vector store")
	}

	meta, err := os.Create(vs.path + ".meta")
	if err != nil {
		return fileIOErr(err, "create vector store sidecar")
	}
	defer meta.Close()
	buf := make([]byte, 4+len(vs.meta)*28)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(len(vs.meta)))
	off := 4
	for id, m := range vs.meta {
		le.PutUint64(buf[off:], id)
		le.PutUint64(buf[off+8:], m.Offset)
		le.PutUint32(buf[off+16:], m.Size)
		le.PutUint64(buf[off+20:], m.NextID)
		off += 28
	}
	if _, err := meta.Write(buf); err != nil {
		return fileIOErr(err, "write vector store sidecar")
	}
	return nil
}

func (vs *VectorStore) readMetadata() error {
	data, err := os.ReadFile(vs.path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fileIOErr(err, "read vector store sidecar")
	}
	if len(data) < 4 {
		return nil
	}
	le := binary.LittleEndian
	count := le.Uint32(data[0:])
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+28 > len(data) {
			return errors.WithMessage(ErrCorruptPage, "truncated vector store sidecar")
		}
		id := le.Uint64(data[off:])
		vs.meta[id] = vectorMeta{
			Offset: le.Uint64(data[off+8:]),
			Size:   le.Uint32(data[off+16:]),
			NextID: le.Uint64(data[off+20:]),
		}
		off += 28
	}
	return nil
}

// Flush persists the header id counter and rewrites the sidecar.
func (vs *VectorStore) Flush() error {
	return vs.writeMetadata()
}

// Close flushes and releases the file.
func (vs *VectorStore) Close() error {
	if vs.f == nil {
		return nil
	}
	err := vs.writeMetadata()
	if cerr := vs.f.Close(); err == nil && cerr != nil {
		err = fileIOErr(cerr, "close vector store")
	}
	vs.f = nil
	vs.ClearMemoryCache()
	return err
}

// NumVectors reports how many entries the store tracks.
func (vs *VectorStore) NumVectors() int { return len(vs.meta) }
