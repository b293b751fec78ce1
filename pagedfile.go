package bptree

import (
	"io"
	"os"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/dustin/go-humanize"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// flushInterval batches fsyncs: the backing file is synced once every this
// many page or header writes.
const flushInterval = 1000

// backingFile is what the page manager needs from its storage. *os.File
// satisfies it directly; the memory-backed variant wraps memfile.File.
type backingFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// memBacking adapts dsnet's memfile to the backing interface.
type memBacking struct {
	*memfile.File
}

func (memBacking) Sync() error  { return nil }
func (memBacking) Close() error { return nil }

// Option tweaks how a page manager opens its file.
type Option func(*PageManager)

// WithDirectIO opens the index file with O_DIRECT and serves page frames
// from block-aligned buffers. The page size must be a multiple of the
// platform block size.
func WithDirectIO() Option {
	return func(pm *PageManager) { pm.directIO = true }
}

// PageManager owns the fixed-page index file: the typed header at page 0,
// the monotonic page allocator, and the node codec traffic. It also opens
// the companion vector store next to the index file.
type PageManager struct {
	f    backingFile
	path string

	header Header
	vs     *VectorStore

	pageBufs *sync.Pool
	directIO bool

	writesSinceFlush uint32
	log              *zap.Logger
}

// CreatePageManager creates the index file with the requested config, or
// adopts the stored layout when the file already exists. A config mismatch
// against an existing file is logged and the stored layout wins.
func CreatePageManager(path string, cfg Config, log *zap.Logger, opts ...Option) (*PageManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return openPageManager(path, &cfg, log, opts...)
}

// OpenPageManager opens an existing index and reads its layout from the
// header. A file without the magic is accepted with the default layout.
func OpenPageManager(path string, log *zap.Logger, opts ...Option) (*PageManager, error) {
	return openPageManager(path, nil, log, opts...)
}

// OpenMemPageManager builds a page manager over an in-memory file. Only the
// inline layout is supported: there is no place for a vector store file.
func OpenMemPageManager(cfg Config, log *zap.Logger) (*PageManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SeparateStorage {
		return nil, badConfigErr("memory-backed index cannot use separate vector storage")
	}
	pm := &PageManager{
		f:      memBacking{memfile.New(nil)},
		header: newHeader(cfg),
		log:    nopLogger(log),
	}
	pm.initPagePool()
	if err := pm.SaveHeader(); err != nil {
		return nil, err
	}
	return pm, nil
}

func openPageManager(path string, want *Config, log *zap.Logger, opts ...Option) (*PageManager, error) {
	pm := &PageManager{path: path, log: nopLogger(log)}
	for _, opt := range opts {
		opt(pm)
	}

	var (
		f   *os.File
		err error
	)
	if pm.directIO {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, fileIOErr(err, "open index file "+path)
	}
	pm.f = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fileIOErr(err, "stat index file")
	}

	switch {
	case info.Size() == 0:
		cfg := DefaultConfig()
		if want != nil {
			cfg = *want
		}
		pm.header = newHeader(cfg)
		pm.initPagePool()
		if err := pm.SaveHeader(); err != nil {
			f.Close()
			return nil, err
		}
	default:
		if err := pm.loadExisting(want); err != nil {
			f.Close()
			return nil, err
		}
	}

	if pm.directIO && pm.header.Config.PageSize%uint32(directio.BlockSize) != 0 {
		f.Close()
		return nil, errors.WithMessagef(ErrBadConfig,
			"direct io needs page size aligned to %d, have %d", directio.BlockSize, pm.header.Config.PageSize)
	}

	vs, err := OpenVectorStore(path+".vectors", pm.header.Config.MaxVectorSize, pm.log)
	if err != nil {
		f.Close()
		return nil, err
	}
	pm.vs = vs
	return pm, nil
}

func (pm *PageManager) loadExisting(want *Config) error {
	raw := make([]byte, headerSize)
	if _, err := pm.f.ReadAt(raw, 0); err != nil {
		return fileIOErr(err, "read index header")
	}
	h := decodeHeader(raw)

	if h.Config.Magic != MagicNumber {
		// compatibility mode: a pre-header file carries only root and
		// next-free in its first words
		pm.log.Warn("index file has no header magic, assuming old format with default layout")
		cfg := DefaultConfig()
		pm.header = Header{
			Config:       cfg,
			RootPage:     h.Config.PageSize, // first word of the old format
			NextFreePage: h.Config.Order,    // second word
		}
		pm.initPagePool()
		return nil
	}

	if want != nil && (want.Order != h.Config.Order ||
		want.MaxVectorSize != h.Config.MaxVectorSize ||
		want.SeparateStorage != h.Config.SeparateStorage) {
		pm.log.Warn("existing index has a different layout, keeping the stored one",
			zap.Uint32("stored_order", h.Config.Order),
			zap.Uint32("stored_max_vector_size", h.Config.MaxVectorSize),
			zap.Uint32("requested_order", want.Order),
			zap.Uint32("requested_max_vector_size", want.MaxVectorSize))
	}
	pm.header = h
	pm.initPagePool()
	return nil
}

func (pm *PageManager) initPagePool() {
	pageSize := int(pm.header.Config.PageSize)
	direct := pm.directIO
	pm.pageBufs = &sync.Pool{New: func() interface{} {
		if direct {
			return directio.AlignedBlock(pageSize)
		}
		return make([]byte, pageSize)
	}}
}

func (pm *PageManager) getPageBuf() []byte {
	buf := pm.pageBufs.Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Config returns the adopted layout.
func (pm *PageManager) Config() Config { return pm.header.Config }

// VectorStore returns the companion store, nil for memory-backed indexes.
func (pm *PageManager) VectorStore() *VectorStore { return pm.vs }

// Root returns the root page id, InvalidPage for an empty tree.
func (pm *PageManager) Root() uint32 { return pm.header.RootPage }

// SetRoot updates the root and persists the header. The header write is the
// commit point of any structural change.
func (pm *PageManager) SetRoot(pid uint32) error {
	pm.header.RootPage = pid
	return pm.SaveHeader()
}

// SetRootDeferred updates the root without persisting; bulk call sites save
// the header once at the end.
func (pm *PageManager) SetRootDeferred(pid uint32) {
	pm.header.RootPage = pid
}

// TotalEntries reports the record count from the header.
func (pm *PageManager) TotalEntries() uint32 { return pm.header.TotalEntries }

func (pm *PageManager) setTotalEntries(n uint32) { pm.header.TotalEntries = n }

// AllocatePage hands out the next page id and persists the header.
func (pm *PageManager) AllocatePage() (uint32, error) {
	pid := pm.header.NextFreePage
	pm.header.NextFreePage++
	if err := pm.SaveHeader(); err != nil {
		return 0, err
	}
	return pid, nil
}

// AllocatePageDeferred hands out the next page id without touching disk.
func (pm *PageManager) AllocatePageDeferred() uint32 {
	pid := pm.header.NextFreePage
	pm.header.NextFreePage++
	return pid
}

// NextFreePage exposes the allocator watermark (pages are numbered from 1).
func (pm *PageManager) NextFreePage() uint32 { return pm.header.NextFreePage }

func (pm *PageManager) checkPid(pid uint32) error {
	if pid == InvalidPage || pid == 0 {
		return errors.WithMessagef(ErrOutOfRange, "page id %d", pid)
	}
	if pid >= pm.header.NextFreePage {
		return errors.WithMessagef(ErrOutOfRange, "page id %d beyond allocator watermark %d", pid, pm.header.NextFreePage)
	}
	return nil
}

// ReadNode reads and decodes one node page.
func (pm *PageManager) ReadNode(pid uint32) (*Node, error) {
	if err := pm.checkPid(pid); err != nil {
		return nil, err
	}
	buf := pm.getPageBuf()
	defer pm.pageBufs.Put(buf)
	n, err := pm.f.ReadAt(buf, int64(pid)*int64(pm.header.Config.PageSize))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		if n > 0 || err == io.EOF {
			return nil, corruptPageErr(pid, "short read")
		}
		return nil, fileIOErr(err, "read page")
	}
	return DeserializeNode(buf, pm.header.Config), nil
}

// WriteNode encodes and writes one node page.
func (pm *PageManager) WriteNode(pid uint32, node *Node) error {
	if err := pm.checkPid(pid); err != nil {
		return err
	}
	buf := pm.getPageBuf()
	defer pm.pageBufs.Put(buf)
	node.Serialize(buf, pm.header.Config)
	if _, err := pm.f.WriteAt(buf, int64(pid)*int64(pm.header.Config.PageSize)); err != nil {
		return fileIOErr(err, "write page")
	}
	pm.maybeFlush()
	return nil
}

// ReadRaw fills buf from the given page without decoding.
func (pm *PageManager) ReadRaw(pid uint32, buf []byte) error {
	if _, err := pm.f.ReadAt(buf, int64(pid)*int64(pm.header.Config.PageSize)); err != nil {
		return fileIOErr(err, "read raw page")
	}
	return nil
}

// WriteRaw writes buf to the given page without encoding.
func (pm *PageManager) WriteRaw(pid uint32, buf []byte) error {
	if _, err := pm.f.WriteAt(buf, int64(pid)*int64(pm.header.Config.PageSize)); err != nil {
		return fileIOErr(err, "write raw page")
	}
	pm.maybeFlush()
	return nil
}

// SaveHeader writes the header page, zero-padded to the page size.
func (pm *PageManager) SaveHeader() error {
	buf := pm.getPageBuf()
	defer pm.pageBufs.Put(buf)
	pm.header.encode(buf)
	if _, err := pm.f.WriteAt(buf, 0); err != nil {
		return fileIOErr(err, "write index header")
	}
	pm.maybeFlush()
	return nil
}

func (pm *PageManager) maybeFlush() {
	pm.writesSinceFlush++
	if pm.writesSinceFlush >= flushInterval {
		pm.f.Sync()
		pm.writesSinceFlush = 0
	}
}

// EstimateNodeMemoryMB approximates the footprint of loading every node.
func (pm *PageManager) EstimateNodeMemoryMB() uint64 {
	total := pm.header.NextFreePage
	if total <= 1 {
		return 0
	}
	cfg := pm.header.Config
	perNode := uint64(cfg.Order)*4 + uint64(cfg.Order+1)*4 + uint64(cfg.Order)*12 + 100
	if !cfg.SeparateStorage {
		perNode += uint64(cfg.Order) * uint64(cfg.MaxVectorSize) * 4
	}
	return uint64(total-1) * perNode / (1024 * 1024)
}

// LoadAllNodes reads pages 1..next_free_page-1 sequentially into a map,
// stopping at the soft byte cap. maxMB 0 means no cap.
func (pm *PageManager) LoadAllNodes(maxMB uint64) (map[uint32]*Node, error) {
	total := pm.header.NextFreePage
	nodes := make(map[uint32]*Node)
	if total <= 1 {
		return nodes, nil
	}
	estimated := pm.EstimateNodeMemoryMB()
	perNode := estimated * 1024 * 1024 / uint64(total-1)
	if perNode == 0 {
		perNode = 1
	}
	limit := maxMB * 1024 * 1024
	if maxMB > 0 && estimated > maxMB {
		pm.log.Warn("node memory estimate exceeds limit, loading a partial cache",
			zap.String("estimated", humanize.IBytes(estimated*1024*1024)),
			zap.String("limit", humanize.IBytes(limit)))
	}

	buf := pm.getPageBuf()
	defer pm.pageBufs.Put(buf)
	var used uint64
	for pid := uint32(1); pid < total; pid++ {
		if maxMB > 0 && used >= limit {
			break
		}
		n, err := pm.f.ReadAt(buf, int64(pid)*int64(pm.header.Config.PageSize))
		if err != nil && !(err == io.EOF && n == len(buf)) {
			return nodes, corruptPageErr(pid, "short read during bulk node load")
		}
		nodes[pid] = DeserializeNode(buf, pm.header.Config)
		used += perNode
	}
	pm.log.Info("nodes loaded into memory",
		zap.Int("loaded", len(nodes)), zap.Uint32("total", total-1), zap.String("used", humanize.IBytes(used)))
	return nodes, nil
}

// Flush forces an fsync regardless of the batch counter.
func (pm *PageManager) Flush() error {
	pm.writesSinceFlush = 0
	if err := pm.f.Sync(); err != nil {
		return fileIOErr(err, "sync index file")
	}
	return nil
}

// Close saves the header, flushes the vector store, and releases the file.
func (pm *PageManager) Close() error {
	if pm.f == nil {
		return nil
	}
	err := pm.SaveHeader()
	if pm.vs != nil {
		if verr := pm.vs.Close(); err == nil {
			err = verr
		}
	}
	if serr := pm.f.Sync(); err == nil && serr != nil {
		err = fileIOErr(serr, "sync index file")
	}
	if cerr := pm.f.Close(); err == nil && cerr != nil {
		err = fileIOErr(cerr, "close index file")
	}
	pm.f = nil
	return err
}
