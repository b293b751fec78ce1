package bptree

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// MagicNumber identifies a current-format index header ("BPT3").
	MagicNumber uint32 = 0x42505433

	// InvalidPage is the sentinel for "no page" in children and leaf links.
	InvalidPage uint32 = 0xFFFFFFFF

	// MinPageSize is the floor for the power-of-two page size selection.
	MinPageSize uint32 = 4096

	headerSize = 48
)

// Config is the runtime layout of an index file. It is persisted in the
// header page and adopted verbatim when an existing file is opened.
type Config struct {
	PageSize        uint32
	Order           uint32
	MaxVectorSize   uint32
	Magic           uint32
	SeparateStorage bool
}

// DefaultConfig mirrors the defaults of the original format: 8 KiB pages,
// order 4, 128-dim vectors, inline storage.
func DefaultConfig() Config {
	return Config{
		PageSize:      8192,
		Order:         4,
		MaxVectorSize: 128,
		Magic:         MagicNumber,
	}
}

// NewConfig builds a config for the given order and vector budget and picks
// the smallest page that fits a node.
func NewConfig(order, maxVectorSize uint32, separate bool) Config {
	cfg := Config{
		Order:           order,
		MaxVectorSize:   maxVectorSize,
		Magic:           MagicNumber,
		SeparateStorage: separate,
	}
	cfg.PageSize = cfg.MinPageSizeFor()
	return cfg
}

// NodeSize is the number of bytes a serialized node occupies before page
// padding. Layout: flags block (8), keys[O], children[O+1], next,
// vector_sizes[O], then inline vectors or chain heads plus counts.
func (c Config) NodeSize() uint32 {
	o := c.Order
	size := uint32(8)       // leaf flag + key count, padded
	size += o * 4           // keys
	size += (o + 1) * 4     // children
	size += 4               // next
	size += o * 4           // vector sizes
	if c.SeparateStorage {
		size += o * 8 // chain head ids
		size += o * 4 // chain counts
	} else {
		size += o * c.MaxVectorSize * 4
	}
	return size
}

// MinPageSizeFor rounds the node size up to a power of two, at least 4 KiB.
func (c Config) MinPageSizeFor() uint32 {
	need := c.NodeSize()
	size := MinPageSize
	for size < need {
		size *= 2
	}
	return size
}

// Validate rejects layouts the codec cannot represent.
func (c Config) Validate() error {
	if c.Magic != MagicNumber {
		return badConfigErr("bad magic")
	}
	if c.Order < 2 {
		return badConfigErr("order must be at least 2")
	}
	if c.MaxVectorSize == 0 {
		return badConfigErr("max vector size must be positive")
	}
	if c.PageSize < c.MinPageSizeFor() {
		return errors.WithMessagef(ErrBadConfig, "page size %d below node size %d", c.PageSize, c.NodeSize())
	}
	return nil
}

// SuggestOrder scans order 2..64 for the largest order whose node still fits
// the target page size.
func SuggestOrder(maxVectorSize, targetPageSize uint32, separate bool) uint32 {
	if targetPageSize == 0 {
		targetPageSize = 8192
	}
	for o := uint32(2); o <= 64; o++ {
		test := Config{Order: o, MaxVectorSize: maxVectorSize, Magic: MagicNumber, SeparateStorage: separate}
		if test.NodeSize() > targetPageSize {
			if o > 2 {
				return o - 1
			}
			return 2
		}
	}
	return 64
}

// Header is the typed block at page 0.
type Header struct {
	Config       Config
	RootPage     uint32
	NextFreePage uint32
	TotalEntries uint32
	Reserved     [4]uint32
}

func newHeader(cfg Config) Header {
	return Header{
		Config:       cfg,
		RootPage:     InvalidPage,
		NextFreePage: 1,
	}
}

func (h Header) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Config.PageSize)
	le.PutUint32(buf[4:], h.Config.Order)
	le.PutUint32(buf[8:], h.Config.MaxVectorSize)
	le.PutUint32(buf[12:], h.Config.Magic)
	var sep uint32
	if h.Config.SeparateStorage {
		sep = 1
	}
	le.PutUint32(buf[16:], sep)
	le.PutUint32(buf[20:], h.RootPage)
	le.PutUint32(buf[24:], h.NextFreePage)
	le.PutUint32(buf[28:], h.TotalEntries)
	for i, r := range h.Reserved {
		le.PutUint32(buf[32+i*4:], r)
	}
}

func decodeHeader(buf []byte) Header {
	le := binary.LittleEndian
	var h Header
	h.Config.PageSize = le.Uint32(buf[0:])
	h.Config.Order = le.Uint32(buf[4:])
	h.Config.MaxVectorSize = le.Uint32(buf[8:])
	h.Config.Magic = le.Uint32(buf[12:])
	h.Config.SeparateStorage = le.Uint32(buf[16:]) == 1
	h.RootPage = le.Uint32(buf[20:])
	h.NextFreePage = le.Uint32(buf[24:])
	h.TotalEntries = le.Uint32(buf[28:])
	for i := range h.Reserved {
		h.Reserved[i] = le.Uint32(buf[32+i*4:])
	}
	return h
}
