package btree

import (
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// Compression 区间值的压缩算法
type Compression uint8

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionLZ4    Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	}
	return "unknown"
}

// ParseCompression 解析配置中的压缩算法名
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, errors.Errorf("unknown compression %q", name)
}

// ValueKind 值的存放方式
type ValueKind int

const (
	// ValueInline 值内联在叶子单元中
	ValueInline ValueKind = iota
	// ValueSinglePage 值放在一个溢出页里
	ValueSinglePage
	// ValueExtent 值跨越多个连续溢出页
	ValueExtent
	// ValueNone 键没有值
	ValueNone
)

// ValueInfo 描述一个值的物理存放
type ValueInfo struct {
	Kind        ValueKind
	Extent      basic.Extent
	RawLen      uint32
	StoredLen   uint32
	Compression Compression
}

// compress 压缩后更短才采用
func compress(c Compression, value []byte) ([]byte, Compression) {
	switch c {
	case CompressionSnappy:
		out := snappy.Encode(nil, value)
		if len(out) < len(value) {
			return out, CompressionSnappy
		}
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, out, nil)
		if err == nil && n > 0 && n < len(value) {
			return out[:n], CompressionLZ4
		}
	}
	return value, CompressionNone
}

func decompress(ref *extentRef, stored []byte) ([]byte, error) {
	switch ref.comp {
	case CompressionNone:
		return stored, nil
	case CompressionSnappy:
		out, err := snappy.Decode(make([]byte, ref.rawLen), stored)
		if err != nil || uint32(len(out)) != ref.rawLen {
			return nil, basic.NewCorruption("decompress", "snappy value at page %d: %v", ref.ext.Start, err)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, ref.rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil || uint32(n) != ref.rawLen {
			return nil, basic.NewCorruption("decompress", "lz4 value at page %d: %v", ref.ext.Start, err)
		}
		return out, nil
	}
	return nil, basic.NewCorruption("decompress", "unknown compression %d at page %d", ref.comp, ref.ext.Start)
}

// writeExtent 分配区间并写入值
func (t *Tree) writeExtent(value []byte) (extentRef, error) {
	stored, comp := compress(t.opts.Compression, value)
	ref := extentRef{rawLen: uint32(len(value)), storedLen: uint32(len(stored)), comp: comp}
	ext, err := t.pager.Allocate(basic.PagesFor(len(stored)))
	if err != nil {
		return ref, err
	}
	ref.ext = ext
	for i := uint32(0); i < ext.Count; i++ {
		id := ext.Start + basic.PageId(i)
		p, err := t.pager.NewPage(id, pages.PageTypeOverflow)
		if err != nil {
			return ref, err
		}
		// 页标志记录压缩算法，读取时与单元中的引用核对
		pages.SetFlags(p, byte(comp))
		copy(pages.Payload(p), stored[int(i)*basic.PagePayloadSize:])
	}
	return ref, nil
}

// readExtent 读取并解压区间中的值
func (t *Tree) readExtent(ref *extentRef) ([]byte, error) {
	stored := make([]byte, ref.storedLen)
	for i := uint32(0); i < ref.ext.Count; i++ {
		p, err := t.overflowPage(ref, ref.ext.Start+basic.PageId(i))
		if err != nil {
			return nil, err
		}
		copy(stored[int(i)*basic.PagePayloadSize:], pages.Payload(p))
	}
	return decompress(ref, stored)
}

// overflowPage 读取区间中的一页并核对页类型和压缩标志
func (t *Tree) overflowPage(ref *extentRef, id basic.PageId) ([]byte, error) {
	p, err := t.pager.Page(id)
	if err != nil {
		return nil, err
	}
	if pages.Type(p) != pages.PageTypeOverflow {
		return nil, basic.NewCorruption("read value", "page %d has type %d, expected overflow", id, pages.Type(p))
	}
	if c := Compression(pages.Flags(p)); c != ref.comp {
		return nil, basic.NewCorruption("read value", "page %d marked %s, value stored as %s", id, c, ref.comp)
	}
	return p, nil
}

func (r *extentRef) info() ValueInfo {
	kind := ValueExtent
	if r.ext.Count == 1 {
		kind = ValueSinglePage
	}
	return ValueInfo{Kind: kind, Extent: r.ext, RawLen: r.rawLen, StoredLen: r.storedLen, Compression: r.comp}
}
