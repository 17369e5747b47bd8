package pages

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// MetaMagic 元数据页魔数
var MetaMagic = [4]byte{'X', 'K', 'V', '1'}

const (
	MetaPageId   basic.PageId = 0
	BitmapPageId basic.PageId = 1
	// FirstDataPage 新库的根叶子页
	FirstDataPage basic.PageId = 2
)

// 元数据标志位
const (
	MetaFlagLargeValues uint16 = 1 << 0
)

const (
	offMagic        = 8
	offMetaVersion  = 12
	offMetaFlags    = 14
	offPageSize     = 16
	offRoot         = 20
	offPageCount    = 24
	offFreeCount    = 28
	offTxID         = 32
	offWalSalt      = 40
	offMaxValueSize = 48
	offCompression  = 52
	offCodecID      = 53
	offFreeListHead = 54
)

// Meta 元数据页内容
type Meta struct {
	Flags        uint16
	Root         basic.PageId
	PageCount    uint32
	FreeCount    uint32
	TxID         uint64
	WalSalt      uint64
	MaxValueSize uint32
	Compression  uint8
	CodecID      uint8
	FreeListHead basic.PageId
}

// LargeValues 是否启用大值模式
func (m *Meta) LargeValues() bool {
	return m.Flags&MetaFlagLargeValues != 0
}

// Encode 写入元数据页，调用方负责 Seal
func (m *Meta) Encode(p []byte) {
	Init(p, PageTypeMeta)
	copy(p[offMagic:], MetaMagic[:])
	binary.BigEndian.PutUint16(p[offMetaVersion:], FormatVersion)
	binary.BigEndian.PutUint16(p[offMetaFlags:], m.Flags)
	binary.BigEndian.PutUint32(p[offPageSize:], basic.PageSize)
	binary.BigEndian.PutUint32(p[offRoot:], uint32(m.Root))
	binary.BigEndian.PutUint32(p[offPageCount:], m.PageCount)
	binary.BigEndian.PutUint32(p[offFreeCount:], m.FreeCount)
	binary.BigEndian.PutUint64(p[offTxID:], m.TxID)
	binary.BigEndian.PutUint64(p[offWalSalt:], m.WalSalt)
	binary.BigEndian.PutUint32(p[offMaxValueSize:], m.MaxValueSize)
	p[offCompression] = m.Compression
	p[offCodecID] = m.CodecID
	binary.BigEndian.PutUint32(p[offFreeListHead:], uint32(m.FreeListHead))
}

// DecodeMeta 解析元数据页，调用方应先 Verify
func DecodeMeta(p []byte) (*Meta, error) {
	if Type(p) != PageTypeMeta {
		return nil, basic.NewCorruption("decode meta", "page 0 has type %d", Type(p))
	}
	var magic [4]byte
	copy(magic[:], p[offMagic:])
	if magic != MetaMagic {
		return nil, basic.NewCorruption("decode meta", "bad magic %q", magic[:])
	}
	if v := binary.BigEndian.Uint16(p[offMetaVersion:]); v != FormatVersion {
		return nil, basic.NewCorruption("decode meta", "unsupported version %d", v)
	}
	if ps := binary.BigEndian.Uint32(p[offPageSize:]); ps != basic.PageSize {
		return nil, basic.NewCorruption("decode meta", "page size %d, expected %d", ps, basic.PageSize)
	}
	m := &Meta{
		Flags:        binary.BigEndian.Uint16(p[offMetaFlags:]),
		Root:         basic.PageId(binary.BigEndian.Uint32(p[offRoot:])),
		PageCount:    binary.BigEndian.Uint32(p[offPageCount:]),
		FreeCount:    binary.BigEndian.Uint32(p[offFreeCount:]),
		TxID:         binary.BigEndian.Uint64(p[offTxID:]),
		WalSalt:      binary.BigEndian.Uint64(p[offWalSalt:]),
		MaxValueSize: binary.BigEndian.Uint32(p[offMaxValueSize:]),
		Compression:  p[offCompression],
		CodecID:      p[offCodecID],
		FreeListHead: basic.PageId(binary.BigEndian.Uint32(p[offFreeListHead:])),
	}
	if m.Root == MetaPageId || uint32(m.Root) >= m.PageCount {
		return nil, basic.NewCorruption("decode meta", "root %d outside of %d pages", m.Root, m.PageCount)
	}
	return m, nil
}
