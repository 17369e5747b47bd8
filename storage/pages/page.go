package pages

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/util"
)

// 页类型
const (
	PageTypeFree     byte = 0
	PageTypeMeta     byte = 1
	PageTypeBitmap   byte = 2
	PageTypeLeaf     byte = 3
	PageTypeInternal byte = 4
	PageTypeOverflow byte = 5
)

// FormatVersion 页格式版本
const FormatVersion uint16 = 1

// 页头偏移
const (
	offChecksum = 0
	offType     = 4
	offFlags    = 5
	offVersion  = 6
)

// Type 页类型
func Type(p []byte) byte {
	return p[offType]
}

// Flags 页标志位
func Flags(p []byte) byte {
	return p[offFlags]
}

// Init 清空整页并写入页头
func Init(p []byte, pageType byte) {
	for i := range p {
		p[i] = 0
	}
	p[offType] = pageType
	binary.BigEndian.PutUint16(p[offVersion:], FormatVersion)
}

// SetFlags 设置页标志位
func SetFlags(p []byte, flags byte) {
	p[offFlags] = flags
}

// Payload 页头之后的负载区
func Payload(p []byte) []byte {
	return p[basic.PageHeaderSize:basic.PageSize]
}

// Seal 计算并写入校验和
func Seal(p []byte, id basic.PageId) {
	binary.BigEndian.PutUint32(p[offChecksum:], util.PageChecksum(p[offType:basic.PageSize], uint32(id)))
}

// Verify 校验页内容，失败返回 ErrCorruption
func Verify(p []byte, id basic.PageId) error {
	if len(p) != basic.PageSize {
		return basic.NewCorruption("verify page", "page %d has %d bytes", id, len(p))
	}
	want := binary.BigEndian.Uint32(p[offChecksum:])
	if got := util.PageChecksum(p[offType:basic.PageSize], uint32(id)); got != want {
		return basic.NewCorruption("verify page", "checksum mismatch on page %d: stored %08x computed %08x", id, want, got)
	}
	if v := binary.BigEndian.Uint16(p[offVersion:]); v != FormatVersion {
		return basic.NewCorruption("verify page", "page %d has unknown format version %d", id, v)
	}
	return nil
}

// New 分配一个已初始化的页缓冲
func New(pageType byte) []byte {
	p := make([]byte, basic.PageSize)
	Init(p, pageType)
	return p
}

// Clone 复制页
func Clone(p []byte) []byte {
	c := make([]byte, basic.PageSize)
	copy(c, p)
	return c
}
