package device

import (
	"io"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// PageDevice 以页为单位的块设备，所有失败都归类为 ErrIOError
type PageDevice interface {
	ReadPage(id basic.PageId, buf []byte) error
	WritePage(id basic.PageId, buf []byte) error
	// Extend 追加n个页，返回第一个新页号；空间不足返回 ErrOutOfSpace
	Extend(n uint32) (basic.PageId, error)
	Truncate(pages uint32) error
	PageCount() uint32
	Flush() error
	Lock() error
	Unlock() error
	Writes() uint64
	Close() error
}

// LogFile 日志文件，按字节随机读写
type LogFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}
