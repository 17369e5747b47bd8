package device

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// FileDevice 基于单个文件的页设备
type FileDevice struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	pages  uint32
	writes uint64
	locked bool
}

// OpenFileDevice 打开或创建数据文件
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, basic.NewIOError("open "+path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, basic.NewIOError("stat "+path, err)
	}
	return &FileDevice{
		file:  f,
		path:  path,
		pages: uint32(info.Size() / basic.PageSize),
	}, nil
}

// ReadPage 读取一页
func (d *FileDevice) ReadPage(id basic.PageId, buf []byte) error {
	if uint32(id) >= atomic.LoadUint32(&d.pages) {
		return basic.NewIOError("read page", errors.Errorf("page %d beyond end of file", id))
	}
	if _, err := d.file.ReadAt(buf[:basic.PageSize], int64(id)*basic.PageSize); err != nil {
		return basic.NewIOError("read page", errors.Wrapf(err, "page %d", id))
	}
	return nil
}

// WritePage 写入一页，写到文件末尾之后会自动扩展
func (d *FileDevice) WritePage(id basic.PageId, buf []byte) error {
	if _, err := d.file.WriteAt(buf[:basic.PageSize], int64(id)*basic.PageSize); err != nil {
		return basic.NewIOError("write page", errors.Wrapf(err, "page %d", id))
	}
	atomic.AddUint64(&d.writes, 1)
	d.mu.Lock()
	if uint32(id) >= d.pages {
		atomic.StoreUint32(&d.pages, uint32(id)+1)
	}
	d.mu.Unlock()
	return nil
}

// Extend 扩展文件
func (d *FileDevice) Extend(n uint32) (basic.PageId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := d.pages
	if uint64(first)+uint64(n) > uint64(^uint32(0)) {
		return 0, basic.NewError("extend", basic.ErrOutOfSpace)
	}
	if err := d.file.Truncate(int64(first+n) * basic.PageSize); err != nil {
		return 0, basic.NewError("extend", errors.Wrapf(basic.ErrOutOfSpace, "grow to %d pages: %v", first+n, err))
	}
	atomic.StoreUint32(&d.pages, first+n)
	return basic.PageId(first), nil
}

// Truncate 截断到指定页数
func (d *FileDevice) Truncate(pages uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Truncate(int64(pages) * basic.PageSize); err != nil {
		return basic.NewIOError("truncate", err)
	}
	atomic.StoreUint32(&d.pages, pages)
	return nil
}

// PageCount 当前页数
func (d *FileDevice) PageCount() uint32 {
	return atomic.LoadUint32(&d.pages)
}

// Flush 落盘
func (d *FileDevice) Flush() error {
	if err := d.file.Sync(); err != nil {
		return basic.NewIOError("flush", err)
	}
	return nil
}

// Lock 获取排他文件锁，不阻塞
func (d *FileDevice) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return nil
	}
	if err := lockFile(d.file); err != nil {
		return basic.NewIOError("lock "+d.path, err)
	}
	d.locked = true
	return nil
}

// Unlock 释放文件锁
func (d *FileDevice) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.locked {
		return nil
	}
	d.locked = false
	if err := unlockFile(d.file); err != nil {
		return basic.NewIOError("unlock "+d.path, err)
	}
	return nil
}

// Writes 累计写页次数
func (d *FileDevice) Writes() uint64 {
	return atomic.LoadUint64(&d.writes)
}

// Close 关闭文件
func (d *FileDevice) Close() error {
	if err := d.Unlock(); err != nil {
		d.file.Close()
		return err
	}
	if err := d.file.Close(); err != nil {
		return basic.NewIOError("close "+d.path, err)
	}
	return nil
}

// fileLog 基于文件的日志
type fileLog struct {
	*os.File
}

// OpenLogFile 打开或创建日志文件
func OpenLogFile(path string) (LogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, basic.NewIOError("open "+path, err)
	}
	return &fileLog{File: f}, nil
}

func (l *fileLog) Size() (int64, error) {
	info, err := l.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
