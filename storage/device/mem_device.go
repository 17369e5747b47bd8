package device

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

// ErrInjected 故障注入产生的写错误
var ErrInjected = errors.New("injected write failure")

// MemDevice 内存页设备，用于测试和崩溃模拟
type MemDevice struct {
	mu        sync.Mutex
	pages     [][]byte
	maxPages  uint32
	failAfter int64
	writes    uint64
	locked    bool
}

// NewMemDevice maxPages 为0表示不限制
func NewMemDevice(maxPages uint32) *MemDevice {
	return &MemDevice{maxPages: maxPages, failAfter: -1}
}

// FailAfter 再成功写n次之后所有写操作失败，n<0 关闭故障注入
func (d *MemDevice) FailAfter(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = n
}

// SetMaxPages 修改页数上限
func (d *MemDevice) SetMaxPages(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxPages = n
}

func (d *MemDevice) injectLocked(op string) error {
	if d.failAfter < 0 {
		return nil
	}
	if d.failAfter == 0 {
		return basic.NewIOError(op, ErrInjected)
	}
	d.failAfter--
	return nil
}

func (d *MemDevice) ReadPage(id basic.PageId, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) >= len(d.pages) {
		return basic.NewIOError("read page", errors.Errorf("page %d beyond end of device", id))
	}
	if d.pages[id] == nil {
		for i := range buf[:basic.PageSize] {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, d.pages[id])
	return nil
}

func (d *MemDevice) WritePage(id basic.PageId, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectLocked("write page"); err != nil {
		return err
	}
	for int(id) >= len(d.pages) {
		d.pages = append(d.pages, nil)
	}
	p := make([]byte, basic.PageSize)
	copy(p, buf)
	d.pages[id] = p
	d.writes++
	return nil
}

func (d *MemDevice) Extend(n uint32) (basic.PageId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := uint32(len(d.pages))
	if d.maxPages > 0 && uint64(first)+uint64(n) > uint64(d.maxPages) {
		return 0, basic.NewError("extend", errors.Wrapf(basic.ErrOutOfSpace, "device limited to %d pages", d.maxPages))
	}
	for i := uint32(0); i < n; i++ {
		d.pages = append(d.pages, nil)
	}
	return basic.PageId(first), nil
}

func (d *MemDevice) Truncate(pages uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectLocked("truncate"); err != nil {
		return err
	}
	if int(pages) < len(d.pages) {
		d.pages = d.pages[:pages]
	}
	for uint32(len(d.pages)) < pages {
		d.pages = append(d.pages, nil)
	}
	return nil
}

func (d *MemDevice) PageCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.pages))
}

func (d *MemDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.injectLocked("flush")
}

func (d *MemDevice) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return basic.NewIOError("lock", basic.ErrLocked)
	}
	d.locked = true
	return nil
}

func (d *MemDevice) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
	return nil
}

func (d *MemDevice) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *MemDevice) Close() error {
	return d.Unlock()
}

// Clone 复制当前内容，得到一个未加锁、无故障注入的设备，模拟崩溃后的磁盘
func (d *MemDevice) Clone() *MemDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &MemDevice{maxPages: d.maxPages, failAfter: -1}
	c.pages = make([][]byte, len(d.pages))
	for i, p := range d.pages {
		if p != nil {
			c.pages[i] = append([]byte(nil), p...)
		}
	}
	return c
}

// Corrupt 翻转某页中的一个字节
func (d *MemDevice) Corrupt(id basic.PageId, offset int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) < len(d.pages) && d.pages[id] != nil {
		d.pages[id][offset] ^= 0xff
	}
}

// MemLog 内存日志文件
type MemLog struct {
	mu        sync.Mutex
	data      []byte
	failAfter int64
	syncs     int
}

func NewMemLog() *MemLog {
	return &MemLog{failAfter: -1}
}

// FailAfter 再成功写n次之后写入和同步失败，n<0 关闭故障注入
func (l *MemLog) FailAfter(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAfter = n
}

func (l *MemLog) inject() error {
	if l.failAfter < 0 {
		return nil
	}
	if l.failAfter == 0 {
		return ErrInjected
	}
	l.failAfter--
	return nil
}

func (l *MemLog) ReadAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if off >= int64(len(l.data)) {
		return 0, io.EOF
	}
	n := copy(p, l.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (l *MemLog) WriteAt(p []byte, off int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.inject(); err != nil {
		return 0, err
	}
	if end := off + int64(len(p)); end > int64(len(l.data)) {
		grown := make([]byte, end)
		copy(grown, l.data)
		l.data = grown
	}
	return copy(l.data[off:], p), nil
}

func (l *MemLog) Truncate(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size < int64(len(l.data)) {
		l.data = l.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, l.data)
		l.data = grown
	}
	return nil
}

func (l *MemLog) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.data)), nil
}

func (l *MemLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.inject(); err != nil {
		return err
	}
	l.syncs++
	return nil
}

// Syncs 同步次数
func (l *MemLog) Syncs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncs
}

func (l *MemLog) Close() error {
	return nil
}

// Clone 复制日志内容
func (l *MemLog) Clone() *MemLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &MemLog{data: append([]byte(nil), l.data...), failAfter: -1}
}

// Bytes 日志内容的拷贝
func (l *MemLog) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.data...)
}
