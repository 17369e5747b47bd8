package alloc

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// Space 分配器修改位图和扩展文件时依赖的页空间，由写事务实现
type Space interface {
	// Grow 保证设备至少有 pages 个页
	Grow(pages uint32) error
	// BitmapPage 返回可修改的位图页
	BitmapPage(id basic.PageId) ([]byte, error)
	// NewBitmapPage 创建一个新的位图页
	NewBitmapPage(id basic.PageId) ([]byte, error)
}

// PageReader 加载位图时读取已提交的页
type PageReader func(id basic.PageId) ([]byte, error)

// Allocator 页分配器
//
// 空闲空间持久化在位图页中，内存里维护按页号排序、相邻合并的空闲区间，
// 分配时按最佳适配复用，没有合适区间再扩展文件。
// 每个写事务持有一份 Clone，回滚时直接丢弃。
type Allocator struct {
	pageCount uint32
	free      []basic.Extent
}

// New 空库的分配器
func New() *Allocator {
	return &Allocator{}
}

// Load 从位图页重建空闲区间
func Load(pageCount uint32, read PageReader) (*Allocator, error) {
	a := &Allocator{pageCount: pageCount}
	var run basic.Extent
	flush := func() {
		if run.Count > 0 {
			a.free = append(a.free, run)
			run = basic.Extent{}
		}
	}
	for g := uint32(0); g*pages.PagesPerBitmap < pageCount; g++ {
		bid := pages.BitmapPageForGroup(g)
		if uint32(bid) >= pageCount {
			return nil, basic.NewCorruption("load allocator", "bitmap page %d missing, file has %d pages", bid, pageCount)
		}
		bm, err := read(bid)
		if err != nil {
			return nil, errors.Wrapf(err, "load bitmap page %d", bid)
		}
		if pages.Type(bm) != pages.PageTypeBitmap {
			return nil, basic.NewCorruption("load allocator", "page %d has type %d, expected bitmap", bid, pages.Type(bm))
		}
		end := (g + 1) * pages.PagesPerBitmap
		if end > pageCount {
			end = pageCount
		}
		for i := g * pages.PagesPerBitmap; i < end; i++ {
			id := basic.PageId(i)
			if pages.IsReserved(id) {
				if !pages.BitmapUsed(bm, id) {
					return nil, basic.NewCorruption("load allocator", "reserved page %d marked free", id)
				}
				flush()
				continue
			}
			if pages.BitmapUsed(bm, id) {
				flush()
				continue
			}
			if run.Count == 0 {
				run.Start = id
			}
			run.Count++
		}
		flush()
	}
	return a, nil
}

// Clone 事务私有副本
func (a *Allocator) Clone() *Allocator {
	c := &Allocator{pageCount: a.pageCount}
	c.free = make([]basic.Extent, len(a.free))
	copy(c.free, a.free)
	return c
}

// PageCount 文件高水位
func (a *Allocator) PageCount() uint32 {
	return a.pageCount
}

// FreePages 空闲页总数
func (a *Allocator) FreePages() uint32 {
	var n uint32
	for _, e := range a.free {
		n += e.Count
	}
	return n
}

// FreeExtents 空闲区间的拷贝
func (a *Allocator) FreeExtents() []basic.Extent {
	out := make([]basic.Extent, len(a.free))
	copy(out, a.free)
	return out
}

// IsFree 页是否空闲
func (a *Allocator) IsFree(id basic.PageId) bool {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].End() > id })
	return i < len(a.free) && a.free[i].Contains(id)
}

// Allocate 分配n个连续页
func (a *Allocator) Allocate(space Space, n uint32) (basic.Extent, error) {
	if n == 0 {
		return basic.Extent{}, errors.New("allocate zero pages")
	}
	if n >= pages.PagesPerBitmap {
		return basic.Extent{}, basic.NewError("allocate", errors.Wrapf(basic.ErrOutOfSpace, "extent of %d pages exceeds a bitmap group", n))
	}
	ext, ok := a.takeBestFit(n)
	if !ok {
		var err error
		if ext, err = a.grow(space, n); err != nil {
			return basic.Extent{}, err
		}
	}
	if err := a.mark(space, ext, true); err != nil {
		return basic.Extent{}, err
	}
	return ext, nil
}

// Free 释放区间，内容不清零；重复释放视为损坏
func (a *Allocator) Free(space Space, ext basic.Extent) error {
	if ext.Count == 0 {
		return nil
	}
	if uint32(ext.End()) > a.pageCount || ext.End() < ext.Start {
		return basic.NewCorruption("free", "extent %v beyond %d pages", ext, a.pageCount)
	}
	for id := ext.Start; id < ext.End(); id++ {
		if pages.IsReserved(id) {
			return basic.NewCorruption("free", "extent %v covers reserved page %d", ext, id)
		}
		if a.IsFree(id) {
			return basic.NewCorruption("free", "page %d freed twice", id)
		}
	}
	if err := a.mark(space, ext, false); err != nil {
		return err
	}
	a.insertFree(ext)
	return nil
}

// CheckBitmaps 比对位图与内存中的空闲区间
func (a *Allocator) CheckBitmaps(read PageReader) error {
	var bm []byte
	var cur basic.PageId
	for i := uint32(0); i < a.pageCount; i++ {
		id := basic.PageId(i)
		if b := pages.BitmapPageOf(id); bm == nil || b != cur {
			p, err := read(b)
			if err != nil {
				return err
			}
			bm, cur = p, b
		}
		if pages.BitmapUsed(bm, id) == a.IsFree(id) {
			return basic.NewCorruption("check bitmaps", "page %d: bitmap used=%v, free list free=%v", id, pages.BitmapUsed(bm, id), a.IsFree(id))
		}
	}
	return nil
}

func (a *Allocator) takeBestFit(n uint32) (basic.Extent, bool) {
	best := -1
	for i, e := range a.free {
		if e.Count >= n && (best < 0 || e.Count < a.free[best].Count) {
			best = i
			if e.Count == n {
				break
			}
		}
	}
	if best < 0 {
		return basic.Extent{}, false
	}
	ext := basic.Extent{Start: a.free[best].Start, Count: n}
	if a.free[best].Count == n {
		a.free = append(a.free[:best], a.free[best+1:]...)
	} else {
		a.free[best].Start += basic.PageId(n)
		a.free[best].Count -= n
	}
	return ext, true
}

// grow 从文件末尾分配，跳过元数据页并在新组的开头建立位图页，区间不跨越位图页
func (a *Allocator) grow(space Space, n uint32) (basic.Extent, error) {
	for {
		start := a.pageCount
		if basic.PageId(start) == pages.MetaPageId {
			if err := space.Grow(1); err != nil {
				return basic.Extent{}, err
			}
			a.pageCount = 1
			continue
		}
		if pages.IsBitmapPage(basic.PageId(start)) {
			if err := space.Grow(start + 1); err != nil {
				return basic.Extent{}, err
			}
			if err := a.initBitmap(space, basic.PageId(start)); err != nil {
				return basic.Extent{}, err
			}
			a.pageCount = start + 1
			continue
		}
		next := (start/pages.PagesPerBitmap + 1) * pages.PagesPerBitmap
		if uint64(start)+uint64(n) > uint64(next) {
			if err := space.Grow(next); err != nil {
				return basic.Extent{}, err
			}
			a.pageCount = next
			a.insertFree(basic.Extent{Start: basic.PageId(start), Count: next - start})
			continue
		}
		if uint64(start)+uint64(n) > uint64(^uint32(0)) {
			return basic.Extent{}, basic.NewError("allocate", basic.ErrOutOfSpace)
		}
		if err := space.Grow(start + n); err != nil {
			return basic.Extent{}, err
		}
		a.pageCount = start + n
		return basic.Extent{Start: basic.PageId(start), Count: n}, nil
	}
}

func (a *Allocator) initBitmap(space Space, id basic.PageId) error {
	bm, err := space.NewBitmapPage(id)
	if err != nil {
		return err
	}
	pages.BitmapMark(bm, id, true)
	if id == pages.BitmapPageId {
		pages.BitmapMark(bm, pages.MetaPageId, true)
	}
	return nil
}

func (a *Allocator) mark(space Space, ext basic.Extent, used bool) error {
	var bm []byte
	var cur basic.PageId
	for id := ext.Start; id < ext.End(); id++ {
		if b := pages.BitmapPageOf(id); bm == nil || b != cur {
			p, err := space.BitmapPage(b)
			if err != nil {
				return errors.Wrapf(err, "bitmap page %d", b)
			}
			bm, cur = p, b
		}
		pages.BitmapMark(bm, id, used)
	}
	return nil
}

func (a *Allocator) insertFree(ext basic.Extent) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Start > ext.Start })
	a.free = append(a.free, basic.Extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = ext
	// 与后一个合并
	if i+1 < len(a.free) && a.free[i].End() == a.free[i+1].Start {
		a.free[i].Count += a.free[i+1].Count
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// 与前一个合并
	if i > 0 && a.free[i-1].End() == a.free[i].Start {
		a.free[i-1].Count += a.free[i].Count
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}
