package engine

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// txPager 事务的页视图，同时作为分配器修改位图和扩展文件的入口
type txPager struct {
	tx *Tx
}

func (p *txPager) Page(id basic.PageId) ([]byte, error) {
	return p.tx.page(id)
}

// MutablePage 第一次修改时复制已提交的页
func (p *txPager) MutablePage(id basic.PageId) ([]byte, error) {
	tx := p.tx
	if !tx.writable {
		return nil, basic.ErrTxReadOnly
	}
	if buf, ok := tx.dirty[id]; ok {
		return buf, nil
	}
	if uint32(id) >= tx.alloc.PageCount() {
		return nil, basic.NewCorruption("mutable page", "page %d beyond %d pages", id, tx.alloc.PageCount())
	}
	committed, err := tx.db.readCommitted(id)
	if err != nil {
		return nil, err
	}
	buf := pages.Clone(committed)
	tx.dirty[id] = buf
	return buf, nil
}

func (p *txPager) NewPage(id basic.PageId, pageType byte) ([]byte, error) {
	tx := p.tx
	if !tx.writable {
		return nil, basic.ErrTxReadOnly
	}
	buf := pages.New(pageType)
	tx.dirty[id] = buf
	return buf, nil
}

func (p *txPager) Allocate(n uint32) (basic.Extent, error) {
	if !p.tx.writable {
		return basic.Extent{}, basic.ErrTxReadOnly
	}
	return p.tx.alloc.Allocate(p, n)
}

// Free 释放后页内容不再需要，私有副本一并丢弃
func (p *txPager) Free(ext basic.Extent) error {
	tx := p.tx
	if !tx.writable {
		return basic.ErrTxReadOnly
	}
	if err := tx.alloc.Free(p, ext); err != nil {
		return err
	}
	for id := ext.Start; id < ext.End(); id++ {
		delete(tx.dirty, id)
	}
	return nil
}

// Grow 扩展数据文件，空间不足时返回 ErrOutOfSpace
func (p *txPager) Grow(n uint32) error {
	dev := p.tx.db.dev
	if cur := dev.PageCount(); cur < n {
		if _, err := dev.Extend(n - cur); err != nil {
			return errors.Wrapf(err, "grow to %d pages", n)
		}
	}
	return nil
}

func (p *txPager) BitmapPage(id basic.PageId) ([]byte, error) {
	return p.MutablePage(id)
}

func (p *txPager) NewBitmapPage(id basic.PageId) ([]byte, error) {
	return p.NewPage(id, pages.PageTypeBitmap)
}
