package btree

import (
	"io"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// lookup 定位键所在的叶子单元，键必须存在且带值
func (t *Tree) lookup(key []byte) (nodeView, []pathEntry, []byte, error) {
	if err := t.checkKey(key); err != nil {
		return nodeView{}, nil, nil, err
	}
	leaf, path, err := t.descend(key)
	if err != nil {
		return leaf, nil, nil, err
	}
	i, found := leaf.search(key)
	if !found {
		return leaf, nil, nil, basic.ErrKeyNotFound
	}
	c := leaf.cell(i)
	if !cellHasValue(c) {
		return leaf, nil, nil, basic.ErrNoValue
	}
	return leaf, path, c, nil
}

// ReadAt 从值的 off 处读取，语义同 io.ReaderAt。
// 未压缩的区间值只读取覆盖到的页
func (t *Tree) ReadAt(key, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(basic.ErrBadOffset, "negative offset %d", off)
	}
	_, _, c, err := t.lookup(key)
	if err != nil {
		return 0, err
	}
	inline, ref := leafValue(c)
	if ref == nil {
		return readSlice(inline, buf, off)
	}
	if ref.comp != CompressionNone {
		v, err := t.readExtent(ref)
		if err != nil {
			return 0, err
		}
		return readSlice(v, buf, off)
	}
	if off >= int64(ref.rawLen) {
		return 0, io.EOF
	}
	n := len(buf)
	if rest := int64(ref.rawLen) - off; int64(n) > rest {
		n = int(rest)
	}
	for done := 0; done < n; {
		pos := off + int64(done)
		id := ref.ext.Start + basic.PageId(pos/basic.PagePayloadSize)
		p, err := t.overflowPage(ref, id)
		if err != nil {
			return done, err
		}
		done += copy(buf[done:n], pages.Payload(p)[pos%basic.PagePayloadSize:])
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func readSlice(v, buf []byte, off int64) (int, error) {
	if off >= int64(len(v)) {
		return 0, io.EOF
	}
	n := copy(buf, v[off:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt 在值的 off 处覆盖写入 data，写过值尾时值随之变长，off 不能超过值长。
// 未压缩且长度不变的区间值就地修改被写到的页，其余情况重写整个值
func (t *Tree) WriteAt(key, data []byte, off int64) error {
	if off < 0 {
		return errors.Wrapf(basic.ErrBadOffset, "negative offset %d", off)
	}
	_, _, c, err := t.lookup(key)
	if err != nil {
		return err
	}
	inline, ref := leafValue(c)
	rawLen := int64(len(inline))
	if ref != nil {
		rawLen = int64(ref.rawLen)
	}
	if off > rawLen {
		return errors.Wrapf(basic.ErrBadOffset, "offset %d, value has %d bytes", off, rawLen)
	}
	end := off + int64(len(data))
	if end > int64(t.opts.MaxValueSize) {
		return errors.Wrapf(basic.ErrValueTooLarge, "value grows to %d bytes, limit %d", end, t.opts.MaxValueSize)
	}

	if ref != nil && ref.comp == CompressionNone && end <= rawLen {
		for done := 0; done < len(data); {
			pos := off + int64(done)
			id := ref.ext.Start + basic.PageId(pos/basic.PagePayloadSize)
			if _, err := t.overflowPage(ref, id); err != nil {
				return err
			}
			p, err := t.pager.MutablePage(id)
			if err != nil {
				return err
			}
			done += copy(pages.Payload(p)[pos%basic.PagePayloadSize:], data[done:])
		}
		return nil
	}

	v, err := t.cellValue(c)
	if err != nil {
		return err
	}
	if end > int64(len(v)) {
		v = append(v, make([]byte, end-int64(len(v)))...)
	}
	copy(v[off:], data)
	return t.Put(key, v)
}
