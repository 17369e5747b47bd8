package btree

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// Pager 树读写页的接口，由事务实现
type Pager interface {
	// Page 返回只读页，调用方不得修改
	Page(id basic.PageId) ([]byte, error)
	// MutablePage 返回事务私有的可写副本
	MutablePage(id basic.PageId) ([]byte, error)
	// NewPage 为新分配的页建立可写缓冲
	NewPage(id basic.PageId, pageType byte) ([]byte, error)
	Allocate(n uint32) (basic.Extent, error)
	Free(ext basic.Extent) error
}

// Options 树的参数
type Options struct {
	MaxValueSize uint32
	Compression  Compression
	// MaxKeySize 键长上限，为 0 时取 basic.MaxKeySize
	MaxKeySize int
}

// Tree B+树，单元长度可变，大值存放在溢出页区间
type Tree struct {
	pager Pager
	root  basic.PageId
	opts  Options
}

// pathEntry 下降路径上的一层：内部节点及所选孩子下标
type pathEntry struct {
	id    basic.PageId
	child int
}

// Create 建立只有一个空叶子根的树
func Create(pager Pager, opts Options) (*Tree, error) {
	ext, err := pager.Allocate(1)
	if err != nil {
		return nil, err
	}
	buf, err := pager.NewPage(ext.Start, pages.PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	(&nodeData{leaf: true}).encode(buf)
	return &Tree{pager: pager, root: ext.Start, opts: opts}, nil
}

// Open 打开已有的树
func Open(pager Pager, root basic.PageId, opts Options) *Tree {
	return &Tree{pager: pager, root: root, opts: opts}
}

// Root 当前根页
func (t *Tree) Root() basic.PageId {
	return t.root
}

func (t *Tree) node(id basic.PageId) (nodeView, error) {
	buf, err := t.pager.Page(id)
	if err != nil {
		return nodeView{}, err
	}
	return viewNode(id, buf)
}

func (t *Tree) writeNode(id basic.PageId, d *nodeData) error {
	buf, err := t.pager.MutablePage(id)
	if err != nil {
		return err
	}
	d.encode(buf)
	return nil
}

// descend 从根下降到包含 key 的叶子，返回叶子及路径
func (t *Tree) descend(key []byte) (nodeView, []pathEntry, error) {
	var path []pathEntry
	id := t.root
	for depth := 0; ; depth++ {
		n, err := t.node(id)
		if err != nil {
			return n, nil, err
		}
		if n.isLeaf() {
			return n, path, nil
		}
		if depth > maxDepth {
			return n, nil, basic.NewCorruption("descend", "tree deeper than %d levels at page %d", maxDepth, id)
		}
		ci := n.childIndex(key)
		path = append(path, pathEntry{id: id, child: ci})
		id = n.child(ci)
		if id == basic.NilPage {
			return n, nil, basic.NewCorruption("descend", "page %d child %d is nil", n.id, ci)
		}
	}
}

// maxDepth 深度上限，用于识别环
const maxDepth = 64

func (t *Tree) checkKey(key []byte) error {
	limit := t.opts.MaxKeySize
	if limit == 0 {
		limit = basic.MaxKeySize
	}
	if len(key) > limit {
		return errors.Wrapf(basic.ErrKeyTooLarge, "key of %d bytes, limit %d", len(key), limit)
	}
	return nil
}

// Get 查找键
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	leaf, _, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	i, found := leaf.search(key)
	if !found {
		return nil, basic.ErrKeyNotFound
	}
	return t.cellValue(leaf.cell(i))
}

// Info 值的存放方式
func (t *Tree) Info(key []byte) (ValueInfo, error) {
	if err := t.checkKey(key); err != nil {
		return ValueInfo{}, err
	}
	leaf, _, err := t.descend(key)
	if err != nil {
		return ValueInfo{}, err
	}
	i, found := leaf.search(key)
	if !found {
		return ValueInfo{}, basic.ErrKeyNotFound
	}
	c := leaf.cell(i)
	if !cellHasValue(c) {
		return ValueInfo{Kind: ValueNone}, nil
	}
	inline, ref := leafValue(c)
	if ref == nil {
		return ValueInfo{Kind: ValueInline, RawLen: uint32(len(inline)), StoredLen: uint32(len(inline))}, nil
	}
	return ref.info(), nil
}

func (t *Tree) cellValue(c []byte) ([]byte, error) {
	if !cellHasValue(c) {
		return nil, basic.ErrNoValue
	}
	inline, ref := leafValue(c)
	if ref == nil {
		return append([]byte(nil), inline...), nil
	}
	return t.readExtent(ref)
}

// Put 插入或覆盖
func (t *Tree) Put(key, value []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if uint64(len(value)) > uint64(t.opts.MaxValueSize) {
		return errors.Wrapf(basic.ErrValueTooLarge, "value of %d bytes, limit %d", len(value), t.opts.MaxValueSize)
	}

	leaf, path, err := t.descend(key)
	if err != nil {
		return err
	}

	var cell []byte
	if inlineCellSize(key, value) <= MaxCellSize {
		cell = inlineCell(key, value)
	} else {
		ref, err := t.writeExtent(value)
		if err != nil {
			return err
		}
		cell = extentCell(key, ref)
	}
	return t.store(leaf, path, key, cell)
}

// PutEmpty 写入没有值的键。与空值不同，Get 返回 ErrNoValue
func (t *Tree) PutEmpty(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	leaf, path, err := t.descend(key)
	if err != nil {
		return err
	}
	return t.store(leaf, path, key, emptyCell(key))
}

// store 把单元放进叶子，覆盖同键单元时释放其旧区间
func (t *Tree) store(leaf nodeView, path []pathEntry, key, cell []byte) error {
	d := leaf.load()
	i, found := leaf.search(key)
	if found {
		if _, old := leafValue(d.cells[i]); old != nil {
			if err := t.pager.Free(old.ext); err != nil {
				return err
			}
		}
		d.cells[i] = cell
	} else {
		d.insert(i, cell)
	}
	return t.propagateSplits(leaf.id, d, path)
}

// propagateSplits 写回节点，溢出时分裂并把分隔键插入父节点，自下而上逐层处理
func (t *Tree) propagateSplits(id basic.PageId, d *nodeData, path []pathEntry) error {
	for {
		if d.size() <= NodeCapacity {
			return t.writeNode(id, d)
		}
		sep, right, err := t.split(id, d)
		if err != nil {
			return err
		}
		if len(path) == 0 {
			return t.growRoot(id, sep, right)
		}
		parent := path[len(path)-1]
		path = path[:len(path)-1]
		pv, err := t.node(parent.id)
		if err != nil {
			return err
		}
		id = parent.id
		d = pv.load()
		d.insert(parent.child, internalCell(sep, right))
	}
}

// split 分裂节点：d 保留左半写回 id，右半写入新页，返回分隔键和新页号
func (t *Tree) split(id basic.PageId, d *nodeData) ([]byte, basic.PageId, error) {
	k, ok := chooseSplit(d.cells, d.leaf)
	if !ok {
		return nil, 0, basic.NewCorruption("split", "page %d cannot be split (%d cells, %d bytes)", id, len(d.cells), d.size())
	}
	ext, err := t.pager.Allocate(1)
	if err != nil {
		return nil, 0, err
	}
	rid := ext.Start
	right := &nodeData{leaf: d.leaf}
	var sep []byte
	if d.leaf {
		right.cells = append(right.cells, d.cells[k:]...)
		d.cells = d.cells[:k]
		sep = append([]byte(nil), cellKey(right.cells[0], true)...)
		// 维护叶子双向链表
		right.link0 = d.link0
		right.link1 = id
		if d.link0 != basic.NilPage {
			if err := t.setPrev(d.link0, rid); err != nil {
				return nil, 0, err
			}
		}
		d.link0 = rid
	} else {
		mid := d.cells[k]
		sep = append([]byte(nil), cellKey(mid, false)...)
		right.link0 = cellChild(mid)
		right.cells = append(right.cells, d.cells[k+1:]...)
		d.cells = d.cells[:k]
	}
	buf, err := t.pager.NewPage(rid, pages.PageTypeLeaf)
	if err != nil {
		return nil, 0, err
	}
	right.encode(buf)
	if err := t.writeNode(id, d); err != nil {
		return nil, 0, err
	}
	return sep, rid, nil
}

// growRoot 根分裂后建立新根
func (t *Tree) growRoot(left basic.PageId, sep []byte, right basic.PageId) error {
	ext, err := t.pager.Allocate(1)
	if err != nil {
		return err
	}
	buf, err := t.pager.NewPage(ext.Start, pages.PageTypeInternal)
	if err != nil {
		return err
	}
	root := &nodeData{link0: left, cells: [][]byte{internalCell(sep, right)}}
	root.encode(buf)
	t.root = ext.Start
	return nil
}

func (t *Tree) setPrev(id, prev basic.PageId) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if !n.isLeaf() {
		return basic.NewCorruption("relink", "leaf link points to internal page %d", id)
	}
	d := n.load()
	d.link1 = prev
	return t.writeNode(id, d)
}

func (t *Tree) setNext(id, next basic.PageId) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if !n.isLeaf() {
		return basic.NewCorruption("relink", "leaf link points to internal page %d", id)
	}
	d := n.load()
	d.link0 = next
	return t.writeNode(id, d)
}

func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
