package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// 节点页布局（页头之后）
//
//	nkeys(2) cellStart(2) link0(4) link1(4) reserved(4) slots(2*n) ... cells
//
// 叶子页 link0/link1 为后继/前驱叶子，内部页 link0 为最左孩子。
// 槽数组按键序保存单元偏移，单元从页尾向前增长。
const (
	offNKeys     = basic.PageHeaderSize
	offCellStart = offNKeys + 2
	offLink0     = offCellStart + 2
	offLink1     = offLink0 + 4
	offSlots     = offLink1 + 8

	// NodeCapacity 单元与槽可用的字节数
	NodeCapacity = basic.PageSize - offSlots
	// MaxCellSize 单个单元（含槽）的上限，保证溢出的节点总能一分为二
	MaxCellSize = NodeCapacity / 3
	// MinNodeUsage 低于该占用的非根节点需要再平衡
	MinNodeUsage = NodeCapacity / 4

	slotSize = 2
)

// 叶子单元的值类型
const (
	cellInline byte = 0
	cellExtent byte = 1
	cellEmpty  byte = 2

	extentRefSize = 4 + 4 + 4 + 1
)

// nodeView 只读节点视图，直接在页缓冲上解析
type nodeView struct {
	id  basic.PageId
	buf []byte
}

func viewNode(id basic.PageId, buf []byte) (nodeView, error) {
	n := nodeView{id: id, buf: buf}
	t := pages.Type(buf)
	if t != pages.PageTypeLeaf && t != pages.PageTypeInternal {
		return n, basic.NewCorruption("read node", "page %d has type %d, not a tree node", id, t)
	}
	nk := n.nkeys()
	start := int(binary.BigEndian.Uint16(buf[offCellStart:]))
	if offSlots+nk*slotSize > start || start > basic.PageSize {
		return n, basic.NewCorruption("read node", "page %d: %d keys with cell area at %d", id, nk, start)
	}
	for i := 0; i < nk; i++ {
		off := n.cellOffset(i)
		if off < start || off+n.cellHeaderLen() > basic.PageSize {
			return n, basic.NewCorruption("read node", "page %d: slot %d points to %d", id, i, off)
		}
		if n.isLeaf() && buf[off+2] > cellEmpty {
			return n, basic.NewCorruption("read node", "page %d: cell %d has unknown kind %d", id, i, buf[off+2])
		}
		if off+cellLen(buf[off:], n.isLeaf()) > basic.PageSize {
			return n, basic.NewCorruption("read node", "page %d: cell %d overruns page", id, i)
		}
	}
	return n, nil
}

func (n nodeView) isLeaf() bool {
	return pages.Type(n.buf) == pages.PageTypeLeaf
}

func (n nodeView) nkeys() int {
	return int(binary.BigEndian.Uint16(n.buf[offNKeys:]))
}

func (n nodeView) link0() basic.PageId {
	return basic.PageId(binary.BigEndian.Uint32(n.buf[offLink0:]))
}

func (n nodeView) link1() basic.PageId {
	return basic.PageId(binary.BigEndian.Uint32(n.buf[offLink1:]))
}

func (n nodeView) cellHeaderLen() int {
	if n.isLeaf() {
		return 3
	}
	return 6
}

func (n nodeView) cellOffset(i int) int {
	return int(binary.BigEndian.Uint16(n.buf[offSlots+i*slotSize:]))
}

func (n nodeView) cell(i int) []byte {
	off := n.cellOffset(i)
	return n.buf[off : off+cellLen(n.buf[off:], n.isLeaf())]
}

func (n nodeView) key(i int) []byte {
	return cellKey(n.cell(i), n.isLeaf())
}

// child 第i个孩子，0为最左孩子，i>0 为第i-1个单元的孩子
func (n nodeView) child(i int) basic.PageId {
	if i == 0 {
		return n.link0()
	}
	return cellChild(n.cell(i - 1))
}

// search 第一个不小于 key 的位置
func (n nodeView) search(key []byte) (int, bool) {
	nk := n.nkeys()
	i := sort.Search(nk, func(i int) bool { return bytes.Compare(n.key(i), key) >= 0 })
	return i, i < nk && bytes.Equal(n.key(i), key)
}

// childIndex 包含 key 的孩子下标：不大于 key 的分隔键个数
func (n nodeView) childIndex(key []byte) int {
	nk := n.nkeys()
	return sort.Search(nk, func(i int) bool { return bytes.Compare(n.key(i), key) > 0 })
}

// used 单元与槽占用的字节数
func (n nodeView) used() int {
	total := 0
	for i := 0; i < n.nkeys(); i++ {
		total += len(n.cell(i)) + slotSize
	}
	return total
}

// nodeData 可修改的节点，单元都是独立拷贝
type nodeData struct {
	leaf  bool
	link0 basic.PageId
	link1 basic.PageId
	cells [][]byte
}

func (n nodeView) load() *nodeData {
	d := &nodeData{
		leaf:  n.isLeaf(),
		link0: n.link0(),
		link1: n.link1(),
		cells: make([][]byte, n.nkeys()),
	}
	for i := range d.cells {
		d.cells[i] = append([]byte(nil), n.cell(i)...)
	}
	return d
}

func (d *nodeData) size() int {
	return cellsSize(d.cells)
}

func (d *nodeData) key(i int) []byte {
	return cellKey(d.cells[i], d.leaf)
}

func (d *nodeData) child(i int) basic.PageId {
	if i == 0 {
		return d.link0
	}
	return cellChild(d.cells[i-1])
}

func (d *nodeData) insert(i int, cell []byte) {
	d.cells = append(d.cells, nil)
	copy(d.cells[i+1:], d.cells[i:])
	d.cells[i] = cell
}

func (d *nodeData) remove(i int) {
	d.cells = append(d.cells[:i], d.cells[i+1:]...)
}

// encode 重写整页，调用方保证 size()<=NodeCapacity
func (d *nodeData) encode(buf []byte) {
	t := pages.PageTypeInternal
	if d.leaf {
		t = pages.PageTypeLeaf
	}
	pages.Init(buf, t)
	binary.BigEndian.PutUint16(buf[offNKeys:], uint16(len(d.cells)))
	binary.BigEndian.PutUint32(buf[offLink0:], uint32(d.link0))
	binary.BigEndian.PutUint32(buf[offLink1:], uint32(d.link1))
	end := basic.PageSize
	for i, c := range d.cells {
		end -= len(c)
		copy(buf[end:], c)
		binary.BigEndian.PutUint16(buf[offSlots+i*slotSize:], uint16(end))
	}
	binary.BigEndian.PutUint16(buf[offCellStart:], uint16(end))
}

func cellsSize(cells [][]byte) int {
	total := 0
	for _, c := range cells {
		total += len(c) + slotSize
	}
	return total
}

func cellLen(c []byte, leaf bool) int {
	klen := int(binary.BigEndian.Uint16(c[0:2]))
	if !leaf {
		return 6 + klen
	}
	n := 3 + klen
	switch c[2] {
	case cellExtent:
		return n + extentRefSize
	case cellEmpty:
		return n
	}
	if len(c) < n+2 {
		return n + 2
	}
	return n + 2 + int(binary.BigEndian.Uint16(c[n:n+2]))
}

func cellKey(c []byte, leaf bool) []byte {
	klen := int(binary.BigEndian.Uint16(c[0:2]))
	if leaf {
		return c[3 : 3+klen]
	}
	return c[6 : 6+klen]
}

func cellChild(c []byte) basic.PageId {
	return basic.PageId(binary.BigEndian.Uint32(c[2:6]))
}

// internalCell 内部节点单元: klen(2) child(4) key
func internalCell(key []byte, child basic.PageId) []byte {
	c := make([]byte, 6+len(key))
	binary.BigEndian.PutUint16(c[0:], uint16(len(key)))
	binary.BigEndian.PutUint32(c[2:], uint32(child))
	copy(c[6:], key)
	return c
}

// inlineCell 叶子单元，值内联: klen(2) kind(1) key vlen(2) value
func inlineCell(key, value []byte) []byte {
	c := make([]byte, 3+len(key)+2+len(value))
	binary.BigEndian.PutUint16(c[0:], uint16(len(key)))
	c[2] = cellInline
	copy(c[3:], key)
	binary.BigEndian.PutUint16(c[3+len(key):], uint16(len(value)))
	copy(c[5+len(key):], value)
	return c
}

// inlineCellSize 内联单元加槽的大小
func inlineCellSize(key, value []byte) int {
	return 3 + len(key) + 2 + len(value) + slotSize
}

// emptyCell 没有值的叶子单元: klen(2) kind(1) key
func emptyCell(key []byte) []byte {
	c := make([]byte, 3+len(key))
	binary.BigEndian.PutUint16(c[0:], uint16(len(key)))
	c[2] = cellEmpty
	copy(c[3:], key)
	return c
}

func cellHasValue(c []byte) bool {
	return c[2] != cellEmpty
}

// extentRef 叶子单元中的区间引用
type extentRef struct {
	ext       basic.Extent
	rawLen    uint32
	storedLen uint32
	comp      Compression
}

// extentCell 叶子单元，值在溢出页: klen(2) kind(1) key start(4) rawLen(4) storedLen(4) comp(1)
func extentCell(key []byte, ref extentRef) []byte {
	c := make([]byte, 3+len(key)+extentRefSize)
	binary.BigEndian.PutUint16(c[0:], uint16(len(key)))
	c[2] = cellExtent
	copy(c[3:], key)
	body := c[3+len(key):]
	binary.BigEndian.PutUint32(body[0:], uint32(ref.ext.Start))
	binary.BigEndian.PutUint32(body[4:], ref.rawLen)
	binary.BigEndian.PutUint32(body[8:], ref.storedLen)
	body[12] = byte(ref.comp)
	return c
}

// leafValue 解析叶子单元的值部分，无值单元两者都为 nil
func leafValue(c []byte) (inline []byte, ref *extentRef) {
	klen := int(binary.BigEndian.Uint16(c[0:2]))
	body := c[3+klen:]
	if c[2] == cellEmpty {
		return nil, nil
	}
	if c[2] == cellInline {
		vlen := int(binary.BigEndian.Uint16(body[0:2]))
		return body[2 : 2+vlen], nil
	}
	r := &extentRef{
		rawLen:    binary.BigEndian.Uint32(body[4:]),
		storedLen: binary.BigEndian.Uint32(body[8:]),
		comp:      Compression(body[12]),
	}
	r.ext = basic.Extent{Start: basic.PageId(binary.BigEndian.Uint32(body[0:])), Count: basic.PagesFor(int(r.storedLen))}
	return nil, r
}

// chooseSplit 选择分裂点，使较大一侧最小且两侧都能放进一页。
// 叶子：左 cells[:k] 右 cells[k:]；内部：左 cells[:k] 上提 cells[k] 右 cells[k+1:]。
func chooseSplit(cells [][]byte, leaf bool) (int, bool) {
	n := len(cells)
	prefix := make([]int, n+1)
	for i, c := range cells {
		prefix[i+1] = prefix[i] + len(c) + slotSize
	}
	best, bestMax := -1, 0
	lo, hi := 1, n-1
	if !leaf {
		hi = n - 2
	}
	for k := lo; k <= hi; k++ {
		left := prefix[k]
		right := prefix[n] - prefix[k]
		if !leaf {
			right = prefix[n] - prefix[k+1]
		}
		if left > NodeCapacity || right > NodeCapacity {
			continue
		}
		m := left
		if right > m {
			m = right
		}
		if best < 0 || m < bestMax {
			best, bestMax = k, m
		}
	}
	return best, best >= 0
}
