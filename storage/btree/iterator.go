package btree

import (
	"github.com/zhukovaskychina/xkv/storage/basic"
)

// Bound 区间端点，Key 为 nil 表示无界
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Unbounded 无界端点
var Unbounded = Bound{}

// Range 扫描区间
type Range struct {
	Start   Bound
	End     Bound
	Reverse bool
}

// All 全表扫描
func All() Range {
	return Range{}
}

// Iterator 惰性迭代器，沿叶子链表前进，每个叶子在一次遍历中只读取一次。
// 值在调用 Value 时才读取。同一事务内修改树之后迭代器失效。
type Iterator struct {
	tree    *Tree
	r       Range
	leaf    nodeView
	idx     int
	started bool
	done    bool
	err     error
	loads   int
}

// Scan 按区间扫描
func (t *Tree) Scan(r Range) *Iterator {
	return &Iterator{tree: t, r: r}
}

// Next 前进到下一条记录
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if it.r.Reverse {
			it.position(it.r.End.Key, it.r.End.Inclusive)
		} else {
			it.position(it.r.Start.Key, it.r.Start.Inclusive)
		}
	} else if it.r.Reverse {
		it.idx--
	} else {
		it.idx++
	}
	if it.err != nil {
		return false
	}
	if !it.settle() {
		it.done = true
		return false
	}
	if !it.inRange() {
		it.done = true
		return false
	}
	return true
}

// Seek 重新定位到 key：正向为第一个不小于 key 的记录，反向为最后一个不大于 key 的记录，
// 之后的 Next 返回该记录。区间端点仍然生效。
func (it *Iterator) Seek(key []byte) {
	it.err = nil
	it.done = false
	it.started = true
	inclusive := true
	if it.r.Reverse {
		if b := it.r.End; b.Key != nil && compareKeys(key, b.Key) >= 0 {
			key, inclusive = b.Key, b.Inclusive
		}
	} else if b := it.r.Start; b.Key != nil && compareKeys(key, b.Key) <= 0 {
		key, inclusive = b.Key, b.Inclusive
	}
	it.position(key, inclusive)
	if it.err != nil {
		return
	}
	// 让下一次 Next 停在定位处
	if it.r.Reverse {
		it.idx++
	} else {
		it.idx--
	}
}

// Rewind 回到区间起点
func (it *Iterator) Rewind() {
	it.started = false
	it.done = false
	it.err = nil
	it.leaf = nodeView{}
}

// Key 当前键
func (it *Iterator) Key() []byte {
	return it.leaf.key(it.idx)
}

// Value 读取当前值，键没有值时返回 ErrNoValue
func (it *Iterator) Value() ([]byte, error) {
	return it.tree.cellValue(it.leaf.cell(it.idx))
}

// HasValue 当前键是否带值
func (it *Iterator) HasValue() bool {
	return cellHasValue(it.leaf.cell(it.idx))
}

// Loads 读取叶子的次数
func (it *Iterator) Loads() int {
	return it.loads
}

// Err 迭代过程中的错误
func (it *Iterator) Err() error {
	return it.err
}

// position 定位到 key 所在叶子；key 为 nil 时定位到最左或最右叶子
func (it *Iterator) position(key []byte, inclusive bool) {
	var leaf nodeView
	var err error
	if key == nil {
		leaf, err = it.tree.edgeLeaf(it.r.Reverse)
	} else {
		leaf, _, err = it.tree.descend(key)
	}
	if err != nil {
		it.err = err
		return
	}
	it.leaf = leaf
	it.loads++
	if key == nil {
		if it.r.Reverse {
			it.idx = leaf.nkeys() - 1
		} else {
			it.idx = 0
		}
		return
	}
	i, found := leaf.search(key)
	if it.r.Reverse {
		// 最后一个 <= key（不含端点时 < key）
		if found && inclusive {
			it.idx = i
		} else {
			it.idx = i - 1
		}
	} else {
		if found && !inclusive {
			i++
		}
		it.idx = i
	}
}

// settle 当前下标越过叶子边界时沿链表移动，跳过空叶子
func (it *Iterator) settle() bool {
	for {
		if it.idx >= 0 && it.idx < it.leaf.nkeys() {
			return true
		}
		var next basic.PageId
		if it.r.Reverse {
			next = it.leaf.link1()
		} else {
			next = it.leaf.link0()
		}
		if next == basic.NilPage {
			return false
		}
		leaf, err := it.tree.node(next)
		if err != nil {
			it.err = err
			return false
		}
		if !leaf.isLeaf() {
			it.err = basic.NewCorruption("scan", "leaf chain reaches internal page %d", next)
			return false
		}
		it.leaf = leaf
		it.loads++
		if it.r.Reverse {
			it.idx = leaf.nkeys() - 1
		} else {
			it.idx = 0
		}
	}
}

func (it *Iterator) inRange() bool {
	key := it.Key()
	if it.r.Reverse {
		if b := it.r.Start; b.Key != nil {
			c := compareKeys(key, b.Key)
			return c > 0 || (c == 0 && b.Inclusive)
		}
		return true
	}
	if b := it.r.End; b.Key != nil {
		c := compareKeys(key, b.Key)
		return c < 0 || (c == 0 && b.Inclusive)
	}
	return true
}

// edgeLeaf 最左或最右的叶子
func (t *Tree) edgeLeaf(rightmost bool) (nodeView, error) {
	id := t.root
	for depth := 0; ; depth++ {
		n, err := t.node(id)
		if err != nil {
			return n, err
		}
		if n.isLeaf() {
			return n, nil
		}
		if depth > maxDepth {
			return n, basic.NewCorruption("scan", "tree deeper than %d levels", maxDepth)
		}
		if rightmost {
			id = n.child(n.nkeys())
		} else {
			id = n.child(0)
		}
	}
}
