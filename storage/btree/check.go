package btree

import (
	"fmt"
	"io"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

// Walk 访问树拥有的每一页：节点页和值所在的溢出页
func (t *Tree) Walk(fn func(id basic.PageId, pageType byte) error) error {
	stack := []basic.PageId{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.node(id)
		if err != nil {
			return err
		}
		if err := fn(id, pages.Type(n.buf)); err != nil {
			return err
		}
		if !n.isLeaf() {
			for i := n.nkeys(); i >= 0; i-- {
				stack = append(stack, n.child(i))
			}
			continue
		}
		for i := 0; i < n.nkeys(); i++ {
			if _, ref := leafValue(n.cell(i)); ref != nil {
				for p := ref.ext.Start; p < ref.ext.End(); p++ {
					if err := fn(p, pages.PageTypeOverflow); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

type checkItem struct {
	id     basic.PageId
	lo, hi []byte
	depth  int
}

// Check 校验键序、分隔键边界、叶子深度和叶子链表
func (t *Tree) Check() error {
	var (
		leaves    []nodeView
		leafDepth = -1
		stack     = []checkItem{{id: t.root}}
		seen      = make(map[basic.PageId]bool)
	)
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[it.id] {
			return basic.NewCorruption("check", "page %d reachable twice", it.id)
		}
		seen[it.id] = true
		n, err := t.node(it.id)
		if err != nil {
			return err
		}
		nk := n.nkeys()
		for i := 0; i < nk; i++ {
			k := n.key(i)
			if i > 0 && compareKeys(n.key(i-1), k) >= 0 {
				return basic.NewCorruption("check", "page %d: keys %d and %d out of order", it.id, i-1, i)
			}
			if it.lo != nil && compareKeys(k, it.lo) < 0 {
				return basic.NewCorruption("check", "page %d: key %q below separator %q", it.id, k, it.lo)
			}
			if it.hi != nil && compareKeys(k, it.hi) >= 0 {
				return basic.NewCorruption("check", "page %d: key %q not below separator %q", it.id, k, it.hi)
			}
		}
		if n.isLeaf() {
			if leafDepth < 0 {
				leafDepth = it.depth
			} else if leafDepth != it.depth {
				return basic.NewCorruption("check", "leaf %d at depth %d, expected %d", it.id, it.depth, leafDepth)
			}
			for i := 0; i < nk; i++ {
				if _, ref := leafValue(n.cell(i)); ref != nil && ref.ext.Count == 0 {
					return basic.NewCorruption("check", "leaf %d: empty extent", it.id)
				}
			}
			leaves = append(leaves, n)
			continue
		}
		// 逆序入栈，保证叶子按键序出现
		for i := nk; i >= 0; i-- {
			lo, hi := it.lo, it.hi
			if i > 0 {
				lo = n.key(i - 1)
			}
			if i < nk {
				hi = n.key(i)
			}
			stack = append(stack, checkItem{id: n.child(i), lo: lo, hi: hi, depth: it.depth + 1})
		}
	}

	for i, leaf := range leaves {
		var prev, next basic.PageId
		if i > 0 {
			prev = leaves[i-1].id
		}
		if i+1 < len(leaves) {
			next = leaves[i+1].id
		}
		if leaf.link1() != prev || leaf.link0() != next {
			return basic.NewCorruption("check", "leaf %d links prev=%d next=%d, expected prev=%d next=%d",
				leaf.id, leaf.link1(), leaf.link0(), prev, next)
		}
	}
	return nil
}

// Dump 逐层打印树结构
func (t *Tree) Dump(w io.Writer) error {
	level := []basic.PageId{t.root}
	for depth := 0; len(level) > 0; depth++ {
		fmt.Fprintf(w, "level %d:\n", depth)
		var next []basic.PageId
		for _, id := range level {
			n, err := t.node(id)
			if err != nil {
				return err
			}
			keys := make([]string, 0, n.nkeys())
			for i := 0; i < n.nkeys(); i++ {
				keys = append(keys, shortKey(n.key(i)))
			}
			if n.isLeaf() {
				fmt.Fprintf(w, "  leaf %d prev=%d next=%d used=%d %v\n", id, n.link1(), n.link0(), n.used(), keys)
				continue
			}
			children := make([]basic.PageId, 0, n.nkeys()+1)
			for i := 0; i <= n.nkeys(); i++ {
				children = append(children, n.child(i))
			}
			fmt.Fprintf(w, "  node %d used=%d keys=%v children=%v\n", id, n.used(), keys, children)
			next = append(next, children...)
		}
		level = next
	}
	return nil
}

func shortKey(k []byte) string {
	if len(k) > 16 {
		return fmt.Sprintf("%q..", k[:16])
	}
	return fmt.Sprintf("%q", k)
}
