package btree

import (
	"github.com/zhukovaskychina/xkv/storage/basic"
)

// Delete 删除键，返回键是否存在
func (t *Tree) Delete(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	leaf, path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	i, found := leaf.search(key)
	if !found {
		return false, nil
	}
	d := leaf.load()
	if _, ref := leafValue(d.cells[i]); ref != nil {
		if err := t.pager.Free(ref.ext); err != nil {
			return false, err
		}
	}
	d.remove(i)
	return true, t.rebalance(leaf.id, d, path)
}

// rebalance 写回节点并处理下溢：能合并就与兄弟合并并释放右页，
// 否则在兄弟间重新分配；父节点随之变化，沿路径逐层向上处理
func (t *Tree) rebalance(id basic.PageId, d *nodeData, path []pathEntry) error {
	for {
		if len(path) == 0 {
			if !d.leaf && len(d.cells) == 0 {
				// 根只剩一个孩子，树降低一层
				t.root = d.link0
				return t.pager.Free(basic.Extent{Start: id, Count: 1})
			}
			return t.writeNode(id, d)
		}
		if d.size() >= MinNodeUsage {
			return t.writeNode(id, d)
		}

		parent := path[len(path)-1]
		path = path[:len(path)-1]
		pv, err := t.node(parent.id)
		if err != nil {
			return err
		}
		pd := pv.load()
		if len(pd.cells) == 0 {
			return t.writeNode(id, d)
		}

		var (
			leftID, rightID basic.PageId
			left, right     *nodeData
			sepIdx          int
		)
		if parent.child > 0 {
			sepIdx = parent.child - 1
			leftID = pd.child(parent.child - 1)
			lv, err := t.node(leftID)
			if err != nil {
				return err
			}
			left = lv.load()
			rightID, right = id, d
		} else {
			sepIdx = 0
			leftID, left = id, d
			rightID = pd.child(1)
			rv, err := t.node(rightID)
			if err != nil {
				return err
			}
			right = rv.load()
		}
		if left.leaf != right.leaf {
			return basic.NewCorruption("rebalance", "siblings %d and %d are on different levels", leftID, rightID)
		}

		if err := t.mergeOrRedistribute(pd, sepIdx, leftID, left, rightID, right); err != nil {
			return err
		}
		id, d = parent.id, pd
	}
}

// mergeOrRedistribute 处理一对相邻兄弟，结果反映在 pd 中，由调用方写回父节点
func (t *Tree) mergeOrRedistribute(pd *nodeData, sepIdx int, leftID basic.PageId, left *nodeData, rightID basic.PageId, right *nodeData) error {
	var sepCell []byte
	if !left.leaf {
		sepCell = internalCell(pd.key(sepIdx), right.link0)
	}

	// 合并
	combined := left.size() + right.size()
	if sepCell != nil {
		combined += len(sepCell) + slotSize
	}
	if combined <= NodeCapacity {
		if left.leaf {
			left.cells = append(left.cells, right.cells...)
			left.link0 = right.link0
			if right.link0 != basic.NilPage {
				if err := t.setPrev(right.link0, leftID); err != nil {
					return err
				}
			}
		} else {
			left.cells = append(left.cells, sepCell)
			left.cells = append(left.cells, right.cells...)
		}
		if err := t.writeNode(leftID, left); err != nil {
			return err
		}
		if err := t.pager.Free(basic.Extent{Start: rightID, Count: 1}); err != nil {
			return err
		}
		pd.remove(sepIdx)
		return nil
	}

	// 重新分配
	all := make([][]byte, 0, len(left.cells)+len(right.cells)+1)
	all = append(all, left.cells...)
	if sepCell != nil {
		all = append(all, sepCell)
	}
	all = append(all, right.cells...)

	if k, ok := chooseSplit(all, left.leaf); ok {
		newSep := internalCell(cellKey(all[k], left.leaf), rightID)
		if pd.size()-len(pd.cells[sepIdx])+len(newSep) <= NodeCapacity {
			left.cells = append([][]byte(nil), all[:k]...)
			if left.leaf {
				right.cells = append([][]byte(nil), all[k:]...)
			} else {
				right.link0 = cellChild(all[k])
				right.cells = append([][]byte(nil), all[k+1:]...)
			}
			pd.cells[sepIdx] = newSep
		}
	}
	// 分隔键放不进父节点时保持原样
	if err := t.writeNode(leftID, left); err != nil {
		return err
	}
	return t.writeNode(rightID, right)
}
