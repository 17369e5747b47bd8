package engine

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/btree"
)

// TableID 表号。所有表共用一棵树，树中的键为 表号(4字节大端) + 键，
// 因此全库遍历按 (表号, 键) 有序
type TableID uint32

// DefaultTable Tx 上不带表号的操作使用的表
const DefaultTable TableID = 0

func tableKey(table TableID, key []byte) []byte {
	k := make([]byte, basic.TableIDSize+len(key))
	binary.BigEndian.PutUint32(k, uint32(table))
	copy(k[basic.TableIDSize:], key)
	return k
}

// tableRange 把表内区间换成树上的区间，无界端点收在表的边界上
func tableRange(table TableID, r btree.Range) btree.Range {
	out := btree.Range{Reverse: r.Reverse}
	if r.Start.Key != nil {
		out.Start = btree.Bound{Key: tableKey(table, r.Start.Key), Inclusive: r.Start.Inclusive}
	} else {
		out.Start = btree.Bound{Key: tableKey(table, nil), Inclusive: true}
	}
	if r.End.Key != nil {
		out.End = btree.Bound{Key: tableKey(table, r.End.Key), Inclusive: r.End.Inclusive}
	} else if table < math.MaxUint32 {
		out.End = btree.Bound{Key: tableKey(table+1, nil)}
	}
	return out
}

func checkUserKey(key []byte) error {
	if len(key) > basic.MaxKeySize {
		return errors.Wrapf(basic.ErrKeyTooLarge, "key of %d bytes, limit %d", len(key), basic.MaxKeySize)
	}
	return nil
}

// Table 事务中的一张表，随事务结束失效
type Table struct {
	tx *Tx
	id TableID
}

// Table 返回表号为 id 的表，表不需要预先创建
func (tx *Tx) Table(id TableID) *Table {
	return &Table{tx: tx, id: id}
}

// ID 表号
func (t *Table) ID() TableID {
	return t.id
}

func (t *Table) prepare(key []byte, write bool) ([]byte, error) {
	if err := t.tx.check(write); err != nil {
		return nil, err
	}
	if err := checkUserKey(key); err != nil {
		return nil, err
	}
	return tableKey(t.id, key), nil
}

// Get 读取键，不存在时返回 ErrKeyNotFound，键没有值时返回 ErrNoValue
func (t *Table) Get(key []byte) ([]byte, error) {
	k, err := t.prepare(key, false)
	if err != nil {
		return nil, err
	}
	v, err := t.tx.tree.Get(k)
	return v, t.tx.fail(err)
}

// Info 值的存放方式
func (t *Table) Info(key []byte) (btree.ValueInfo, error) {
	k, err := t.prepare(key, false)
	if err != nil {
		return btree.ValueInfo{}, err
	}
	info, err := t.tx.tree.Info(k)
	return info, t.tx.fail(err)
}

// Put 插入或覆盖
func (t *Table) Put(key, value []byte) error {
	k, err := t.prepare(key, true)
	if err != nil {
		return err
	}
	return t.tx.fail(t.tx.tree.Put(k, value))
}

// PutEmpty 写入不带值的键，已有的值被释放
func (t *Table) PutEmpty(key []byte) error {
	k, err := t.prepare(key, true)
	if err != nil {
		return err
	}
	return t.tx.fail(t.tx.tree.PutEmpty(k))
}

// Delete 删除键，返回键是否存在
func (t *Table) Delete(key []byte) (bool, error) {
	k, err := t.prepare(key, true)
	if err != nil {
		return false, err
	}
	found, err := t.tx.tree.Delete(k)
	return found, t.tx.fail(err)
}

// ReadAt 读取值的一段，语义同 io.ReaderAt
func (t *Table) ReadAt(key, buf []byte, off int64) (int, error) {
	k, err := t.prepare(key, false)
	if err != nil {
		return 0, err
	}
	n, err := t.tx.tree.ReadAt(k, buf, off)
	return n, t.tx.fail(err)
}

// WriteAt 覆盖写入值的一段，可以在值尾追加
func (t *Table) WriteAt(key, data []byte, off int64) error {
	k, err := t.prepare(key, true)
	if err != nil {
		return err
	}
	return t.tx.fail(t.tx.tree.WriteAt(k, data, off))
}

// Scan 表内按范围遍历
func (t *Table) Scan(r btree.Range) (*Iterator, error) {
	if err := t.tx.check(false); err != nil {
		return nil, err
	}
	return &Iterator{it: t.tx.tree.Scan(tableRange(t.id, r)), table: t.id}, nil
}

// Iterator 遍历一张表或全库，迭代器只在事务结束前有效
type Iterator struct {
	it    *btree.Iterator
	table TableID
	err   error
}

// Next 前进到下一条记录
func (it *Iterator) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	if n := len(it.it.Key()); n < basic.TableIDSize {
		it.err = basic.NewCorruption("scan", "tree key of %d bytes has no table id", n)
		return false
	}
	return true
}

// Table 当前记录的表号
func (it *Iterator) Table() TableID {
	return TableID(binary.BigEndian.Uint32(it.it.Key()))
}

// Key 当前键，不含表号
func (it *Iterator) Key() []byte {
	return it.it.Key()[basic.TableIDSize:]
}

// Value 读取当前值，键没有值时返回 ErrNoValue
func (it *Iterator) Value() ([]byte, error) {
	return it.it.Value()
}

// HasValue 当前键是否带值
func (it *Iterator) HasValue() bool {
	return it.it.HasValue()
}

// Seek 在迭代器所属的表内定位，全库遍历时为 0 号表
func (it *Iterator) Seek(key []byte) {
	it.err = nil
	it.it.Seek(tableKey(it.table, key))
}

// Rewind 回到起点
func (it *Iterator) Rewind() {
	it.err = nil
	it.it.Rewind()
}

// Err 遍历中的错误
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Err()
}
