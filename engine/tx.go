package engine

import (
	"context"
	"io"
	"sort"

	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/storage/alloc"
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/btree"
	"github.com/zhukovaskychina/xkv/storage/pages"
)

type txKey struct {
	db *DB
}

// Tx 事务，不能在多个 goroutine 间共享
//
// 写事务的修改全部落在私有页副本（dirty）和分配器副本上，提交前对其他事务不可见；
// 回滚只需丢弃这些副本。只读事务读取开始时的已提交状态。
type Tx struct {
	db       *DB
	ctx      context.Context
	id       uint64
	writable bool
	closed   bool

	meta  pages.Meta
	alloc *alloc.Allocator
	dirty map[basic.PageId][]byte
	tree  *btree.Tree
}

// Begin 开始事务。写事务互斥，等待期间响应 ctx 取消；
// ctx 中已经带有本库未结束的事务时返回 ErrInvalidState。
//
// 嵌套检测只认 ctx：在事务中再开事务要传入 tx.Context()，
// 传入不带事务的 ctx 时同一 goroutine 再开写事务会一直等待写者门。
// 同样，持有只读事务的 goroutine 提交写事务会在发布时等待自己的读锁，
// 提交前要先结束只读事务。
func (db *DB) Begin(ctx context.Context, writable bool) (*Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if active, ok := ctx.Value(txKey{db}).(*Tx); ok && !active.closed {
		return nil, errors.Wrapf(basic.ErrInvalidState, "transaction %d already active in this context", active.id)
	}

	if writable {
		if err := db.gate.Enter(ctx); err != nil {
			return nil, err
		}
	} else {
		db.latch.RLock()
	}
	if db.isClosed() {
		if writable {
			db.gate.Leave()
		} else {
			db.latch.RUnlock()
		}
		return nil, basic.ErrDatabaseClosed
	}

	db.mu.Lock()
	tx := &Tx{db: db, writable: writable, meta: *db.meta, alloc: db.alloc}
	db.mu.Unlock()
	tx.id = tx.meta.TxID
	if writable {
		tx.id++
		tx.alloc = tx.alloc.Clone()
		tx.dirty = make(map[basic.PageId][]byte)
	}
	tx.ctx = context.WithValue(ctx, txKey{db}, tx)
	tx.tree = btree.Open(&txPager{tx: tx}, tx.meta.Root, tx.treeOptions())
	return tx, nil
}

func (tx *Tx) treeOptions() btree.Options {
	return btree.Options{
		MaxValueSize: tx.meta.MaxValueSize,
		Compression:  tx.db.opts.Compression,
		MaxKeySize:   basic.MaxKeySize + basic.TableIDSize,
	}
}

// create 建库事务中创建空树
func (tx *Tx) create() error {
	tree, err := btree.Create(&txPager{tx: tx}, tx.treeOptions())
	if err != nil {
		return tx.fail(err)
	}
	tx.tree = tree
	return nil
}

// ID 事务号，只读事务为其快照的提交号
func (tx *Tx) ID() uint64 {
	return tx.id
}

// Writable 是否为写事务
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Context 带有本事务标记的 ctx，用它再次 Begin 会被拒绝
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

func (tx *Tx) check(write bool) error {
	if tx.closed {
		return basic.ErrTxClosed
	}
	if write && !tx.writable {
		return basic.ErrTxReadOnly
	}
	return tx.ctx.Err()
}

// fail 存储类错误终止写事务，校验类错误原样返回
func (tx *Tx) fail(err error) error {
	if err == nil || !tx.writable || tx.closed || !basic.IsFatal(err) {
		return err
	}
	logger.WithTx(tx.id).Warnf("transaction aborted: %s", jerrors.ErrorStack(err))
	tx.abort()
	return err
}

// Get 读取默认表中的键，不存在时返回 ErrKeyNotFound
func (tx *Tx) Get(key []byte) ([]byte, error) {
	return tx.Table(DefaultTable).Get(key)
}

// Info 值的存放方式
func (tx *Tx) Info(key []byte) (btree.ValueInfo, error) {
	return tx.Table(DefaultTable).Info(key)
}

// Put 插入或覆盖
func (tx *Tx) Put(key, value []byte) error {
	return tx.Table(DefaultTable).Put(key, value)
}

// PutEmpty 写入不带值的键
func (tx *Tx) PutEmpty(key []byte) error {
	return tx.Table(DefaultTable).PutEmpty(key)
}

// Delete 删除键，返回键是否存在
func (tx *Tx) Delete(key []byte) (bool, error) {
	return tx.Table(DefaultTable).Delete(key)
}

func (tx *Tx) ReadAt(key, buf []byte, off int64) (int, error) {
	return tx.Table(DefaultTable).ReadAt(key, buf, off)
}

func (tx *Tx) WriteAt(key, data []byte, off int64) error {
	return tx.Table(DefaultTable).WriteAt(key, data, off)
}

// Scan 默认表内按范围遍历
func (tx *Tx) Scan(r btree.Range) (*Iterator, error) {
	return tx.Table(DefaultTable).Scan(r)
}

// ScanTables 按 (表号, 键) 的顺序遍历全库
func (tx *Tx) ScanTables() (*Iterator, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	return &Iterator{it: tx.tree.Scan(btree.All()), table: DefaultTable}, nil
}

// Check 校验树结构，并核对树拥有的页与空闲页恰好覆盖除保留页外的整个文件
func (tx *Tx) Check() error {
	if err := tx.check(false); err != nil {
		return err
	}
	if err := tx.tree.Check(); err != nil {
		return err
	}
	pageCount := tx.alloc.PageCount()
	owned := make(map[basic.PageId]struct{})
	err := tx.tree.Walk(func(id basic.PageId, _ byte) error {
		if uint32(id) >= pageCount {
			return basic.NewCorruption("check", "page %d beyond %d pages", id, pageCount)
		}
		if _, dup := owned[id]; dup {
			return basic.NewCorruption("check", "page %d referenced twice", id)
		}
		if pages.IsReserved(id) {
			return basic.NewCorruption("check", "tree references reserved page %d", id)
		}
		if tx.alloc.IsFree(id) {
			return basic.NewCorruption("check", "page %d is both live and free", id)
		}
		owned[id] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}
	for i := uint32(0); i < pageCount; i++ {
		id := basic.PageId(i)
		if pages.IsReserved(id) {
			continue
		}
		if _, ok := owned[id]; !ok && !tx.alloc.IsFree(id) {
			return basic.NewCorruption("check", "page %d leaked: neither live nor free", id)
		}
	}
	return tx.alloc.CheckBitmaps(tx.page)
}

// Dump 按层输出树结构
func (tx *Tx) Dump(w io.Writer) error {
	if err := tx.check(false); err != nil {
		return err
	}
	return tx.tree.Dump(w)
}

// Commit 提交。只读事务只释放读锁；写事务写日志并在提交帧落盘后发布，
// 失败时事务整体回滚，不会留下部分可见的修改
func (tx *Tx) Commit() error {
	if tx.closed {
		return basic.ErrTxClosed
	}
	if !tx.writable {
		tx.release()
		return nil
	}
	if err := tx.ctx.Err(); err != nil {
		tx.abort()
		return err
	}
	if len(tx.dirty) == 0 {
		tx.release()
		return nil
	}

	db := tx.db
	tx.meta.Root = tx.tree.Root()
	tx.meta.PageCount = tx.alloc.PageCount()
	tx.meta.FreeCount = tx.alloc.FreePages()
	tx.meta.TxID = tx.id
	tx.meta.WalSalt = db.wal.Salt()
	mp := pages.New(pages.PageTypeMeta)
	tx.meta.Encode(mp)
	tx.dirty[pages.MetaPageId] = mp

	ids := make([]basic.PageId, 0, len(tx.dirty))
	for id := range tx.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := tx.writeLog(ids); err != nil {
		if rerr := db.wal.Rollback(); rerr != nil {
			logger.Errorf("tx %d: wal rollback failed: %s\n", tx.id, jerrors.ErrorStack(rerr))
		}
		logger.WithTx(tx.id).Warnf("commit failed: %s", jerrors.ErrorStack(err))
		tx.abort()
		return err
	}

	tx.closed = true
	err := db.publish(tx)
	db.gate.Leave()
	return err
}

func (tx *Tx) writeLog(ids []basic.PageId) error {
	w := tx.db.wal
	if err := w.Begin(tx.id); err != nil {
		return err
	}
	for _, id := range ids {
		p := tx.dirty[id]
		pages.Seal(p, id)
		if err := w.Append(id, p); err != nil {
			return err
		}
	}
	return w.Commit(tx.meta.PageCount)
}

// Rollback 放弃事务
func (tx *Tx) Rollback() error {
	if tx.closed {
		return basic.ErrTxClosed
	}
	if tx.writable {
		tx.abort()
	} else {
		tx.release()
	}
	return nil
}

func (tx *Tx) rollbackIfOpen() {
	if !tx.closed {
		tx.Rollback()
	}
}

// release 结束没有修改的事务
func (tx *Tx) release() {
	tx.closed = true
	tx.dirty = nil
	if tx.writable {
		tx.db.gate.Leave()
	} else {
		tx.db.latch.RUnlock()
	}
}

// abort 丢弃私有页和分配器副本，截掉本事务扩展出的文件尾部
func (tx *Tx) abort() {
	if tx.closed {
		return
	}
	db := tx.db
	committed := tx.committedPages()
	if db.dev.PageCount() > committed {
		if err := db.dev.Truncate(committed); err != nil {
			// 多出的页在下次打开时按元数据截掉
			logger.Errorf("tx %d: truncate to %d pages failed: %s\n", tx.id, committed, jerrors.ErrorStack(err))
		}
	}
	tx.closed = true
	tx.dirty = nil
	tx.alloc = nil
	db.gate.Leave()
}

func (tx *Tx) committedPages() uint32 {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	return tx.db.meta.PageCount
}

// page 事务视角下的页：优先私有副本
func (tx *Tx) page(id basic.PageId) ([]byte, error) {
	if p, ok := tx.dirty[id]; ok {
		return p, nil
	}
	return tx.db.readCommitted(id)
}
