package engine

import (
	"context"
	"sync"

	gxbytes "github.com/dubbogo/gost/bytes"
	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/storage/alloc"
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/buffer_pool"
	"github.com/zhukovaskychina/xkv/storage/device"
	"github.com/zhukovaskychina/xkv/storage/latch"
	"github.com/zhukovaskychina/xkv/storage/pages"
	"github.com/zhukovaskychina/xkv/storage/wal"
)

// DB 单文件键值库
//
// 同一时刻只有一个写事务（gate），只读事务在整个生命周期持有 latch 的读锁，
// 写事务提交时在写锁下发布新版本，因此读事务看到的始终是开始前最后一次提交的状态。
type DB struct {
	dev   device.PageDevice
	wal   *wal.WAL
	opts  Options
	latch *latch.Latch
	gate  *latch.Gate
	cache *buffer_pool.LRUCache

	// mu 保护下面几个字段的读取，修改时同时持有 gate 和 latch 写锁
	mu          sync.Mutex
	meta        *pages.Meta
	alloc       *alloc.Allocator
	closed      bool
	checkpoints uint64
}

// Stats 运行统计
type Stats struct {
	TotalPages   uint32
	FreePages    uint32
	UsedPages    uint32
	CachedPages  int
	CacheHits    uint64
	CacheMisses  uint64
	LastTxID     uint64
	WalFrames    int
	WalBytes     int64
	DeviceWrites uint64
	Checkpoints  uint64
}

// Open 打开或创建数据库文件，日志文件为 path+"-wal"
func Open(path string, opts Options) (*DB, error) {
	dev, err := device.OpenFileDevice(path)
	if err != nil {
		return nil, err
	}
	log, err := device.OpenLogFile(path + "-wal")
	if err != nil {
		dev.Close()
		return nil, err
	}
	db, err := OpenWith(dev, log, opts)
	if err != nil {
		log.Close()
		dev.Close()
		return nil, err
	}
	logger.Infof("database %s opened, %d pages, last tx %d\n", path, db.meta.PageCount, db.meta.TxID)
	return db, nil
}

// OpenWith 在给定的设备和日志上打开数据库：加锁、恢复日志、回放已提交的页，空文件时建库
func OpenWith(dev device.PageDevice, log device.LogFile, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := dev.Lock(); err != nil {
		return nil, err
	}
	db := &DB{
		dev:   dev,
		opts:  opts,
		latch: latch.NewLatch(),
		gate:  latch.NewGate(),
		cache: buffer_pool.NewLRUCache(opts.CachePages),
	}
	if err := db.open(log); err != nil {
		dev.Unlock()
		return nil, err
	}
	return db, nil
}

func (db *DB) open(log device.LogFile) error {
	w, rec, err := wal.Open(log, db.opts.Codec)
	if err != nil {
		return err
	}
	db.wal = w
	switch {
	case rec.Truncated > 0:
		logger.Warnf("wal recovery: %d transactions kept, %d bytes unrolled\n", rec.Transactions, rec.Truncated)
	case rec.Transactions > 0:
		logger.Infof("wal recovery: replaying %d transactions (%d frames), last tx %d\n", rec.Transactions, rec.Frames, rec.LastTxID)
	}
	if w.FrameCount() > 0 {
		if _, err := w.Checkpoint(db.dev); err != nil {
			return errors.Wrap(err, "replay wal")
		}
	}

	empty, err := db.deviceEmpty()
	if err != nil {
		return err
	}
	if empty {
		return db.bootstrap()
	}
	return db.load()
}

// deviceEmpty 文件为空，或者建库事务提交前崩溃只留下了全零的页
func (db *DB) deviceEmpty() (bool, error) {
	if db.dev.PageCount() == 0 {
		return true, nil
	}
	raw := make([]byte, basic.PageSize)
	if err := db.dev.ReadPage(pages.MetaPageId, raw); err != nil {
		return false, err
	}
	for _, b := range raw {
		if b != 0 {
			return false, nil
		}
	}
	logger.Warnf("meta page is blank, discarding %d uncommitted pages\n", db.dev.PageCount())
	if err := db.dev.Truncate(0); err != nil {
		return false, err
	}
	return true, nil
}

// bootstrap 通过一次普通的写事务建库：元数据页、第一个位图页和空的根叶子
func (db *DB) bootstrap() error {
	meta := &pages.Meta{
		MaxValueSize: db.opts.valueCeiling(),
		Compression:  uint8(db.opts.Compression),
		CodecID:      db.opts.Codec.ID(),
	}
	if db.opts.LargeValues {
		meta.Flags |= pages.MetaFlagLargeValues
	}
	db.meta = meta
	db.alloc = alloc.New()

	tx, err := db.Begin(context.Background(), true)
	if err != nil {
		return err
	}
	if err := tx.create(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if _, err := db.wal.Checkpoint(db.dev); err != nil {
		return err
	}
	logger.Infof("new database created, root page %d, large values %v\n", db.meta.Root, db.meta.LargeValues())
	return nil
}

func (db *DB) load() error {
	raw := make([]byte, basic.PageSize)
	if err := db.dev.ReadPage(pages.MetaPageId, raw); err != nil {
		return err
	}
	buf := make([]byte, basic.PageSize)
	if err := db.opts.Codec.DecodePage(pages.MetaPageId, buf, raw); err != nil {
		return err
	}
	if err := pages.Verify(buf, pages.MetaPageId); err != nil {
		return err
	}
	meta, err := pages.DecodeMeta(buf)
	if err != nil {
		return err
	}
	if meta.CodecID != db.opts.Codec.ID() {
		return errors.Wrapf(basic.ErrInvalidState, "database written with codec %d, opened with codec %d", meta.CodecID, db.opts.Codec.ID())
	}
	// 每个提交都带元数据页，回放之后元数据不会落后于日志
	if last := db.wal.LastTxID(); meta.TxID < last {
		return basic.NewCorruption("open", "meta at tx %d, wal replayed through tx %d", meta.TxID, last)
	}

	n := db.dev.PageCount()
	if meta.PageCount > n {
		return basic.NewCorruption("open", "meta records %d pages, file has %d", meta.PageCount, n)
	}
	if meta.PageCount < n {
		// 未提交事务扩展出的页
		logger.Warnf("trimming %d uncommitted pages beyond %d\n", n-meta.PageCount, meta.PageCount)
		if err := db.dev.Truncate(meta.PageCount); err != nil {
			return err
		}
		db.wal.Forget(basic.PageId(meta.PageCount))
	}
	db.meta = meta

	a, err := alloc.Load(meta.PageCount, db.readCommitted)
	if err != nil {
		return err
	}
	if a.FreePages() != meta.FreeCount {
		return basic.NewCorruption("open", "meta records %d free pages, bitmaps have %d", meta.FreeCount, a.FreePages())
	}
	db.alloc = a
	return nil
}

// readCommitted 读取页的最新已提交镜像：缓存、日志、数据文件，返回的页只读
func (db *DB) readCommitted(id basic.PageId) ([]byte, error) {
	if p, ok := db.cache.Get(id); ok {
		return p, nil
	}
	buf := make([]byte, basic.PageSize)
	found, err := db.wal.ReadPage(id, buf)
	if err != nil {
		return nil, err
	}
	if !found {
		if uint32(id) >= db.dev.PageCount() {
			return nil, basic.NewCorruption("read page", "page %d beyond end of file", id)
		}
		rawp := gxbytes.GetBytes(basic.PageSize)
		defer gxbytes.PutBytes(rawp)
		raw := (*rawp)[:basic.PageSize]
		if err := db.dev.ReadPage(id, raw); err != nil {
			return nil, err
		}
		if err := db.opts.Codec.DecodePage(id, buf, raw); err != nil {
			return nil, err
		}
	}
	if err := pages.Verify(buf, id); err != nil {
		return nil, err
	}
	db.cache.Put(id, buf)
	return buf, nil
}

// publish 让提交的事务对新的读者可见，调用方持有 gate
func (db *DB) publish(tx *Tx) error {
	db.latch.Lock()
	defer db.latch.Unlock()
	if err := db.wal.Publish(); err != nil {
		return err
	}
	for id, p := range tx.dirty {
		db.cache.Put(id, p)
	}
	meta := tx.meta
	db.mu.Lock()
	db.meta = &meta
	db.alloc = tx.alloc
	db.mu.Unlock()

	if db.wal.FrameCount() >= db.opts.CheckpointFrames {
		if err := db.checkpointLocked(); err != nil {
			// 日志仍然完整，下次检查点或重新打开时重做
			logger.Errorf("checkpoint after tx %d failed: %s\n", tx.id, jerrors.ErrorStack(err))
		}
	}
	return nil
}

func (db *DB) checkpointLocked() error {
	n, err := db.wal.Checkpoint(db.dev)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.checkpoints++
	db.mu.Unlock()
	logger.Debugf("checkpoint: %d pages\n", n)
	return nil
}

// Checkpoint 把日志中的页写回数据文件并重置日志，等待当前写事务结束
func (db *DB) Checkpoint(ctx context.Context) error {
	if err := db.gate.Enter(ctx); err != nil {
		return err
	}
	defer db.gate.Leave()
	db.latch.Lock()
	defer db.latch.Unlock()
	if db.isClosed() {
		return basic.ErrDatabaseClosed
	}
	return db.checkpointLocked()
}

// Update 在写事务中执行 fn，fn 返回错误时回滚
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.rollbackIfOpen()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View 在只读事务中执行 fn
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.rollbackIfOpen()
	return fn(tx)
}

// Stats 当前统计
func (db *DB) Stats() Stats {
	db.mu.Lock()
	meta, a, cps := db.meta, db.alloc, db.checkpoints
	db.mu.Unlock()
	cs := db.cache.GetStats()
	s := Stats{
		CachedPages:  db.cache.Size(),
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		WalFrames:    db.wal.FrameCount(),
		WalBytes:     db.wal.Size(),
		DeviceWrites: db.dev.Writes(),
		Checkpoints:  cps,
	}
	if meta != nil && a != nil {
		s.TotalPages = a.PageCount()
		s.FreePages = a.FreePages()
		s.UsedPages = s.TotalPages - s.FreePages
		s.LastTxID = meta.TxID
	}
	return s
}

// LargeValues 库是否以大值模式建立
func (db *DB) LargeValues() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.meta.LargeValues()
}

// MaxValueSize 值长度上限
func (db *DB) MaxValueSize() uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.meta.MaxValueSize
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Close 等待事务结束，执行最后一次检查点并释放文件
func (db *DB) Close() error {
	if err := db.gate.Enter(context.Background()); err != nil {
		return err
	}
	defer db.gate.Leave()
	db.latch.Lock()
	defer db.latch.Unlock()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if _, err := db.wal.Checkpoint(db.dev); err != nil {
		logger.Errorf("final checkpoint failed: %s\n", jerrors.ErrorStack(err))
		keep(err)
	}
	keep(db.wal.Close())
	keep(db.dev.Close())
	db.cache.Clear()
	return firstErr
}
