package wal

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gxbytes "github.com/dubbogo/gost/bytes"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/codec"
	"github.com/zhukovaskychina/xkv/storage/device"
)

// State 日志状态
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateCommitting
	StateCheckpointing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCommitting:
		return "committing"
	case StateCheckpointing:
		return "checkpointing"
	}
	return "unknown"
}

// Recovery 打开日志时的恢复结果
type Recovery struct {
	Fresh        bool   // 日志头无效或不存在，已重新初始化
	Transactions int    // 完整提交的事务数
	Frames       int    // 已提交的页帧数
	LastTxID     uint64 // 最后一个已提交事务
	DbPages      uint32 // 最后一次提交记录的文件页数
	Truncated    int64  // 回卷掉的尾部字节数
}

// WAL 预写日志
//
// 写事务的页镜像以帧的形式追加到日志，提交帧落盘即为持久化边界。
// 已提交的页由 index 定位，读路径优先从日志读取，检查点把最新镜像写回数据文件后重置日志。
type WAL struct {
	mu    sync.RWMutex
	file  device.LogFile
	codec codec.PageCodec
	state int32

	salt     uint64
	size     int64
	index    map[basic.PageId]int64
	frames   int
	dbPages  uint32
	lastTxID uint64

	// 当前写事务
	txID     uint64
	txStart  int64
	writeOff int64
	pending  map[basic.PageId]int64
	txPages  uint32
}

// Open 打开日志并执行恢复：扫描到第一个无效帧为止，只保留以提交帧结尾的事务，截掉其余尾部
func Open(file device.LogFile, c codec.PageCodec) (*WAL, *Recovery, error) {
	w := &WAL{
		file:  file,
		codec: c,
		index: make(map[basic.PageId]int64),
	}
	rec, err := w.recover()
	if err != nil {
		return nil, nil, err
	}
	return w, rec, nil
}

func (w *WAL) recover() (*Recovery, error) {
	rec := &Recovery{}
	size, err := w.file.Size()
	if err != nil {
		return nil, basic.NewIOError("wal size", err)
	}

	head := make([]byte, HeaderSize)
	var hdr *fileHeader
	ok := false
	if size >= HeaderSize {
		if _, err := w.file.ReadAt(head, 0); err != nil {
			return nil, basic.NewIOError("read wal header", err)
		}
		hdr, ok = decodeHeader(head)
	}
	if !ok {
		if size > 0 {
			logger.Warnf("wal header invalid, discarding %d bytes of log\n", size)
		}
		rec.Fresh = true
		rec.Truncated = size
		if err := w.reset(uint64(time.Now().UnixNano())); err != nil {
			return nil, err
		}
		return rec, nil
	}
	w.salt = hdr.salt

	var (
		off       = int64(HeaderSize)
		committed = int64(HeaderSize)
		curTx     uint64
		pending   = make(map[basic.PageId]int64)
		fh        = make([]byte, FrameHeaderSize)
		payload   = make([]byte, basic.PageSize)
	)
	for off+FrameHeaderSize <= size {
		if _, err := w.file.ReadAt(fh, off); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, basic.NewIOError("read wal frame", err)
		}
		f := decodeFrameHeader(fh)
		if f.salt != w.salt {
			break
		}
		if f.kind == FrameKindPage {
			if off+PageFrameSize > size {
				break
			}
			if _, err := w.file.ReadAt(payload, off+FrameHeaderSize); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, basic.NewIOError("read wal frame", err)
			}
			if !frameChecksumOK(fh, payload) {
				break
			}
			if f.txID != curTx {
				// 前一个事务没有提交帧
				pending = make(map[basic.PageId]int64)
				curTx = f.txID
			}
			pending[f.pageID] = off + FrameHeaderSize
			off += PageFrameSize
			continue
		}
		if f.kind != FrameKindCommit || !frameChecksumOK(fh, nil) {
			break
		}
		if len(pending) > 0 && f.txID != curTx {
			break
		}
		for id, p := range pending {
			w.index[id] = p
		}
		rec.Frames += len(pending)
		rec.Transactions++
		w.frames += len(pending)
		w.lastTxID = f.txID
		w.dbPages = uint32(f.pageID)
		pending = make(map[basic.PageId]int64)
		curTx = 0
		off += FrameHeaderSize
		committed = off
	}

	w.size = committed
	rec.LastTxID = w.lastTxID
	rec.DbPages = w.dbPages
	rec.Truncated = size - committed
	if rec.Truncated > 0 {
		logger.Warnf("wal unroll: dropping %d bytes after offset %d\n", rec.Truncated, committed)
		if err := w.file.Truncate(committed); err != nil {
			return nil, basic.NewIOError("unroll wal", err)
		}
		if err := w.file.Sync(); err != nil {
			return nil, basic.NewIOError("unroll wal", err)
		}
	}
	return rec, nil
}

// reset 写入新日志头并截断，salt 变化使旧帧全部失效
func (w *WAL) reset(salt uint64) error {
	head := make([]byte, HeaderSize)
	(&fileHeader{salt: salt}).encode(head)
	if _, err := w.file.WriteAt(head, 0); err != nil {
		return basic.NewIOError("write wal header", err)
	}
	if err := w.file.Truncate(HeaderSize); err != nil {
		return basic.NewIOError("truncate wal", err)
	}
	if err := w.file.Sync(); err != nil {
		return basic.NewIOError("sync wal", err)
	}
	w.salt = salt
	w.size = HeaderSize
	w.index = make(map[basic.PageId]int64)
	w.frames = 0
	return nil
}

// State 当前状态
func (w *WAL) State() State {
	return State(atomic.LoadInt32(&w.state))
}

func (w *WAL) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
}

// Begin 开始记录一个事务
func (w *WAL) Begin(txID uint64) error {
	if s := w.State(); s != StateIdle {
		return errors.Wrapf(basic.ErrInvalidState, "wal begin in state %s", s)
	}
	w.txID = txID
	w.txStart = w.size
	w.writeOff = w.size
	w.pending = make(map[basic.PageId]int64)
	w.txPages = 0
	w.setState(StateRecording)
	return nil
}

// Append 追加一个页帧，image 为明文页镜像
func (w *WAL) Append(id basic.PageId, image []byte) error {
	if s := w.State(); s != StateRecording {
		return errors.Wrapf(basic.ErrInvalidState, "wal append in state %s", s)
	}
	bufp := gxbytes.GetBytes(PageFrameSize)
	defer gxbytes.PutBytes(bufp)
	buf := (*bufp)[:PageFrameSize]

	payload := buf[FrameHeaderSize:]
	if err := w.codec.EncodePage(id, payload, image); err != nil {
		return errors.Wrapf(err, "encode page %d", id)
	}
	(&frameHeader{kind: FrameKindPage, pageID: id, txID: w.txID, salt: w.salt}).encode(buf[:FrameHeaderSize], payload)
	if _, err := w.file.WriteAt(buf, w.writeOff); err != nil {
		return basic.NewIOError("append wal frame", errors.Wrapf(err, "page %d", id))
	}
	w.pending[id] = w.writeOff + FrameHeaderSize
	w.writeOff += PageFrameSize
	return nil
}

// Commit 写提交帧并同步，返回成功后事务持久化
func (w *WAL) Commit(dbPages uint32) error {
	if s := w.State(); s != StateRecording {
		return errors.Wrapf(basic.ErrInvalidState, "wal commit in state %s", s)
	}
	w.setState(StateCommitting)
	buf := make([]byte, FrameHeaderSize)
	(&frameHeader{kind: FrameKindCommit, pageID: basic.PageId(dbPages), txID: w.txID, salt: w.salt}).encode(buf, nil)
	if _, err := w.file.WriteAt(buf, w.writeOff); err != nil {
		return basic.NewIOError("write commit frame", err)
	}
	if err := w.file.Sync(); err != nil {
		return basic.NewIOError("sync wal", err)
	}
	w.writeOff += FrameHeaderSize
	w.txPages = dbPages
	return nil
}

// Publish 让已提交事务的页对读者可见，调用方持有数据库写闩
func (w *WAL) Publish() error {
	if s := w.State(); s != StateCommitting {
		return errors.Wrapf(basic.ErrInvalidState, "wal publish in state %s", s)
	}
	w.mu.Lock()
	for id, off := range w.pending {
		w.index[id] = off
	}
	w.frames += len(w.pending)
	w.size = w.writeOff
	w.dbPages = w.txPages
	w.lastTxID = w.txID
	w.mu.Unlock()

	w.pending = nil
	w.setState(StateIdle)
	return nil
}

// Rollback 丢弃当前事务写入的帧
func (w *WAL) Rollback() error {
	s := w.State()
	if s != StateRecording && s != StateCommitting {
		return nil
	}
	w.pending = nil
	w.writeOff = w.txStart
	w.setState(StateIdle)
	if err := w.file.Truncate(w.txStart); err != nil {
		return basic.NewIOError("rollback wal", err)
	}
	return nil
}

// ReadPage 从日志读取页的最新已提交镜像，不在日志中返回 false
func (w *WAL) ReadPage(id basic.PageId, buf []byte) (bool, error) {
	w.mu.RLock()
	off, ok := w.index[id]
	w.mu.RUnlock()
	if !ok {
		return false, nil
	}
	bufp := gxbytes.GetBytes(basic.PageSize)
	defer gxbytes.PutBytes(bufp)
	enc := (*bufp)[:basic.PageSize]
	if _, err := w.file.ReadAt(enc, off); err != nil {
		return false, basic.NewIOError("read wal page", errors.Wrapf(err, "page %d", id))
	}
	if err := w.codec.DecodePage(id, buf, enc); err != nil {
		return false, errors.Wrapf(err, "decode page %d", id)
	}
	return true, nil
}

// Checkpoint 把每个页的最新镜像写回设备，刷盘后重置日志。
// 中途崩溃时日志保持完整，重新执行得到相同结果。
func (w *WAL) Checkpoint(dev device.PageDevice) (int, error) {
	if s := w.State(); s != StateIdle {
		return 0, errors.Wrapf(basic.ErrInvalidState, "wal checkpoint in state %s", s)
	}
	w.setState(StateCheckpointing)
	defer w.setState(StateIdle)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.index) == 0 {
		return 0, nil
	}

	if n := dev.PageCount(); n < w.dbPages {
		if _, err := dev.Extend(w.dbPages - n); err != nil {
			return 0, err
		}
	}
	ids := make([]basic.PageId, 0, len(w.index))
	for id := range w.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bufp := gxbytes.GetBytes(basic.PageSize)
	defer gxbytes.PutBytes(bufp)
	enc := (*bufp)[:basic.PageSize]
	for _, id := range ids {
		if _, err := w.file.ReadAt(enc, w.index[id]); err != nil {
			return 0, basic.NewIOError("checkpoint read", errors.Wrapf(err, "page %d", id))
		}
		if err := dev.WritePage(id, enc); err != nil {
			return 0, err
		}
	}
	if err := dev.Flush(); err != nil {
		return 0, err
	}
	if err := w.reset(w.salt + 1); err != nil {
		return 0, err
	}
	logger.Debugf("wal checkpoint: %d pages written back, salt %d\n", len(ids), w.salt)
	return len(ids), nil
}

// Forget 丢弃页号不小于 from 的索引项，文件截断后使用
func (w *WAL) Forget(from basic.PageId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.index {
		if id >= from {
			delete(w.index, id)
		}
	}
}

// FrameCount 已提交的页帧数
func (w *WAL) FrameCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.frames
}

// Size 已提交部分的字节数
func (w *WAL) Size() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Salt 当前日志代
func (w *WAL) Salt() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.salt
}

// LastTxID 最后一个已提交事务，检查点之后保留
func (w *WAL) LastTxID() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastTxID
}

// Close 关闭日志文件
func (w *WAL) Close() error {
	if err := w.file.Close(); err != nil {
		return basic.NewIOError("close wal", err)
	}
	return nil
}
