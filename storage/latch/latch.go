package latch

import (
	"context"
	"sync"
)

// Latch 数据库级读写闩：只读事务在整个生命周期持有读锁，
// 提交发布和检查点持有写锁
type Latch struct {
	mu sync.RWMutex
}

// NewLatch 创建一个新的锁
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// Gate 单写者门，等待时响应 context 取消
type Gate struct {
	ch chan struct{}
}

// NewGate 创建写者门
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Enter 进入，ctx 取消时返回其错误
func (g *Gate) Enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave 离开
func (g *Gate) Leave() {
	<-g.ch
}
