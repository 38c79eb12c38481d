// Package flight 提供"忙则跳过"的单飞保护：同一任务上一轮尚未结束时，新的触发直接丢弃而不是排队。
package flight

import (
	"context"
	"sync"
	"sync/atomic"
)

// Group 保护一个周期任务。零值可用。
type Group struct {
	mu      sync.Mutex
	skipped atomic.Int64
}

// TryDo 若当前空闲则同步执行 fn 并返回 (true, fn 的错误)；
// 若已有一轮在执行则立即返回 (false, nil)。
func (g *Group) TryDo(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if !g.mu.TryLock() {
		g.skipped.Add(1)
		return false, nil
	}
	defer g.mu.Unlock()
	return true, fn(ctx)
}

// TryAcquire 获取执行权，成功时返回释放函数，用于执行跨越多个调用的场景。
func (g *Group) TryAcquire() (func(), bool) {
	if !g.mu.TryLock() {
		g.skipped.Add(1)
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, true
}

// Busy 报告当前是否有一轮在执行。
func (g *Group) Busy() bool {
	if g.mu.TryLock() {
		g.mu.Unlock()
		return false
	}
	return true
}

// Skipped 返回累计被丢弃的触发次数。
func (g *Group) Skipped() int64 {
	return g.skipped.Load()
}
