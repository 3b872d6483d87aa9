// Package ratelimit 实现按 key 计数的固定窗口限流桶。
// 桶只存在于内存中，窗口结束后再保留一个窗口时长才由 gc 回收，
// 因此 key 不存在即说明最近一个窗口内没有尝试，或进程状态已丢失。
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// Window 在每个 key 上允许 window 时长内最多 max 次尝试。
type Window struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewWindow(max int, window time.Duration) *Window {
	return &Window{buckets: make(map[string]*bucket), max: max, window: window, stop: make(chan struct{})}
}

// Allow 登记一次尝试。被拒绝时返回距离窗口重置的剩余时长。
// 窗口在 resetAt 时刻整点重置。
func (w *Window) Allow(key string, now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		w.buckets[key] = &bucket{count: 1, resetAt: now.Add(w.window)}
		return true, 0
	}
	if b.count < w.max {
		b.count++
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Known 报告 key 是否仍持有桶（包括已过期但尚未回收的桶）。
func (w *Window) Known(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.buckets[key]
	return ok
}

// Restore 用外部记录重建桶：窗口起点为 start，已用 count 次。
// key 已有桶或重建出的窗口已结束时不做任何事。
func (w *Window) Restore(key string, count int, start, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.buckets[key]; ok || count <= 0 {
		return
	}
	resetAt := start.Add(w.window)
	if !now.Before(resetAt) {
		return
	}
	w.buckets[key] = &bucket{count: count, resetAt: resetAt}
}

// Reset 清除某个 key 的计数。
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.buckets, key)
	w.mu.Unlock()
}

// Len 返回当前持有的桶数量。
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}

// Sweep 删除窗口结束已满一个窗口时长的桶，返回删除数量。
func (w *Window) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for k, b := range w.buckets {
		if !now.Before(b.resetAt.Add(w.window)) {
			delete(w.buckets, k)
			n++
		}
	}
	return n
}

// StartGC 按 interval 周期回收过期桶，直到 Stop 被调用。
func (w *Window) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case now := <-ticker.C:
				w.Sweep(now)
			}
		}
	}()
}

// Stop 停止 GC goroutine，用于优雅停服。
func (w *Window) Stop() {
	w.once.Do(func() { close(w.stop) })
}
