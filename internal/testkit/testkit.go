// Package testkit 为各包测试提供内存 SQLite 数据库与固定时钟。
package testkit

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ghostrooms/internal/db"

	"gorm.io/gorm"
)

var seq atomic.Int64

// OpenDB 打开一个独立的内存数据库并完成迁移，测试结束时关闭。
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("sqlite:file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	gdb, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("connect %s: %v", dsn, err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// Clock 是可手动推进的时钟。
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start.UTC()} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
