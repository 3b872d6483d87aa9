package mw

import (
	"net/http"
	"sync"
	"time"

	"ghostrooms/internal/metrics"
	"ghostrooms/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// RL 是按 key 划分的令牌桶集合，空闲超过 ttl 的桶由 gc 回收。
type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

// NewRateLimiter 创建令牌桶集合并启动 gc goroutine。
func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	rl := &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
	go rl.gc()
	return rl
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for k, v := range rl.m {
				if now.Sub(v.ts) > rl.ttl {
					delete(rl.m, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Throttle 返回一个基于 IP+路由的令牌桶限速中间件，防止单个客户端刷接口。
func Throttle(rl *RL) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.get(c.ClientIP() + "|" + path).Allow() {
			metrics.RateLimitedTotal.WithLabelValues("http").Inc()
			abortRateLimited(c, time.Second)
			return
		}
		c.Next()
	}
}

// WindowLimit 以客户端 IP 为 key 做固定窗口计数，用于房间创建等低频操作。
func WindowLimit(w *ratelimit.Window, scope string, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		ok, retry := w.Allow(c.ClientIP(), now())
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
			abortRateLimited(c, retry)
			return
		}
		c.Next()
	}
}

func abortRateLimited(c *gin.Context, retry time.Duration) {
	secs := int64((retry + time.Second - 1) / time.Second)
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"success": false,
		"error": gin.H{
			"message":    "Too many requests, please try again later",
			"code":       "RATE_LIMIT_EXCEEDED",
			"retryAfter": secs,
		},
	})
}
