package server

import (
	"context"
	"net/http"
	"time"

	"ghostrooms/internal/config"
	"ghostrooms/internal/filestore"
	"ghostrooms/internal/metrics"
	"ghostrooms/internal/mw"
	"ghostrooms/internal/ratelimit"
	"ghostrooms/internal/service"
	"ghostrooms/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是路由装配所需的组件，由 main 在启动时构造一次。
type Deps struct {
	Rooms    *service.RoomService
	Sessions *service.SessionService
	Messages *service.MessageService
	Files    *filestore.Client
	Hub      *ws.Hub
	Notifier Announcer

	// Throttle 为 nil 时不启用全局令牌桶。
	Throttle *mw.RL
	// RoomCreate 按 IP 限制房间创建频率，为 nil 时不限制。
	RoomCreate *ratelimit.Window
	Now        func() time.Time
	Ping       func(ctx context.Context) error
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	if d.Notifier == nil && d.Hub != nil {
		d.Notifier = d.Hub
	}
	h := NewHandler(d)

	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigin))
	if d.Throttle != nil {
		r.Use(mw.Throttle(d.Throttle))
	}

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if d.Hub != nil {
		r.GET("/ws", ws.Serve(d.Hub))
	}

	api := r.Group("/api")
	api.GET("/health", h.Health)

	rooms := api.Group("/rooms")
	if d.RoomCreate != nil {
		rooms.POST("", mw.WindowLimit(d.RoomCreate, "room_create", d.Now), h.CreateRoom)
	} else {
		rooms.POST("", h.CreateRoom)
	}
	rooms.GET("/public", h.ListPublicRooms)
	rooms.GET("/:token", h.RoomInfo)
	rooms.GET("/:token/validate", h.ValidateRoom)
	rooms.POST("/:token/join", h.JoinRoom)

	authed := api.Group("", h.RequireSession)
	authed.GET("/messages/:roomToken", h.History)
	if d.Files != nil {
		authed.POST("/files", h.UploadFile)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"message": "Route not found", "code": "NOT_FOUND"}})
	})
	return r
}
