package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ghostrooms/internal/config"
	"ghostrooms/internal/db"
	"ghostrooms/internal/dispatch"
	"ghostrooms/internal/filestore"
	clog "ghostrooms/internal/log"
	"ghostrooms/internal/mw"
	"ghostrooms/internal/ratelimit"
	"ghostrooms/internal/repository"
	"ghostrooms/internal/scheduler"
	"ghostrooms/internal/server"
	"ghostrooms/internal/service"
	"ghostrooms/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// app 是进程内只构造一次的组件集合。
type app struct {
	cfg      config.Config
	db       *gorm.DB
	rooms    *service.RoomService
	sessions *service.SessionService
	messages *service.MessageService
	msgLimit *ratelimit.Window
}

// bootstrap 加载配置、初始化日志并连接数据库。
func bootstrap() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	roomRepo := repository.NewRoomRepository(gdb, cfg.DBTimeout)
	sessRepo := repository.NewSessionRepository(gdb, cfg.DBTimeout)
	msgRepo := repository.NewMessageRepository(gdb, cfg.DBTimeout)
	msgLimit := ratelimit.NewWindow(cfg.RateLimitMessagesPerMinute, time.Minute)
	rooms := service.NewRoomService(roomRepo, sessRepo, cfg, nil)
	return &app{
		cfg:      cfg,
		db:       gdb,
		rooms:    rooms,
		sessions: service.NewSessionService(rooms, roomRepo, sessRepo, cfg, nil),
		messages: service.NewMessageService(msgRepo, msgLimit, cfg, nil),
		msgLimit: msgLimit,
	}, nil
}

func (a *app) close() {
	a.msgLimit.Stop()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (a *app) scheduler(n scheduler.Notifier) *scheduler.Scheduler {
	return scheduler.New(a.rooms, a.sessions, n, scheduler.Config{
		CleanupInterval:    a.cfg.CleanupInterval,
		TTLWarningInterval: a.cfg.TTLWarningInterval,
		TTLWarningWindow:   a.cfg.TTLWarningWindow,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(dispatch.New(a.rooms, a.sessions, a.messages), ws.Options{
		AllowedOrigin:   cfg.CORSOrigin,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
	})

	a.msgLimit.StartGC(time.Minute)
	roomCreate := ratelimit.NewWindow(cfg.RateLimitRoomCreatePerHour, time.Hour)
	roomCreate.StartGC(10 * time.Minute)
	defer roomCreate.Stop()
	// 控制单个 IP+路由的速率，避免接口被刷爆。
	throttle := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 5*time.Minute)
	defer throttle.Stop()

	sched := a.scheduler(hub)
	schedCtx, cancelSched := context.WithCancel(context.Background())
	sched.Start(schedCtx)

	r := server.SetupRouter(cfg, server.Deps{
		Rooms:      a.rooms,
		Sessions:   a.sessions,
		Messages:   a.messages,
		Files:      filestore.New(cfg.FileServerURL, cfg.MaxFileSizeBytes(), nil),
		Hub:        hub,
		Throttle:   throttle,
		RoomCreate: roomCreate,
		Ping: func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancelSched()
		sched.Wait()
		hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server run: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	cancelSched()
	sched.Wait()
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	log.Info().Msg("schema migrated")
	return nil
}

// runSweep 执行一次清理，不连接实时传输层，适合由外部 cron 调用。
func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()
	rep, err := a.scheduler(nil).Sweep(cmd.Context())
	log.Info().Int("rooms", rep.Rooms).Int64("sessions", rep.Sessions).Msg("sweep finished")
	return err
}
