// Package scheduler 周期性清理过期房间与不活跃会话，并向即将过期的房间发出预警。
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"ghostrooms/internal/metrics"
	"ghostrooms/internal/models"
	"ghostrooms/internal/protocol"
	"ghostrooms/internal/service"

	"github.com/rs/zerolog/log"
)

type Rooms interface {
	PurgeExpired(ctx context.Context) ([]models.Room, error)
	Expiring(ctx context.Context, window time.Duration) ([]service.ExpiringRoom, error)
	ListPublic(ctx context.Context) ([]service.PublicRoomDTO, error)
}

type Sessions interface {
	PurgeInactive(ctx context.Context) (int64, error)
}

// Notifier 是实时传输层的出站能力；命令行单次清理时可为 nil。
type Notifier interface {
	Broadcast(roomID string, msg []byte)
	Announce(msg []byte)
	CloseRoom(roomID, reason string)
}

type Config struct {
	CleanupInterval    time.Duration
	TTLWarningInterval time.Duration
	TTLWarningWindow   time.Duration
}

type Scheduler struct {
	rooms    Rooms
	sessions Sessions
	notifier Notifier
	cfg      Config
	once     sync.Once
	wg       sync.WaitGroup
}

func New(rooms Rooms, sessions Sessions, notifier Notifier, cfg Config) *Scheduler {
	return &Scheduler{rooms: rooms, sessions: sessions, notifier: notifier, cfg: cfg}
}

// Report 是一次清理的结果。
type Report struct {
	Rooms    int
	Sessions int64
}

// Start 启动清理与预警两个独立的周期任务，ctx 取消后退出。重复调用无效。
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		s.loop(ctx, s.cfg.CleanupInterval, true, func() {
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("cleanup sweep failed")
			}
		})
		s.loop(ctx, s.cfg.TTLWarningInterval, false, func() {
			if _, err := s.Warn(ctx); err != nil {
				log.Error().Err(err).Msg("ttl warning pass failed")
			}
		})
	})
}

// Wait 阻塞直到周期任务全部退出。
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			fn()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Sweep 硬删除过期房间与不活跃会话。两项清理互不影响，错误合并返回。
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	rooms, roomErr := s.rooms.PurgeExpired(ctx)
	if roomErr == nil {
		rep.Rooms = len(rooms)
		metrics.SweepDeletedTotal.WithLabelValues("room").Add(float64(len(rooms)))
		s.closeRooms(ctx, rooms)
	}
	n, sessErr := s.sessions.PurgeInactive(ctx)
	if sessErr == nil {
		rep.Sessions = n
		metrics.SweepDeletedTotal.WithLabelValues("session").Add(float64(n))
	}
	log.Info().Int("rooms", rep.Rooms).Int64("sessions", rep.Sessions).Msg("cleanup sweep finished")
	return rep, errors.Join(roomErr, sessErr)
}

func (s *Scheduler) closeRooms(ctx context.Context, rooms []models.Room) {
	if s.notifier == nil || len(rooms) == 0 {
		return
	}
	anyPublic := false
	for _, r := range rooms {
		s.notifier.CloseRoom(r.ID, "expired")
		anyPublic = anyPublic || r.IsPublic
	}
	if !anyPublic {
		return
	}
	list, err := s.rooms.ListPublic(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list public rooms after sweep")
		return
	}
	s.notifier.Announce(protocol.MustEncode(protocol.PublicRoomsUpdate, protocol.PublicRoomsPayload{Rooms: list}))
}

// Warn 向窗口内即将过期的可用房间广播剩余秒数，不修改房间状态。
func (s *Scheduler) Warn(ctx context.Context) (int, error) {
	rooms, err := s.rooms.Expiring(ctx, s.cfg.TTLWarningWindow)
	if err != nil {
		return 0, err
	}
	if s.notifier != nil {
		for _, r := range rooms {
			s.notifier.Broadcast(r.ID, protocol.MustEncode(protocol.RoomTTLWarning, protocol.TTLWarningPayload{ExpiresIn: r.ExpiresIn}))
		}
	}
	return len(rooms), nil
}
