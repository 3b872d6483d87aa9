package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"ghostrooms/internal/config"
	"ghostrooms/internal/metrics"
	"ghostrooms/internal/models"
	"ghostrooms/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxRoomNameLen     = 64
	tokenCreateRetries = 5
)

// RoomService 负责房间的创建、校验、过期与公开列表。
type RoomService struct {
	rooms    *repository.RoomRepository
	sessions *repository.SessionRepository
	cfg      config.Config
	now      func() time.Time
}

func NewRoomService(rooms *repository.RoomRepository, sessions *repository.SessionRepository, cfg config.Config, now func() time.Time) *RoomService {
	if now == nil {
		now = utcNow
	}
	return &RoomService{rooms: rooms, sessions: sessions, cfg: cfg, now: now}
}

func utcNow() time.Time { return time.Now().UTC() }

// CreateRoomInput 是创建房间的参数，零值字段使用默认配置。
type CreateRoomInput struct {
	TTLHours int
	Name     string
	IsPublic bool
}

// CreatedRoomDTO 是创建房间后返回的数据。
type CreatedRoomDTO struct {
	Token     string    `json:"token"`
	Name      *string   `json:"name,omitempty"`
	IsPublic  bool      `json:"isPublic"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RoomInfoDTO 是房间详情。
type RoomInfoDTO struct {
	Token            string    `json:"token"`
	Name             *string   `json:"name,omitempty"`
	IsPublic         bool      `json:"isPublic"`
	ParticipantCount int64     `json:"participantCount"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PublicRoomDTO 是公开房间列表项。
type PublicRoomDTO struct {
	Token            string    `json:"token"`
	Name             *string   `json:"name,omitempty"`
	ParticipantCount int64     `json:"participantCount"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// IsExpired 判断房间在 now 时刻是否已不可用。
func IsExpired(room *models.Room, now time.Time) bool {
	return !room.IsActive || !room.ExpiresAt.After(now)
}

// Create 创建房间，token 冲突时重试。
func (s *RoomService) Create(ctx context.Context, in CreateRoomInput) (*CreatedRoomDTO, error) {
	ttl := in.TTLHours
	if ttl == 0 {
		ttl = s.cfg.RoomTTLHours
	}
	if ttl < 1 || ttl > s.cfg.RoomMaxTTLHours {
		return nil, ErrInvalidTTL
	}
	var name *string
	if n := strings.TrimSpace(in.Name); n != "" {
		if utf8.RuneCountInString(n) > maxRoomNameLen {
			return nil, ErrInvalidRoomName
		}
		name = &n
	}

	now := s.now()
	for i := 0; i < tokenCreateRetries; i++ {
		token, err := newRoomToken()
		if err != nil {
			return nil, err
		}
		room := &models.Room{
			ID:        uuid.NewString(),
			Token:     token,
			Name:      name,
			IsPublic:  in.IsPublic,
			IsActive:  true,
			ExpiresAt: now.Add(time.Duration(ttl) * time.Hour),
			CreatedAt: now,
		}
		err = s.rooms.Create(ctx, room)
		if errors.Is(err, repository.ErrDuplicate) {
			log.Warn().Str("token", token).Msg("room token collision, retrying")
			continue
		}
		if err != nil {
			return nil, unavailable("create room", err)
		}
		metrics.RoomsCreatedTotal.Inc()
		return &CreatedRoomDTO{Token: room.Token, Name: room.Name, IsPublic: room.IsPublic, ExpiresAt: room.ExpiresAt}, nil
	}
	return nil, unavailable("create room", errors.New("could not allocate a unique room token"))
}

// find 读取房间并处理过期：仅时间过期时顺带执行惰性停用。
func (s *RoomService) find(ctx context.Context, token string) (*models.Room, error) {
	room, err := s.rooms.FindByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, unavailable("find room", err)
	}
	if IsExpired(room, s.now()) {
		if room.IsActive {
			if err := s.Deactivate(ctx, room.ID); err != nil {
				log.Error().Err(err).Str("room_id", room.ID).Msg("lazy deactivate failed")
			}
		}
		return nil, ErrRoomExpired
	}
	return room, nil
}

// Validate 校验房间存在、未过期且未满员，成功时返回房间。
func (s *RoomService) Validate(ctx context.Context, token string) (*models.Room, error) {
	room, err := s.find(ctx, token)
	if err != nil {
		return nil, err
	}
	n, err := s.rooms.CountSessions(ctx, room.ID)
	if err != nil {
		return nil, unavailable("count sessions", err)
	}
	if n >= int64(s.cfg.RoomMaxCapacity) {
		return nil, ErrRoomFull
	}
	return room, nil
}

// Info 返回房间详情，参与人数来自当前持久化的会话。
func (s *RoomService) Info(ctx context.Context, token string) (*RoomInfoDTO, error) {
	room, err := s.find(ctx, token)
	if err != nil {
		return nil, err
	}
	n, err := s.rooms.CountSessions(ctx, room.ID)
	if err != nil {
		return nil, unavailable("count sessions", err)
	}
	return &RoomInfoDTO{
		Token:            room.Token,
		Name:             room.Name,
		IsPublic:         room.IsPublic,
		ParticipantCount: n,
		ExpiresAt:        room.ExpiresAt,
		CreatedAt:        room.CreatedAt,
	}, nil
}

// ListPublic 返回公开可用房间，每个房间附带实时计算的会话数。
func (s *RoomService) ListPublic(ctx context.Context) ([]PublicRoomDTO, error) {
	rooms, err := s.rooms.ListPublic(ctx, s.now())
	if err != nil {
		return nil, unavailable("list public rooms", err)
	}
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	counts, err := s.rooms.CountSessionsByRoom(ctx, ids)
	if err != nil {
		return nil, unavailable("count sessions", err)
	}
	out := make([]PublicRoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, PublicRoomDTO{
			Token:            r.Token,
			Name:             r.Name,
			ParticipantCount: counts[r.ID],
			ExpiresAt:        r.ExpiresAt,
			CreatedAt:        r.CreatedAt,
		})
	}
	return out, nil
}

// Deactivate 停用房间并删除其全部会话，可重复调用。
func (s *RoomService) Deactivate(ctx context.Context, roomID string) error {
	if err := s.rooms.Deactivate(ctx, roomID); err != nil {
		return unavailable("deactivate room", err)
	}
	if _, err := s.sessions.DeleteByRoom(ctx, roomID); err != nil {
		return unavailable("delete room sessions", err)
	}
	return nil
}

// PurgeExpired 硬删除所有已过期房间，返回被删除的房间。
func (s *RoomService) PurgeExpired(ctx context.Context) ([]models.Room, error) {
	rooms, err := s.rooms.DeleteExpired(ctx, s.now())
	if err != nil {
		return nil, unavailable("purge expired rooms", err)
	}
	return rooms, nil
}

// ExpiringRoom 是即将过期的房间及剩余秒数。
type ExpiringRoom struct {
	ID        string
	Token     string
	ExpiresIn int64
}

// Expiring 返回在 window 内即将过期且仍可用的房间。
func (s *RoomService) Expiring(ctx context.Context, window time.Duration) ([]ExpiringRoom, error) {
	now := s.now()
	rooms, err := s.rooms.ListExpiring(ctx, now, now.Add(window))
	if err != nil {
		return nil, unavailable("list expiring rooms", err)
	}
	out := make([]ExpiringRoom, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, ExpiringRoom{ID: r.ID, Token: r.Token, ExpiresIn: int64(r.ExpiresAt.Sub(now) / time.Second)})
	}
	return out, nil
}
