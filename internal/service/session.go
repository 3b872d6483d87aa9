package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"ghostrooms/internal/config"
	"ghostrooms/internal/models"
	"ghostrooms/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var nicknamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s._-]+$`)

const (
	minNicknameLen = 2
	maxNicknameLen = 20
)

// SessionService 负责会话的签发、校验与淘汰。
type SessionService struct {
	rooms    *RoomService
	roomRepo *repository.RoomRepository
	sessions *repository.SessionRepository
	cfg      config.Config
	now      func() time.Time
}

func NewSessionService(rooms *RoomService, roomRepo *repository.RoomRepository, sessions *repository.SessionRepository, cfg config.Config, now func() time.Time) *SessionService {
	if now == nil {
		now = utcNow
	}
	return &SessionService{rooms: rooms, roomRepo: roomRepo, sessions: sessions, cfg: cfg, now: now}
}

// JoinResult 是加入房间后返回给客户端的凭证。
type JoinResult struct {
	SessionToken string `json:"sessionToken"`
	Nickname     string `json:"nickname"`
	RoomToken    string `json:"roomToken"`
}

// Identity 是会话校验通过后的调用者身份。
type Identity struct {
	SessionID    string
	SessionToken string
	RoomID       string
	RoomToken    string
	Nickname     string
}

// NormalizeNickname 去除首尾空白并校验长度与字符集。
func NormalizeNickname(raw string) (string, error) {
	nick := strings.TrimSpace(raw)
	if nick == "" {
		return "", ErrMissingNickname
	}
	if n := utf8.RuneCountInString(nick); n < minNicknameLen || n > maxNicknameLen {
		return "", ErrInvalidNickname
	}
	if !nicknamePattern.MatchString(nick) {
		return "", ErrInvalidNickname
	}
	return nick, nil
}

// Join 在房间内创建会话。同名（不区分大小写）并发加入时由唯一索引裁决，仅一个成功。
func (s *SessionService) Join(ctx context.Context, roomToken, rawNickname string) (*JoinResult, error) {
	nick, err := NormalizeNickname(rawNickname)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.Validate(ctx, roomToken)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(nick)
	inUse, err := s.sessions.NicknameInUse(ctx, room.ID, key)
	if err != nil {
		return nil, unavailable("check nickname", err)
	}
	if inUse {
		return nil, ErrNicknameInUse
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &models.Session{
		ID:           uuid.NewString(),
		RoomID:       room.ID,
		Nickname:     nick,
		NicknameKey:  key,
		SessionToken: token,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	err = s.sessions.CreateWithinCapacity(ctx, sess, int64(s.cfg.RoomMaxCapacity))
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		return nil, ErrNicknameInUse
	case errors.Is(err, repository.ErrCapacity):
		return nil, ErrRoomFull
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrRoomNotFound
	case err != nil:
		return nil, unavailable("create session", err)
	}
	log.Info().Str("room_id", room.ID).Str("session_id", sess.ID).Str("nickname", nick).Msg("session created")
	return &JoinResult{SessionToken: token, Nickname: nick, RoomToken: room.Token}, nil
}

// Validate 校验会话仍有效并刷新 last_active_at。
// 房间已失效时删除该会话并返回 ErrRoomExpired；会话在校验过程中被并发删除时返回 ErrInvalidSession。
func (s *SessionService) Validate(ctx context.Context, sessionToken string) (Identity, error) {
	if sessionToken == "" {
		return Identity{}, ErrInvalidSession
	}
	sess, err := s.sessions.FindByToken(ctx, sessionToken)
	if errors.Is(err, repository.ErrNotFound) {
		return Identity{}, ErrInvalidSession
	}
	if err != nil {
		return Identity{}, unavailable("find session", err)
	}
	now := s.now()
	room, err := s.roomRepo.FindByID(ctx, sess.RoomID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Identity{}, unavailable("find room", err)
	}
	if room == nil || IsExpired(room, now) {
		if room != nil && room.IsActive {
			if err := s.rooms.Deactivate(ctx, room.ID); err != nil {
				log.Error().Err(err).Str("room_id", room.ID).Msg("lazy deactivate failed")
			}
		}
		if err := s.sessions.DeleteByToken(ctx, sessionToken); err != nil {
			return Identity{}, unavailable("delete session", err)
		}
		return Identity{}, ErrRoomExpired
	}
	if err := s.sessions.Touch(ctx, sessionToken, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Identity{}, ErrInvalidSession
		}
		return Identity{}, unavailable("touch session", err)
	}
	return Identity{
		SessionID:    sess.ID,
		SessionToken: sess.SessionToken,
		RoomID:       room.ID,
		RoomToken:    room.Token,
		Nickname:     sess.Nickname,
	}, nil
}

// Remove 删除会话，可重复调用。
func (s *SessionService) Remove(ctx context.Context, sessionToken string) error {
	if err := s.sessions.DeleteByToken(ctx, sessionToken); err != nil {
		return unavailable("remove session", err)
	}
	return nil
}

// PurgeInactive 删除超过不活跃窗口的会话。
func (s *SessionService) PurgeInactive(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteInactive(ctx, s.now().Add(-s.cfg.SessionInactiveWindow()))
	if err != nil {
		return 0, unavailable("purge inactive sessions", err)
	}
	return n, nil
}
