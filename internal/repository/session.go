package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ghostrooms/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepository struct{ base }

func NewSessionRepository(db *gorm.DB, timeout time.Duration) *SessionRepository {
	return &SessionRepository{newBase(db, timeout)}
}

// CreateWithinCapacity 在一个事务内锁定房间行、统计会话数并插入会话，
// 并发加入同一房间时按房间行串行，会话数不会超过 capacity。
// 房间已满返回 ErrCapacity，房间不存在返回 ErrNotFound，昵称或 token 冲突返回 ErrDuplicate。
func (r *SessionRepository) CreateWithinCapacity(ctx context.Context, s *models.Session, capacity int64) error {
	db, cancel := r.with(ctx)
	defer cancel()
	err := db.Transaction(func(tx *gorm.DB) error {
		var room models.Room
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", s.RoomID).First(&room).Error; err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.Session{}).Where("room_id = ?", s.RoomID).Count(&n).Error; err != nil {
			return err
		}
		if n >= capacity {
			return ErrCapacity
		}
		return tx.Create(s).Error
	})
	switch err = translate(err); {
	case err == nil, errors.Is(err, ErrCapacity), err == ErrNotFound, err == ErrDuplicate:
		return err
	}
	return fmt.Errorf("create session: %w", err)
}

func (r *SessionRepository) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var s models.Session
	if err := translate(db.Where("session_token = ?", token).First(&s).Error); err != nil {
		return nil, err
	}
	return &s, nil
}

// NicknameInUse 按小写化后的昵称判断是否已被房间内的会话占用。
func (r *SessionRepository) NicknameInUse(ctx context.Context, roomID, nicknameKey string) (bool, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var n int64
	err := db.Model(&models.Session{}).Where("room_id = ? AND nickname_key = ?", roomID, nicknameKey).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check nickname: %w", err)
	}
	return n > 0, nil
}

// Touch 刷新 last_active_at；会话已被删除时返回 ErrNotFound。
func (r *SessionRepository) Touch(ctx context.Context, token string, now time.Time) error {
	db, cancel := r.with(ctx)
	defer cancel()
	res := db.Model(&models.Session{}).Where("session_token = ?", token).Update("last_active_at", now)
	if res.Error != nil {
		return fmt.Errorf("touch session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByToken 删除会话，不存在时同样视为成功。
func (r *SessionRepository) DeleteByToken(ctx context.Context, token string) error {
	db, cancel := r.with(ctx)
	defer cancel()
	if err := db.Where("session_token = ?", token).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	res := db.Where("room_id = ?", roomID).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete room sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteInactive 删除 last_active_at 早于 cutoff 的会话。
func (r *SessionRepository) DeleteInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	res := db.Where("last_active_at < ?", cutoff).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete inactive sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
