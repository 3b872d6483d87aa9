package repository

import (
	"context"
	"fmt"
	"time"

	"ghostrooms/internal/models"

	"gorm.io/gorm"
)

type RoomRepository struct{ base }

func NewRoomRepository(db *gorm.DB, timeout time.Duration) *RoomRepository {
	return &RoomRepository{newBase(db, timeout)}
}

// Create 插入房间；token 冲突时返回 ErrDuplicate。
func (r *RoomRepository) Create(ctx context.Context, room *models.Room) error {
	db, cancel := r.with(ctx)
	defer cancel()
	if err := translate(db.Create(room).Error); err != nil {
		if err == ErrDuplicate {
			return err
		}
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (r *RoomRepository) FindByToken(ctx context.Context, token string) (*models.Room, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var room models.Room
	if err := translate(db.Where("token = ?", token).First(&room).Error); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *RoomRepository) FindByID(ctx context.Context, id string) (*models.Room, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var room models.Room
	if err := translate(db.Where("id = ?", id).First(&room).Error); err != nil {
		return nil, err
	}
	return &room, nil
}

// Deactivate 将房间标记为不可用，重复调用无副作用。
func (r *RoomRepository) Deactivate(ctx context.Context, id string) error {
	db, cancel := r.with(ctx)
	defer cancel()
	err := db.Model(&models.Room{}).Where("id = ? AND is_active = ?", id, true).Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate room %s: %w", id, err)
	}
	return nil
}

// CountSessions 统计房间内持久化的会话数，用于容量判断。
func (r *RoomRepository) CountSessions(ctx context.Context, roomID string) (int64, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var n int64
	if err := db.Model(&models.Session{}).Where("room_id = ?", roomID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// CountSessionsByRoom 批量统计多个房间的会话数。
func (r *RoomRepository) CountSessionsByRoom(ctx context.Context, roomIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	db, cancel := r.with(ctx)
	defer cancel()
	var rows []struct {
		RoomID string
		N      int64
	}
	err := db.Model(&models.Session{}).
		Select("room_id, count(*) AS n").
		Where("room_id IN ?", roomIDs).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count sessions by room: %w", err)
	}
	for _, row := range rows {
		out[row.RoomID] = row.N
	}
	return out, nil
}

// ListPublic 返回公开、可用且未过期的房间，按创建时间倒序。
func (r *RoomRepository) ListPublic(ctx context.Context, now time.Time) ([]models.Room, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var rooms []models.Room
	err := db.Where("is_public = ? AND is_active = ? AND expires_at > ?", true, true, now).
		Order("created_at desc").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list public rooms: %w", err)
	}
	return rooms, nil
}

// ListExpiring 返回 (now, until] 区间内即将过期且仍可用的房间。
func (r *RoomRepository) ListExpiring(ctx context.Context, now, until time.Time) ([]models.Room, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var rooms []models.Room
	err := db.Where("is_active = ? AND expires_at > ? AND expires_at <= ?", true, now, until).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring rooms: %w", err)
	}
	return rooms, nil
}

// DeleteExpired 硬删除所有 expires_at 已过的房间（不论 is_active），
// 并在同一事务中级联删除其附件、消息与会话。返回被删除的房间。
func (r *RoomRepository) DeleteExpired(ctx context.Context, now time.Time) ([]models.Room, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var rooms []models.Room
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at < ?", now).Find(&rooms).Error; err != nil {
			return err
		}
		if len(rooms) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rooms))
		for _, room := range rooms {
			ids = append(ids, room.ID)
		}
		msgIDs := tx.Model(&models.Message{}).Select("id").Where("room_id IN ?", ids)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id IN ?", ids).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id IN ?", ids).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Room{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("delete expired rooms: %w", err)
	}
	return rooms, nil
}
