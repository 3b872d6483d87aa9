package repository

import (
	"context"
	"fmt"
	"time"

	"ghostrooms/internal/models"

	"gorm.io/gorm"
)

type MessageRepository struct{ base }

func NewMessageRepository(db *gorm.DB, timeout time.Duration) *MessageRepository {
	return &MessageRepository{newBase(db, timeout)}
}

// Create 插入消息及其附件。
func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	db, cancel := r.with(ctx)
	defer cancel()
	if err := db.Create(m).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*models.Message, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	var m models.Message
	if err := translate(db.Preload("Attachments").Where("id = ?", id).First(&m).Error); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByRoom 按创建时间倒序分页查询未删除的消息。
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]models.Message, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	q := db.Preload("Attachments").Where("room_id = ? AND is_deleted = ?", roomID, false)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// SoftDelete 标记删除并清空内容，保留 id 与排序位置。
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	db, cancel := r.with(ctx)
	defer cancel()
	err := db.Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]any{"is_deleted": true, "content": gorm.Expr("NULL")}).Error
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}

// RecentBySession 统计会话在 since 之后（不含）发送的消息数，并返回其中最早一条的时间。
// 软删除的消息同样计数。
func (r *MessageRepository) RecentBySession(ctx context.Context, sessionID string, since time.Time) (int64, time.Time, error) {
	db, cancel := r.with(ctx)
	defer cancel()
	q := db.Model(&models.Message{}).Where("session_id = ? AND created_at > ?", sessionID, since)
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, time.Time{}, fmt.Errorf("count recent messages: %w", err)
	}
	if n == 0 {
		return 0, time.Time{}, nil
	}
	var first []time.Time
	err := db.Model(&models.Message{}).
		Where("session_id = ? AND created_at > ?", sessionID, since).
		Order("created_at asc").Limit(1).
		Pluck("created_at", &first).Error
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("oldest recent message: %w", err)
	}
	if len(first) == 0 {
		return n, time.Time{}, nil
	}
	return n, first[0], nil
}
