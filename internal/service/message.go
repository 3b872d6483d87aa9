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
	"ghostrooms/internal/ratelimit"
	"ghostrooms/internal/repository"

	"github.com/google/uuid"
)

const (
	maxHistoryLimit = 100
	messageWindow   = time.Minute
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	messages *repository.MessageRepository
	limiter  *ratelimit.Window
	cfg      config.Config
	now      func() time.Time
}

func NewMessageService(messages *repository.MessageRepository, limiter *ratelimit.Window, cfg config.Config, now func() time.Time) *MessageService {
	if now == nil {
		now = utcNow
	}
	return &MessageService{messages: messages, limiter: limiter, cfg: cfg, now: now}
}

// AttachmentInput 是客户端上报的附件元数据（文件已上传至文件服务）。
type AttachmentInput struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

// SendInput 是发送消息的参数。
type SendInput struct {
	Type        models.MessageType `json:"type"`
	Content     *string            `json:"content,omitempty"`
	Attachments []AttachmentInput  `json:"attachments,omitempty"`
}

type AttachmentDTO struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID          string             `json:"id"`
	Type        models.MessageType `json:"type"`
	Content     *string            `json:"content"`
	Nickname    string             `json:"nickname"`
	CreatedAt   time.Time          `json:"createdAt"`
	EditedAt    *time.Time         `json:"editedAt,omitempty"`
	Attachments []AttachmentDTO    `json:"attachments"`
}

func toMessageDTO(m *models.Message) MessageDTO {
	atts := make([]AttachmentDTO, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, AttachmentDTO{ID: a.ID, FileName: a.FileName, FileSize: a.FileSize, MimeType: a.MimeType, URL: a.URL})
	}
	return MessageDTO{
		ID:          m.ID,
		Type:        m.Type,
		Content:     m.Content,
		Nickname:    m.Nickname,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
		Attachments: atts,
	}
}

// ValidateMessage 按消息类型校验内容与附件。
func ValidateMessage(in SendInput, maxLen int, maxFileSize int64) error {
	if !in.Type.Valid() {
		return ErrInvalidMessageType
	}
	switch in.Type {
	case models.MessageText:
		if in.Content == nil || strings.TrimSpace(*in.Content) == "" {
			return ErrInvalidMessage
		}
		if utf8.RuneCountInString(*in.Content) > maxLen {
			return ErrMessageTooLong
		}
	case models.MessageSticker:
		if in.Content == nil || strings.TrimSpace(*in.Content) == "" {
			return ErrInvalidMessage
		}
	case models.MessageImage, models.MessageFile:
		if len(in.Attachments) == 0 {
			return ErrMissingAttachment
		}
		for _, a := range in.Attachments {
			if a.FileSize > maxFileSize {
				return ErrFileTooLarge
			}
		}
	}
	return nil
}

// admit 按会话的固定窗口计数，窗口在 resetAt 时刻重置。
// 内存中没有该会话的桶时（如进程重启），先用持久化的近一分钟消息重建窗口，
// 因此重连或重启都不会清空配额。
func (s *MessageService) admit(ctx context.Context, sessionID string, now time.Time) error {
	if !s.limiter.Known(sessionID) {
		n, first, err := s.messages.RecentBySession(ctx, sessionID, now.Add(-messageWindow))
		if err != nil {
			return unavailable("count recent messages", err)
		}
		s.limiter.Restore(sessionID, int(n), first, now)
	}
	if ok, retry := s.limiter.Allow(sessionID, now); !ok {
		metrics.RateLimitedTotal.WithLabelValues("message").Inc()
		return RateLimited(retry)
	}
	return nil
}

// Send 校验、限流并持久化一条消息。
func (s *MessageService) Send(ctx context.Context, id Identity, in SendInput) (*MessageDTO, error) {
	if err := ValidateMessage(in, s.cfg.MaxMessageLength, s.cfg.MaxFileSizeBytes()); err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.admit(ctx, id.SessionID, now); err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		RoomID:    id.RoomID,
		SessionID: id.SessionID,
		Nickname:  id.Nickname,
		Type:      in.Type,
		Content:   in.Content,
		CreatedAt: now,
	}
	for _, a := range in.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:        uuid.NewString(),
			FileName:  a.FileName,
			FileSize:  a.FileSize,
			MimeType:  a.MimeType,
			URL:       a.URL,
			CreatedAt: now,
		})
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, unavailable("create message", err)
	}
	dto := toMessageDTO(msg)
	return &dto, nil
}

// Delete 软删除调用者自己发送的消息。
func (s *MessageService) Delete(ctx context.Context, id Identity, messageID string) error {
	msg, err := s.messages.FindByID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return unavailable("find message", err)
	}
	if msg.RoomID != id.RoomID || msg.IsDeleted {
		return ErrMessageNotFound
	}
	if msg.SessionID != id.SessionID {
		return ErrForbidden
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return unavailable("delete message", err)
	}
	return nil
}

// History 分页查询房间消息，按时间正序返回。
func (s *MessageService) History(ctx context.Context, roomID string, limit int, before *time.Time) ([]MessageDTO, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := s.messages.ListByRoom(ctx, roomID, limit, before)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	out := make([]MessageDTO, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, toMessageDTO(&msgs[i]))
	}
	return out, nil
}
