package models

import "time"

type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageSticker MessageType = "STICKER"
	MessageImage   MessageType = "IMAGE"
	MessageFile    MessageType = "FILE"
)

// Valid 判断消息类型是否为已知枚举值。
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageSticker, MessageImage, MessageFile:
		return true
	}
	return false
}

type Room struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Token     string    `gorm:"uniqueIndex;size:64;not null"`
	Name      *string   `gorm:"size:128"`
	IsPublic  bool      `gorm:"not null;default:false;index"`
	IsActive  bool      `gorm:"not null;default:true"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
	Sessions  []Session `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
	Messages  []Message `gorm:"foreignKey:RoomID;constraint:OnDelete:CASCADE"`
}

// Session 的 (room_id, nickname_key) 唯一索引保证并发加入同名时只有一个成功。
type Session struct {
	ID           string `gorm:"primaryKey;size:36"`
	RoomID       string `gorm:"size:36;not null;uniqueIndex:idx_session_room_nick"`
	Nickname     string `gorm:"size:20;not null"`
	NicknameKey  string `gorm:"size:20;not null;uniqueIndex:idx_session_room_nick"`
	SessionToken string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"index;not null"`
}

type Message struct {
	ID          string      `gorm:"primaryKey;size:36"`
	RoomID      string      `gorm:"size:36;not null;index:idx_msg_room_created,priority:1"`
	SessionID   string      `gorm:"size:36;not null;index"`
	Nickname    string      `gorm:"size:20;not null"`
	Type        MessageType `gorm:"size:16;not null"`
	Content     *string     `gorm:"type:text"`
	CreatedAt   time.Time   `gorm:"index:idx_msg_room_created,priority:2"`
	EditedAt    *time.Time
	IsDeleted   bool         `gorm:"not null;default:false"`
	Attachments []Attachment `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

type Attachment struct {
	ID        string `gorm:"primaryKey;size:36"`
	MessageID string `gorm:"size:36;not null;index"`
	FileName  string `gorm:"size:255;not null"`
	FileSize  int64  `gorm:"not null"`
	MimeType  string `gorm:"size:128;not null"`
	URL       string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
