// Package protocol 定义 websocket 帧格式与事件负载。
// 每一帧都是 {"event": "...", "data": {...}}。
package protocol

import (
	"encoding/json"
	"time"

	"ghostrooms/internal/service"
)

// 客户端 → 服务端事件。
const (
	SetUsername    = "set_username"
	GetActiveUsers = "get_active_users"
	GetPublicRooms = "get_public_rooms"
	JoinRoom       = "join_room"
	SendMessage    = "send_message"
	DeleteMessage  = "delete_message"
	LeaveRoom      = "leave_room"
	Heartbeat      = "heartbeat"
)

// 服务端 → 客户端事件。
const (
	UsernameSet       = "username_set"
	ActiveUsers       = "active_users"
	PublicRoomsUpdate = "public_rooms_update"
	RoomJoined        = "room_joined"
	RoomLeft          = "room_left"
	RoomClosed        = "room_closed"
	UserJoined        = "user_joined"
	UserLeft          = "user_left"
	NewMessage        = "new_message"
	MessageDeleted    = "message_deleted"
	RoomTTLWarning    = "room_ttl_warning"
	HeartbeatAck      = "heartbeat_ack"
	Error             = "error"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 序列化一帧；data 为 nil 时省略 data 字段。
func Encode(event string, data any) ([]byte, error) {
	f := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// MustEncode 用于负载类型固定、不会序列化失败的场景。
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

type SetUsernamePayload struct {
	Username string `json:"username"`
}

type JoinRoomPayload struct {
	RoomToken    string `json:"roomToken"`
	SessionToken string `json:"sessionToken"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type UsernameSetPayload struct {
	Username string `json:"username"`
}

type ActiveUsersPayload struct {
	Users []string `json:"users"`
}

type PublicRoomsPayload struct {
	Rooms []service.PublicRoomDTO `json:"rooms"`
}

type RoomJoinedPayload struct {
	RoomToken        string               `json:"roomToken"`
	ParticipantCount int                  `json:"participantCount"`
	Participants     []string             `json:"participants"`
	ExpiresAt        time.Time            `json:"expiresAt"`
	Messages         []service.MessageDTO `json:"messages"`
}

type RoomLeftPayload struct {
	RoomToken string `json:"roomToken"`
}

type RoomClosedPayload struct {
	Reason string `json:"reason"`
}

// PresencePayload 用于 user_joined 与 user_left。
type PresencePayload struct {
	Nickname         string   `json:"nickname"`
	ParticipantCount int      `json:"participantCount"`
	Participants     []string `json:"participants"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type TTLWarningPayload struct {
	ExpiresIn int64 `json:"expiresIn"`
}

type ErrorPayload struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}
