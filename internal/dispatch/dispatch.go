// Package dispatch 把单个连接上的入站事件翻译为状态迁移与出站效果。
// 它不直接触碰传输层：广播、进出房间都以 Effect 的形式返回，由 ws 包执行。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ghostrooms/internal/metrics"
	"ghostrooms/internal/protocol"
	"ghostrooms/internal/service"

	"github.com/rs/zerolog/log"
)

type State int

const (
	Anonymous State = iota
	Joined
	Left
	Disconnected
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn 是连接的会话状态，由 ws 层持有并在每次分发后替换。
type Conn struct {
	ID       string
	State    State
	Username string
	Identity service.Identity
}

type EffectKind int

const (
	// Reply 只发给当前连接。
	Reply EffectKind = iota
	// Broadcast 发给房间内所有连接（包括当前连接）。
	Broadcast
	// Enter 将当前连接加入房间广播组，并发出 room_joined / user_joined。
	Enter
	// Exit 将当前连接移出房间广播组，并向其余成员发出 user_left。
	Exit
	// ReplyActiveUsers 以传输层当前的大厅用户名单回复当前连接。
	ReplyActiveUsers
	// AnnounceActiveUsers 向所有连接推送大厅用户名单。
	AnnounceActiveUsers
)

// JoinInfo 是 room_joined 所需的房间元数据与历史消息。
type JoinInfo struct {
	RoomToken string
	ExpiresAt time.Time
	Messages  []service.MessageDTO
}

type Effect struct {
	Kind     EffectKind
	RoomID   string
	Nickname string
	Frame    []byte
	Join     *JoinInfo
}

// Result 是一次分发的结果：下一状态与需要执行的效果，按顺序执行。
type Result struct {
	Conn    Conn
	Effects []Effect
}

type Rooms interface {
	Info(ctx context.Context, token string) (*service.RoomInfoDTO, error)
	ListPublic(ctx context.Context) ([]service.PublicRoomDTO, error)
}

type Sessions interface {
	Validate(ctx context.Context, sessionToken string) (service.Identity, error)
	Remove(ctx context.Context, sessionToken string) error
}

type Messages interface {
	Send(ctx context.Context, id service.Identity, in service.SendInput) (*service.MessageDTO, error)
	Delete(ctx context.Context, id service.Identity, messageID string) error
	History(ctx context.Context, roomID string, limit int, before *time.Time) ([]service.MessageDTO, error)
}

// 分发层自身的错误码。
var (
	ErrNotJoined      = &service.Error{Kind: service.KindValidation, Code: "NOT_JOINED", Message: "Join a room first"}
	ErrAlreadyJoined  = &service.Error{Kind: service.KindConflict, Code: "ALREADY_JOINED", Message: "Connection has already joined a room"}
	ErrInvalidState   = &service.Error{Kind: service.KindValidation, Code: "INVALID_STATE", Message: "Connection has left its room, open a new connection to join again"}
	ErrInvalidPayload = &service.Error{Kind: service.KindValidation, Code: "INVALID_PAYLOAD", Message: "Malformed event payload"}
	ErrUnknownEvent   = &service.Error{Kind: service.KindValidation, Code: "UNKNOWN_EVENT", Message: "Unknown event"}
	ErrInternal       = &service.Error{Kind: service.KindInternal, Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

type Dispatcher struct {
	rooms    Rooms
	sessions Sessions
	messages Messages
}

func New(rooms Rooms, sessions Sessions, messages Messages) *Dispatcher {
	return &Dispatcher{rooms: rooms, sessions: sessions, messages: messages}
}

// Dispatch 处理一个入站事件。
func (d *Dispatcher) Dispatch(ctx context.Context, c Conn, event string, data json.RawMessage) Result {
	if c.State == Disconnected {
		return Result{Conn: c}
	}
	switch event {
	case protocol.SetUsername:
		return d.setUsername(c, data)
	case protocol.GetActiveUsers:
		return Result{Conn: c, Effects: []Effect{{Kind: ReplyActiveUsers}}}
	case protocol.GetPublicRooms:
		return d.getPublicRooms(ctx, c)
	case protocol.JoinRoom:
		return d.joinRoom(ctx, c, data)
	case protocol.SendMessage:
		return d.sendMessage(ctx, c, data)
	case protocol.DeleteMessage:
		return d.deleteMessage(ctx, c, data)
	case protocol.LeaveRoom:
		return d.leaveRoom(ctx, c)
	case protocol.Heartbeat:
		return d.heartbeat(ctx, c)
	}
	return fail(c, ErrUnknownEvent)
}

// Disconnect 处理传输层的断开通知。
func (d *Dispatcher) Disconnect(ctx context.Context, c Conn) Result {
	var effects []Effect
	if c.State == Joined {
		if err := d.sessions.Remove(ctx, c.Identity.SessionToken); err != nil {
			log.Error().Err(err).Str("session_id", c.Identity.SessionID).Msg("remove session on disconnect")
		}
		effects = append(effects, Effect{Kind: Exit, RoomID: c.Identity.RoomID, Nickname: c.Identity.Nickname})
	}
	if c.Username != "" {
		effects = append(effects, Effect{Kind: AnnounceActiveUsers})
	}
	c.State = Disconnected
	c.Identity = service.Identity{}
	return Result{Conn: c, Effects: effects}
}

func (d *Dispatcher) setUsername(c Conn, data json.RawMessage) Result {
	var p protocol.SetUsernamePayload
	if err := decode(data, &p); err != nil {
		return fail(c, err)
	}
	name, err := service.NormalizeNickname(p.Username)
	if err != nil {
		return fail(c, err)
	}
	c.Username = name
	return Result{Conn: c, Effects: []Effect{
		reply(protocol.UsernameSet, protocol.UsernameSetPayload{Username: name}),
		{Kind: AnnounceActiveUsers},
	}}
}

func (d *Dispatcher) getPublicRooms(ctx context.Context, c Conn) Result {
	rooms, err := d.rooms.ListPublic(ctx)
	if err != nil {
		return fail(c, err)
	}
	return Result{Conn: c, Effects: []Effect{reply(protocol.PublicRoomsUpdate, protocol.PublicRoomsPayload{Rooms: rooms})}}
}

func (d *Dispatcher) joinRoom(ctx context.Context, c Conn, data json.RawMessage) Result {
	switch c.State {
	case Joined:
		return fail(c, ErrAlreadyJoined)
	case Left:
		return fail(c, ErrInvalidState)
	}
	var p protocol.JoinRoomPayload
	if err := decode(data, &p); err != nil {
		return fail(c, err)
	}
	if p.RoomToken == "" || p.SessionToken == "" {
		return fail(c, ErrInvalidPayload)
	}
	id, err := d.sessions.Validate(ctx, p.SessionToken)
	if err != nil {
		return fail(c, err)
	}
	if id.RoomToken != p.RoomToken {
		return fail(c, service.ErrInvalidSession)
	}
	info, err := d.rooms.Info(ctx, id.RoomToken)
	if err != nil {
		return fail(c, err)
	}
	history, err := d.messages.History(ctx, id.RoomID, 0, nil)
	if err != nil {
		return fail(c, err)
	}
	c.State = Joined
	c.Identity = id
	return Result{Conn: c, Effects: []Effect{{
		Kind:     Enter,
		RoomID:   id.RoomID,
		Nickname: id.Nickname,
		Join:     &JoinInfo{RoomToken: id.RoomToken, ExpiresAt: info.ExpiresAt, Messages: history},
	}}}
}

// revalidate 在已加入状态下重新校验会话。会话失效时连接被移出房间。
func (d *Dispatcher) revalidate(ctx context.Context, c Conn) (Conn, *Result) {
	switch c.State {
	case Anonymous:
		r := fail(c, ErrNotJoined)
		return c, &r
	case Left:
		r := fail(c, ErrInvalidState)
		return c, &r
	}
	id, err := d.sessions.Validate(ctx, c.Identity.SessionToken)
	if err == nil {
		c.Identity = id
		return c, nil
	}
	if errors.Is(err, service.ErrInvalidSession) || errors.Is(err, service.ErrRoomExpired) {
		exit := Effect{Kind: Exit, RoomID: c.Identity.RoomID, Nickname: c.Identity.Nickname}
		c.State = Left
		c.Identity = service.Identity{}
		r := fail(c, err)
		r.Effects = append([]Effect{exit}, r.Effects...)
		return c, &r
	}
	r := fail(c, err)
	return c, &r
}

func (d *Dispatcher) sendMessage(ctx context.Context, c Conn, data json.RawMessage) Result {
	c, res := d.revalidate(ctx, c)
	if res != nil {
		return *res
	}
	var in service.SendInput
	if err := decode(data, &in); err != nil {
		return fail(c, err)
	}
	msg, err := d.messages.Send(ctx, c.Identity, in)
	if err != nil {
		return fail(c, err)
	}
	metrics.WsMessagesTotal.Inc()
	return Result{Conn: c, Effects: []Effect{broadcast(c.Identity.RoomID, protocol.NewMessage, msg)}}
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c Conn, data json.RawMessage) Result {
	c, res := d.revalidate(ctx, c)
	if res != nil {
		return *res
	}
	var p protocol.DeleteMessagePayload
	if err := decode(data, &p); err != nil {
		return fail(c, err)
	}
	if p.MessageID == "" {
		return fail(c, ErrInvalidPayload)
	}
	if err := d.messages.Delete(ctx, c.Identity, p.MessageID); err != nil {
		return fail(c, err)
	}
	return Result{Conn: c, Effects: []Effect{
		broadcast(c.Identity.RoomID, protocol.MessageDeleted, protocol.MessageDeletedPayload{MessageID: p.MessageID}),
	}}
}

func (d *Dispatcher) leaveRoom(ctx context.Context, c Conn) Result {
	switch c.State {
	case Anonymous:
		return fail(c, ErrNotJoined)
	case Left:
		return fail(c, ErrInvalidState)
	}
	id := c.Identity
	if err := d.sessions.Remove(ctx, id.SessionToken); err != nil {
		log.Error().Err(err).Str("session_id", id.SessionID).Msg("remove session on leave")
	}
	c.State = Left
	c.Identity = service.Identity{}
	return Result{Conn: c, Effects: []Effect{
		{Kind: Exit, RoomID: id.RoomID, Nickname: id.Nickname},
		reply(protocol.RoomLeft, protocol.RoomLeftPayload{RoomToken: id.RoomToken}),
	}}
}

func (d *Dispatcher) heartbeat(ctx context.Context, c Conn) Result {
	if c.State == Joined {
		next, res := d.revalidate(ctx, c)
		if res != nil {
			return *res
		}
		c = next
	}
	return Result{Conn: c, Effects: []Effect{reply(protocol.HeartbeatAck, nil)}}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func reply(event string, data any) Effect {
	return Effect{Kind: Reply, Frame: protocol.MustEncode(event, data)}
}

func broadcast(roomID, event string, data any) Effect {
	return Effect{Kind: Broadcast, RoomID: roomID, Frame: protocol.MustEncode(event, data)}
}

// fail 生成只发给当前连接的 error 事件，未知错误记录日志并以 INTERNAL_ERROR 返回。
func fail(c Conn, err error) Result {
	return Result{Conn: c, Effects: []Effect{ErrorEffect(err)}}
}

// ErrorEffect 把错误映射为 error{message,code} 帧。
func ErrorEffect(err error) Effect {
	e := service.AsError(err)
	if e == nil {
		log.Error().Err(err).Msg("unhandled dispatch error")
		e = ErrInternal
	} else if e.Kind == service.KindUnavailable {
		log.Error().Err(err).Msg("upstream unavailable")
	}
	p := protocol.ErrorPayload{Message: e.Message, Code: e.Code}
	if e.RetryAfter > 0 {
		p.RetryAfter = int64((e.RetryAfter + time.Second - 1) / time.Second)
	}
	return reply(protocol.Error, p)
}
