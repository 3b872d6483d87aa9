package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"ghostrooms/internal/dispatch"
	"ghostrooms/internal/metrics"
	"ghostrooms/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options 是 Hub 的传输层参数。
type Options struct {
	AllowedOrigin   string
	EventsPerSecond int
	EventBurst      int
}

// Hub 持有所有连接与按房间懒创建的 RoomHub。
// 房间内的在场名单只由 RoomHub 的成员集合推导，不单独计数。
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*RoomHub
	closed   map[string]time.Time
	shutdown bool
	clients  map[*Client]string
	disp     *dispatch.Dispatcher
	opts     Options
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(d *dispatch.Dispatcher, opts Options) *Hub {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 2 * opts.EventsPerSecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:   make(map[string]*RoomHub),
		closed:  make(map[string]time.Time),
		clients: make(map[*Client]string),
		disp:    d,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// closedRetention 是已关闭房间 id 的保留时长，覆盖校验与进入之间的竞态窗口即可。
const closedRetention = time.Hour

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
// 房间已被 CloseRoom 关闭或 Hub 已停止时返回 nil，已关闭的房间不会被重新创建。
func (h *Hub) GetRoom(roomID string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	if _, gone := h.closed[roomID]; gone || h.shutdown {
		return nil
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

func (h *Hub) lookup(roomID string) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// Participants 返回房间当前在场的去重昵称（已排序）。
func (h *Hub) Participants(roomID string) []string {
	room := h.lookup(roomID)
	if room == nil {
		return []string{}
	}
	return room.Participants()
}

// Broadcast 向房间内所有连接发送一帧；房间无人在线时丢弃。
func (h *Hub) Broadcast(roomID string, msg []byte) {
	if room := h.lookup(roomID); room != nil {
		room.Broadcast(msg)
	}
}

// Announce 向所有连接发送一帧。
func (h *Hub) Announce(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}

// CloseRoom 通知房间成员房间已关闭并停止其 RoomHub，之后该房间不可再进入。
func (h *Hub) CloseRoom(roomID, reason string) {
	now := time.Now()
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	for id, at := range h.closed {
		if now.Sub(at) > closedRetention {
			delete(h.closed, id)
		}
	}
	h.closed[roomID] = now
	h.mu.Unlock()
	if room != nil {
		room.shutdown(reason)
	}
}

// ActiveUsers 返回大厅中设置过用户名的连接的去重用户名。
func (h *Hub) ActiveUsers() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.clients))
	for _, name := range h.clients {
		names = append(names, name)
	}
	h.mu.RUnlock()
	return dedupe(names)
}

func (h *Hub) activeUsersFrame() []byte {
	return protocol.MustEncode(protocol.ActiveUsers, protocol.ActiveUsersPayload{Users: h.ActiveUsers()})
}

// Close 关闭所有房间并断开所有连接，用于优雅停服。
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.shutdown = true
	rooms := h.rooms
	h.rooms = make(map[string]*RoomHub)
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, room := range rooms {
		room.shutdown("server_shutdown")
	}
	for _, c := range clients {
		c.kick()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = ""
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// detach 把连接移出大厅，之后 Announce 不再发往该连接。
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.WsConnections.Dec()
	}
}

func (h *Hub) setUsername(c *Client, name string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.clients[c] = name
	}
	h.mu.Unlock()
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.EventBurst)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type joinReq struct {
	c        *Client
	nickname string
	info     *dispatch.JoinInfo
	done     chan struct{}
}

type leaveReq struct {
	c    *Client
	done chan struct{}
}

// RoomHub 用单个 goroutine 串行处理房间内的进出与广播，
// 因此所有成员观察到的在场事件顺序一致。
type RoomHub struct {
	roomID    string
	members   map[*Client]string
	join      chan joinReq
	leave     chan leaveReq
	broadcast chan []byte
	snapshot  chan chan []string
	closing   chan string
	done      chan struct{}
}

func NewRoomHub(roomID string) *RoomHub {
	return &RoomHub{
		roomID:    roomID,
		members:   make(map[*Client]string),
		join:      make(chan joinReq),
		leave:     make(chan leaveReq),
		broadcast: make(chan []byte, 256),
		snapshot:  make(chan chan []string),
		closing:   make(chan string),
		done:      make(chan struct{}),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case req := <-rh.join:
			rh.members[req.c] = req.nickname
			parts := rh.participants()
			rh.deliver(req.c, protocol.MustEncode(protocol.RoomJoined, protocol.RoomJoinedPayload{
				RoomToken:        req.info.RoomToken,
				ParticipantCount: len(parts),
				Participants:     parts,
				ExpiresAt:        req.info.ExpiresAt,
				Messages:         req.info.Messages,
			}))
			rh.deliverOthers(req.c, protocol.MustEncode(protocol.UserJoined, protocol.PresencePayload{
				Nickname: req.nickname, ParticipantCount: len(parts), Participants: parts,
			}))
			close(req.done)
		case req := <-rh.leave:
			if nick, ok := rh.members[req.c]; ok {
				delete(rh.members, req.c)
				parts := rh.participants()
				rh.deliverOthers(req.c, protocol.MustEncode(protocol.UserLeft, protocol.PresencePayload{
					Nickname: nick, ParticipantCount: len(parts), Participants: parts,
				}))
			}
			close(req.done)
		case msg := <-rh.broadcast:
			for c := range rh.members {
				rh.deliver(c, msg)
			}
		case reply := <-rh.snapshot:
			reply <- rh.participants()
		case reason := <-rh.closing:
			msg := protocol.MustEncode(protocol.RoomClosed, protocol.RoomClosedPayload{Reason: reason})
			for c := range rh.members {
				rh.deliver(c, msg)
			}
			rh.members = nil
			close(rh.done)
			log.Debug().Str("room_id", rh.roomID).Str("reason", reason).Msg("room hub stopped")
			return
		}
	}
}

func (rh *RoomHub) participants() []string {
	names := make([]string, 0, len(rh.members))
	for _, n := range rh.members {
		names = append(names, n)
	}
	return dedupe(names)
}

func (rh *RoomHub) deliver(c *Client, msg []byte) { c.enqueue(msg) }

func (rh *RoomHub) deliverOthers(actor *Client, msg []byte) {
	for c := range rh.members {
		if c != actor {
			c.enqueue(msg)
		}
	}
}

// enter 把连接加入房间，等待 room_joined 入队后返回；房间已关闭时返回 false。
func (rh *RoomHub) enter(c *Client, nickname string, info *dispatch.JoinInfo) bool {
	req := joinReq{c: c, nickname: nickname, info: info, done: make(chan struct{})}
	select {
	case rh.join <- req:
	case <-rh.done:
		return false
	}
	<-req.done
	return true
}

// exit 把连接移出房间；不在房间内或房间已关闭时无副作用。
func (rh *RoomHub) exit(c *Client) {
	req := leaveReq{c: c, done: make(chan struct{})}
	select {
	case rh.leave <- req:
	case <-rh.done:
		return
	}
	<-req.done
}

// Broadcast 把一帧交给房间 goroutine 分发。
func (rh *RoomHub) Broadcast(msg []byte) {
	select {
	case rh.broadcast <- msg:
	case <-rh.done:
	}
}

// Participants 返回当前成员的去重昵称。
func (rh *RoomHub) Participants() []string {
	reply := make(chan []string, 1)
	select {
	case rh.snapshot <- reply:
	case <-rh.done:
		return []string{}
	}
	return <-reply
}

func (rh *RoomHub) shutdown(reason string) {
	select {
	case rh.closing <- reason:
	case <-rh.done:
	}
	<-rh.done
}
