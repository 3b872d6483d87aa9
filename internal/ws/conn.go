package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ghostrooms/internal/dispatch"
	"ghostrooms/internal/metrics"
	"ghostrooms/internal/protocol"
	"ghostrooms/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	readLimit    = 64 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var errFlood = &service.Error{Kind: service.KindRateLimited, Code: "RATE_LIMIT_EXCEEDED", Message: "Too many events, slow down", RetryAfter: time.Second}

type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	kickOnce sync.Once
	limiter  *rate.Limiter

	// 以下字段只由 readPump 所在的 goroutine 读写。
	state dispatch.Conn
	room  *RoomHub
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: h.newLimiter(),
		state:   dispatch.Conn{ID: id, State: dispatch.Anonymous},
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := h.opts.AllowedOrigin
	return origin == "" || allowed == "" || allowed == "*" || origin == allowed
}

// Serve 将请求升级为 websocket 连接并阻塞直到连接结束。
func Serve(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := newClient(h, conn)
		h.register(client)
		log.Debug().Str("conn_id", client.id).Str("remote", c.ClientIP()).Msg("socket connected")

		go client.writePump()
		client.readPump()
	}
}

// enqueue 非阻塞地投递一帧；发送缓冲已满时断开该慢连接。
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("conn_id", c.id).Msg("send buffer full, dropping connection")
		c.kick()
	}
}

// kick 关闭底层连接，readPump 随即退出并走正常的断开流程。
func (c *Client) kick() {
	c.kickOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.apply(c.hub.disp.Disconnect(c.hub.ctx, c.state))
		c.finish()
		_ = c.conn.Close()
		log.Debug().Str("conn_id", c.id).Msg("socket disconnected")
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handle(data)
	}
}

// handle 解析一帧并交给分发器。
func (c *Client) handle(data []byte) {
	if !c.limiter.Allow() {
		metrics.RateLimitedTotal.WithLabelValues("socket").Inc()
		c.enqueue(dispatch.ErrorEffect(errFlood).Frame)
		return
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		c.enqueue(dispatch.ErrorEffect(dispatch.ErrInvalidPayload).Frame)
		return
	}
	c.apply(c.hub.disp.Dispatch(c.hub.ctx, c.state, f.Event, f.Data))
}

// apply 替换连接状态并按顺序执行分发结果中的效果。
func (c *Client) apply(res dispatch.Result) {
	prevName := c.state.Username
	c.state = res.Conn
	if c.state.Username != prevName {
		c.hub.setUsername(c, c.state.Username)
	}
	for _, eff := range res.Effects {
		switch eff.Kind {
		case dispatch.Reply:
			c.enqueue(eff.Frame)
		case dispatch.Broadcast:
			c.hub.Broadcast(eff.RoomID, eff.Frame)
		case dispatch.Enter:
			room := c.hub.GetRoom(eff.RoomID)
			if room == nil || !room.enter(c, eff.Nickname, eff.Join) {
				c.state = dispatch.Conn{ID: c.id, State: dispatch.Anonymous, Username: c.state.Username}
				c.enqueue(dispatch.ErrorEffect(service.ErrRoomExpired).Frame)
				continue
			}
			c.room = room
		case dispatch.Exit:
			if c.room != nil && c.room.roomID == eff.RoomID {
				c.room.exit(c)
				c.room = nil
			}
		case dispatch.ReplyActiveUsers:
			c.enqueue(c.hub.activeUsersFrame())
		case dispatch.AnnounceActiveUsers:
			c.hub.Announce(c.hub.activeUsersFrame())
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
