package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ghostrooms/internal/filestore"
	"ghostrooms/internal/protocol"
	"ghostrooms/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

var (
	errInvalidPayload = &service.Error{Kind: service.KindValidation, Code: "INVALID_PAYLOAD", Message: "Malformed request body"}
	errInvalidBefore  = &service.Error{Kind: service.KindValidation, Code: "INVALID_PAYLOAD", Message: "before must be an RFC3339 timestamp"}
	errMissingFile    = &service.Error{Kind: service.KindValidation, Code: "MISSING_ATTACHMENT", Message: "Form field 'file' is required"}
	errRoomMismatch   = &service.Error{Kind: service.KindForbidden, Code: "FORBIDDEN", Message: "Session does not belong to this room"}
	errInternal       = &service.Error{Kind: service.KindInternal, Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

// Announcer 向所有在线连接推送一帧，由实时传输层实现。
type Announcer interface {
	Announce(msg []byte)
}

// Handler 持有 REST 接口依赖的业务组件。
type Handler struct {
	rooms    *service.RoomService
	sessions *service.SessionService
	messages *service.MessageService
	files    *filestore.Client
	notify   Announcer
	ping     func(ctx context.Context) error
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		rooms:    d.Rooms,
		sessions: d.Sessions,
		messages: d.Messages,
		files:    d.Files,
		notify:   d.Notifier,
		ping:     d.Ping,
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func statusOf(k service.Kind) int {
	switch k {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindExpired:
		return http.StatusGone
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindConflict:
		return http.StatusConflict
	case service.KindRateLimited:
		return http.StatusTooManyRequests
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindUnauthorized:
		return http.StatusUnauthorized
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail 把业务错误映射为 HTTP 状态码与统一的错误包；未知错误按 500 处理且不外泄细节。
func fail(c *gin.Context, err error) {
	e := service.AsError(err)
	if e == nil {
		e = errInternal
	}
	status := statusOf(e.Kind)
	if status >= 500 {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := gin.H{"message": e.Message, "code": e.Code}
	if e.RetryAfter > 0 {
		body["retryAfter"] = int64((e.RetryAfter + time.Second - 1) / time.Second)
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": body})
}

// bindOptional 解析可选的 JSON 请求体，空请求体视为零值。
func bindOptional(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidPayload
	}
	return nil
}

func (h *Handler) Health(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("health check: database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		TTLHours int     `json:"ttlHours"`
		Name     *string `json:"name"`
		IsPublic bool    `json:"isPublic"`
	}
	if err := bindOptional(c, &req); err != nil {
		fail(c, err)
		return
	}
	in := service.CreateRoomInput{TTLHours: req.TTLHours, IsPublic: req.IsPublic}
	if req.Name != nil {
		in.Name = *req.Name
	}
	room, err := h.rooms.Create(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	if room.IsPublic {
		h.announcePublicRooms(c.Request.Context())
	}
	ok(c, http.StatusCreated, room)
}

func (h *Handler) announcePublicRooms(ctx context.Context) {
	if h.notify == nil {
		return
	}
	list, err := h.rooms.ListPublic(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list public rooms after create")
		return
	}
	h.notify.Announce(protocol.MustEncode(protocol.PublicRoomsUpdate, protocol.PublicRoomsPayload{Rooms: list}))
}

func (h *Handler) ListPublicRooms(c *gin.Context) {
	list, err := h.rooms.ListPublic(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"rooms": list})
}

func (h *Handler) RoomInfo(c *gin.Context) {
	info, err := h.rooms.Info(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (h *Handler) ValidateRoom(c *gin.Context) {
	if _, err := h.rooms.Validate(c.Request.Context(), c.Param("token")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"message": "Room is valid"})
}

func (h *Handler) JoinRoom(c *gin.Context) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if err := bindOptional(c, &req); err != nil {
		fail(c, err)
		return
	}
	res, err := h.sessions.Join(c.Request.Context(), c.Param("token"), req.Nickname)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, res)
}

// RequireSession 校验 Authorization: Bearer <sessionToken>，并把会话身份放入上下文。
func (h *Handler) RequireSession(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	id, err := h.sessions.Validate(c.Request.Context(), token)
	if err != nil {
		fail(c, err)
		return
	}
	c.Set(identityKey, id)
	c.Next()
}

func identity(c *gin.Context) service.Identity {
	id, _ := c.Get(identityKey)
	v, _ := id.(service.Identity)
	return v
}

func (h *Handler) History(c *gin.Context) {
	id := identity(c)
	if id.RoomToken != c.Param("roomToken") {
		fail(c, errRoomMismatch)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fail(c, errInvalidBefore)
			return
		}
		before = &t
	}
	msgs, err := h.messages.History(c.Request.Context(), id.RoomID, limit, before)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"messages": msgs})
}

// UploadFile 把 multipart 的 file 字段转存到文件服务，返回可用于 send_message 的附件。
func (h *Handler) UploadFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, errMissingFile)
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, errMissingFile)
		return
	}
	defer f.Close()

	att, err := h.files.Upload(c.Request.Context(), fh.Filename, fh.Header.Get("Content-Type"), fh.Size, f)
	switch {
	case errors.Is(err, filestore.ErrTooLarge):
		fail(c, service.ErrFileTooLarge)
		return
	case err != nil:
		log.Error().Err(err).Str("file", fh.Filename).Msg("upload to file server")
		fail(c, service.ErrUnavailable)
		return
	}
	log.Info().Str("session_id", identity(c).SessionID).Str("url", att.URL).Int64("size", att.FileSize).Msg("file uploaded")
	ok(c, http.StatusCreated, gin.H{"attachment": att, "messageType": filestore.MessageTypeFor(att.MimeType)})
}
