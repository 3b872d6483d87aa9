package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ghostrooms/internal/config"
	"ghostrooms/internal/dispatch"
	"ghostrooms/internal/protocol"
	"ghostrooms/internal/ratelimit"
	"ghostrooms/internal/repository"
	"ghostrooms/internal/service"
	"ghostrooms/internal/testkit"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type liveEnv struct {
	hub      *Hub
	rooms    *service.RoomService
	sessions *service.SessionService
	url      string
}

func newLiveEnv(t *testing.T) *liveEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := testkit.OpenDB(t)
	cfg := config.Config{
		RoomTTLHours: 24, RoomMaxTTLHours: 48, RoomMaxCapacity: 10,
		RateLimitMessagesPerMinute: 10, MaxMessageLength: 100, MaxFileSizeMB: 1,
		HistoryLimit: 50, SessionInactiveMinutes: 30,
	}
	roomRepo := repository.NewRoomRepository(gdb, time.Second)
	sessRepo := repository.NewSessionRepository(gdb, time.Second)
	rooms := service.NewRoomService(roomRepo, sessRepo, cfg, nil)
	sessions := service.NewSessionService(rooms, roomRepo, sessRepo, cfg, nil)
	messages := service.NewMessageService(repository.NewMessageRepository(gdb, time.Second), ratelimit.NewWindow(10, time.Minute), cfg, nil)

	hub := NewHub(dispatch.New(rooms, sessions, messages), Options{})
	r := gin.New()
	r.GET("/ws", Serve(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &liveEnv{hub: hub, rooms: rooms, sessions: sessions, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (e *liveEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	b, err := protocol.Encode(event, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) protocol.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		if f := read(t, conn); f.Event == event {
			return f
		}
	}
	t.Fatalf("event %s not received", event)
	return protocol.Frame{}
}

func TestServe_JoinSendLeave(t *testing.T) {
	e := newLiveEnv(t)
	ctx := context.Background()
	room, err := e.rooms.Create(ctx, service.CreateRoomInput{TTLHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := e.sessions.Join(ctx, room.Token, "Bob")
	if err != nil {
		t.Fatal(err)
	}
	ann, err := e.sessions.Join(ctx, room.Token, "Ann")
	if err != nil {
		t.Fatal(err)
	}

	cb := e.dial(t)
	send(t, cb, protocol.JoinRoom, protocol.JoinRoomPayload{RoomToken: room.Token, SessionToken: bob.SessionToken})
	f := read(t, cb)
	if f.Event != protocol.RoomJoined {
		t.Fatalf("got %s: %s", f.Event, f.Data)
	}

	ca := e.dial(t)
	send(t, ca, protocol.JoinRoom, protocol.JoinRoomPayload{RoomToken: room.Token, SessionToken: ann.SessionToken})
	readUntil(t, ca, protocol.RoomJoined)
	joined := presenceOf(t, readUntil(t, cb, protocol.UserJoined))
	if joined.Nickname != "Ann" || joined.ParticipantCount != 2 {
		t.Errorf("user_joined = %+v", joined)
	}

	send(t, cb, protocol.SendMessage, map[string]string{"type": "TEXT", "content": "hi"})
	for _, conn := range []*websocket.Conn{cb, ca} {
		var msg service.MessageDTO
		_ = json.Unmarshal(readUntil(t, conn, protocol.NewMessage).Data, &msg)
		if msg.Nickname != "Bob" || msg.Content == nil || *msg.Content != "hi" {
			t.Errorf("new_message = %+v", msg)
		}
	}

	send(t, cb, protocol.LeaveRoom, nil)
	readUntil(t, cb, protocol.RoomLeft)
	left := presenceOf(t, readUntil(t, ca, protocol.UserLeft))
	if left.Nickname != "Bob" || left.ParticipantCount != 1 {
		t.Errorf("user_left = %+v", left)
	}

	_ = ca.Close()
	deadline := time.Now().Add(2 * time.Second)
	info, err := e.rooms.Info(ctx, room.Token)
	if err != nil {
		t.Fatal(err)
	}
	for time.Now().Before(deadline) && info.ParticipantCount > 0 {
		time.Sleep(10 * time.Millisecond)
		info, _ = e.rooms.Info(ctx, room.Token)
	}
	if info.ParticipantCount != 0 {
		t.Errorf("participantCount after everyone left = %d", info.ParticipantCount)
	}
}

func TestServe_ErrorsGoOnlyToActor(t *testing.T) {
	e := newLiveEnv(t)
	conn := e.dial(t)

	send(t, conn, protocol.SendMessage, map[string]string{"type": "TEXT", "content": "hi"})
	f := read(t, conn)
	var p protocol.ErrorPayload
	_ = json.Unmarshal(f.Data, &p)
	if f.Event != protocol.Error || p.Code != "NOT_JOINED" {
		t.Errorf("got %s %+v", f.Event, p)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	f = read(t, conn)
	_ = json.Unmarshal(f.Data, &p)
	if p.Code != "INVALID_PAYLOAD" {
		t.Errorf("code = %q", p.Code)
	}
}

func TestServe_SetUsernameAnnouncesActiveUsers(t *testing.T) {
	e := newLiveEnv(t)
	a := e.dial(t)
	b := e.dial(t)
	send(t, b, protocol.Heartbeat, nil)
	if f := read(t, b); f.Event != protocol.HeartbeatAck {
		t.Fatalf("got %s", f.Event)
	}

	send(t, a, protocol.SetUsername, protocol.SetUsernamePayload{Username: "casper"})
	if f := read(t, a); f.Event != protocol.UsernameSet {
		t.Fatalf("got %s", f.Event)
	}
	var users protocol.ActiveUsersPayload
	_ = json.Unmarshal(readUntil(t, b, protocol.ActiveUsers).Data, &users)
	if len(users.Users) != 1 || users.Users[0] != "casper" {
		t.Errorf("active_users = %+v", users)
	}
}
