package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ghostrooms/internal/config"
	"ghostrooms/internal/models"
	"ghostrooms/internal/ratelimit"
	"ghostrooms/internal/repository"
	"ghostrooms/internal/testkit"
)

type fixture struct {
	clock    *testkit.Clock
	rooms    *RoomService
	sessions *SessionService
	messages *MessageService
	roomRepo *repository.RoomRepository
}

func testConfig() config.Config {
	return config.Config{
		RoomTTLHours:               24,
		RoomMaxTTLHours:            168,
		RoomMaxCapacity:            3,
		RateLimitMessagesPerMinute: 10,
		MaxMessageLength:           20,
		MaxFileSizeMB:              1,
		HistoryLimit:               50,
		SessionInactiveMinutes:     30,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testkit.OpenDB(t)
	cfg := testConfig()
	clock := testkit.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	roomRepo := repository.NewRoomRepository(gdb, time.Second)
	sessRepo := repository.NewSessionRepository(gdb, time.Second)
	msgRepo := repository.NewMessageRepository(gdb, time.Second)
	rooms := NewRoomService(roomRepo, sessRepo, cfg, clock.Now)
	return &fixture{
		clock:    clock,
		rooms:    rooms,
		sessions: NewSessionService(rooms, roomRepo, sessRepo, cfg, clock.Now),
		messages: NewMessageService(msgRepo, ratelimit.NewWindow(cfg.RateLimitMessagesPerMinute, time.Minute), cfg, clock.Now),
		roomRepo: roomRepo,
	}
}

func (f *fixture) createRoom(t *testing.T, in CreateRoomInput) *CreatedRoomDTO {
	t.Helper()
	room, err := f.rooms.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return room
}

func (f *fixture) join(t *testing.T, roomToken, nick string) Identity {
	t.Helper()
	ctx := context.Background()
	res, err := f.sessions.Join(ctx, roomToken, nick)
	if err != nil {
		t.Fatalf("Join(%q) error = %v", nick, err)
	}
	id, err := f.sessions.Validate(ctx, res.SessionToken)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return id
}

func text(s string) *string { return &s }

func (f *fixture) roomIDOf(t *testing.T, token string) string {
	t.Helper()
	room, err := f.roomRepo.FindByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("FindByToken(%q) error = %v", token, err)
	}
	return room.ID
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		room models.Room
		want bool
	}{
		{"active future", models.Room{IsActive: true, ExpiresAt: now.Add(time.Second)}, false},
		{"active at boundary", models.Room{IsActive: true, ExpiresAt: now}, true},
		{"active past", models.Room{IsActive: true, ExpiresAt: now.Add(-time.Second)}, true},
		{"inactive future", models.Room{IsActive: false, ExpiresAt: now.Add(time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(&tt.room, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoomService_Create(t *testing.T) {
	f := newFixture(t)

	room := f.createRoom(t, CreateRoomInput{Name: "  lobby  ", IsPublic: true})
	if !strings.HasPrefix(room.Token, "ghost-") || len(room.Token) != len("ghost-")+8 {
		t.Errorf("token = %q", room.Token)
	}
	if room.Name == nil || *room.Name != "lobby" {
		t.Errorf("name = %v", room.Name)
	}
	if want := f.clock.Now().Add(24 * time.Hour); !room.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", room.ExpiresAt, want)
	}

	for _, ttl := range []int{-1, 169} {
		if _, err := f.rooms.Create(context.Background(), CreateRoomInput{TTLHours: ttl}); !errors.Is(err, ErrInvalidTTL) {
			t.Errorf("Create(ttl=%d) error = %v, want ErrInvalidTTL", ttl, err)
		}
	}
	if _, err := f.rooms.Create(context.Background(), CreateRoomInput{Name: strings.Repeat("x", 65)}); !errors.Is(err, ErrInvalidRoomName) {
		t.Errorf("Create(long name) error = %v", err)
	}
}

func TestRoomService_Validate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.rooms.Validate(ctx, "ghost-nothere1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Validate(unknown) error = %v", err)
	}

	room := f.createRoom(t, CreateRoomInput{TTLHours: 1})
	for _, nick := range []string{"ann", "ben", "cat"} {
		f.join(t, room.Token, nick)
	}
	if _, err := f.rooms.Validate(ctx, room.Token); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Validate(full) error = %v, want ErrRoomFull", err)
	}
	if _, err := f.sessions.Join(ctx, room.Token, "dan"); !errors.Is(err, ErrRoomFull) {
		t.Errorf("Join(full) error = %v, want ErrRoomFull", err)
	}
}

func TestRoomService_ExpiryIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{TTLHours: 1, IsPublic: true})

	list, err := f.rooms.ListPublic(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPublic() = %v, %v", list, err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.rooms.Validate(ctx, room.Token); !errors.Is(err, ErrRoomExpired) {
		t.Fatalf("Validate(expired) error = %v", err)
	}
	stored, err := f.roomRepo.FindByToken(ctx, room.Token)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IsActive {
		t.Error("lazy expiry did not deactivate the room")
	}

	// rewinding the clock must not resurrect the room
	f.clock.Advance(-30 * time.Minute)
	if list, _ := f.rooms.ListPublic(ctx); len(list) != 0 {
		t.Errorf("ListPublic() after expiry = %+v", list)
	}
	if _, err := f.rooms.Info(ctx, room.Token); !errors.Is(err, ErrRoomExpired) {
		t.Errorf("Info() after expiry error = %v", err)
	}
}

func TestRoomService_ListPublicCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub := f.createRoom(t, CreateRoomInput{IsPublic: true, Name: "pub"})
	f.createRoom(t, CreateRoomInput{})
	f.join(t, pub.Token, "ann")
	f.join(t, pub.Token, "ben")

	list, err := f.rooms.ListPublic(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Token != pub.Token || list[0].ParticipantCount != 2 {
		t.Fatalf("ListPublic() = %+v", list)
	}
}

func TestRoomService_DeactivateCascadesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")

	if err := f.rooms.Deactivate(ctx, id.RoomID); err != nil {
		t.Fatal(err)
	}
	if err := f.rooms.Deactivate(ctx, id.RoomID); err != nil {
		t.Fatalf("second Deactivate() error = %v", err)
	}
	if _, err := f.sessions.Validate(ctx, id.SessionToken); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Validate() after deactivate error = %v, want ErrInvalidSession", err)
	}
}

func TestNormalizeNickname(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr error
	}{
		{"  Bob  ", "Bob", nil},
		{"a.b_c-d 9", "a.b_c-d 9", nil},
		{"", "", ErrMissingNickname},
		{"   ", "", ErrMissingNickname},
		{"x", "", ErrInvalidNickname},
		{strings.Repeat("y", 21), "", ErrInvalidNickname},
		{"bad!name", "", ErrInvalidNickname},
		{"<script>", "", ErrInvalidNickname},
	}
	for _, tt := range tests {
		got, err := NormalizeNickname(tt.raw)
		if !errors.Is(err, tt.wantErr) || (err == nil && got != tt.want) {
			t.Errorf("NormalizeNickname(%q) = %q, %v; want %q, %v", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestSessionService_NicknameUniqueCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	other := f.createRoom(t, CreateRoomInput{})

	f.join(t, room.Token, "Bob")
	if _, err := f.sessions.Join(ctx, room.Token, "bob"); !errors.Is(err, ErrNicknameInUse) {
		t.Fatalf("Join(bob) error = %v, want ErrNicknameInUse", err)
	}
	f.join(t, other.Token, "bob")
}

func TestSessionService_ConcurrentJoinSameNickname(t *testing.T) {
	f := newFixture(t)
	room := f.createRoom(t, CreateRoomInput{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.sessions.Join(context.Background(), room.Token, "Alice")
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNicknameInUse):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d; want 1 and 1", ok, conflicts)
	}
}

func TestSessionService_ConcurrentJoinsRespectCapacity(t *testing.T) {
	f := newFixture(t)
	room := f.createRoom(t, CreateRoomInput{})
	f.join(t, room.Token, "first")

	const joiners = 6
	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.sessions.Join(context.Background(), room.Token, fmt.Sprintf("guest%d", i))
		}(i)
	}
	wg.Wait()

	ok, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrRoomFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 || full != joiners-2 {
		t.Errorf("successes = %d, full = %d; want 2 and %d", ok, full, joiners-2)
	}
	if n, _ := f.roomRepo.CountSessions(context.Background(), f.roomIDOf(t, room.Token)); n != 3 {
		t.Errorf("sessions in room = %d, want capacity 3", n)
	}
}

func TestSessionService_Validate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sessions.Validate(ctx, "nope"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Validate(unknown) error = %v", err)
	}

	room := f.createRoom(t, CreateRoomInput{TTLHours: 1})
	id := f.join(t, room.Token, "ann")
	if id.RoomToken != room.Token || id.Nickname != "ann" || id.SessionID == "" {
		t.Errorf("identity = %+v", id)
	}

	if err := f.sessions.Remove(ctx, id.SessionToken); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.Remove(ctx, id.SessionToken); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
	if _, err := f.sessions.Validate(ctx, id.SessionToken); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Validate(removed) error = %v", err)
	}

	id = f.join(t, room.Token, "ben")
	f.clock.Advance(time.Hour)
	if _, err := f.sessions.Validate(ctx, id.SessionToken); !errors.Is(err, ErrRoomExpired) {
		t.Fatalf("Validate(expired room) error = %v", err)
	}
	if _, err := f.sessions.Validate(ctx, id.SessionToken); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("session survived room expiry: %v", err)
	}
}

func TestSessionService_PurgeInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	idle := f.join(t, room.Token, "idle")
	f.clock.Advance(20 * time.Minute)
	busy := f.join(t, room.Token, "busy")
	f.clock.Advance(11 * time.Minute)

	n, err := f.sessions.PurgeInactive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeInactive() = %d, %v", n, err)
	}
	if _, err := f.sessions.Validate(ctx, idle.SessionToken); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("idle session survived: %v", err)
	}
	if _, err := f.sessions.Validate(ctx, busy.SessionToken); err != nil {
		t.Errorf("busy session removed: %v", err)
	}
}

func TestValidateMessage(t *testing.T) {
	const maxLen, maxSize = 5, 100
	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"text ok", SendInput{Type: models.MessageText, Content: text("hi")}, nil},
		{"text empty", SendInput{Type: models.MessageText, Content: text("  ")}, ErrInvalidMessage},
		{"text nil", SendInput{Type: models.MessageText}, ErrInvalidMessage},
		{"text too long", SendInput{Type: models.MessageText, Content: text("123456")}, ErrMessageTooLong},
		{"sticker ok", SendInput{Type: models.MessageSticker, Content: text(":wave:")}, nil},
		{"sticker empty", SendInput{Type: models.MessageSticker}, ErrInvalidMessage},
		{"file no attachments", SendInput{Type: models.MessageFile}, ErrMissingAttachment},
		{"image too large", SendInput{Type: models.MessageImage, Attachments: []AttachmentInput{{FileSize: 101}}}, ErrFileTooLarge},
		{"image ok", SendInput{Type: models.MessageImage, Attachments: []AttachmentInput{{FileSize: 100}}}, nil},
		{"unknown type", SendInput{Type: "VIDEO", Content: text("x")}, ErrInvalidMessageType},
		{"empty type", SendInput{Content: text("x")}, ErrInvalidMessageType},
		{"type is case sensitive", SendInput{Type: "text", Content: text("x")}, ErrInvalidMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateMessage(tt.in, maxLen, maxSize); !errors.Is(err, tt.want) {
				t.Errorf("ValidateMessage() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessageService_RateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")

	for i := 0; i < 10; i++ {
		if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")}); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
		f.clock.Advance(time.Second)
	}
	_, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th send error = %v, want ErrRateLimited", err)
	}
	if e := AsError(err); e == nil || e.RetryAfter != 50*time.Second {
		t.Errorf("retryAfter = %+v, want 50s", e)
	}

	// the window opened at the first send resets exactly one minute later
	f.clock.Advance(50 * time.Second)
	if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("again")}); err != nil {
		t.Errorf("send after window reset: %v", err)
	}
}

func TestMessageService_FullQuotaAfterWindowReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")
	send := func() error {
		_, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")})
		return err
	}

	for i := 0; i < 10; i++ {
		if err := send(); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
		f.clock.Advance(time.Second)
	}
	// first window opened at T; the clock is now T+10s
	f.clock.Advance(50 * time.Second)

	for i := 0; i < 10; i++ {
		if err := send(); err != nil {
			t.Fatalf("send %d after reset: %v", i+1, err)
		}
		f.clock.Advance(time.Second)
	}
	err := send()
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th send of second window error = %v, want ErrRateLimited", err)
	}
	if e := AsError(err); e == nil || e.RetryAfter != 50*time.Second {
		t.Errorf("retryAfter = %+v, want 50s", e)
	}
}

func TestMessageService_RestoredQuotaReportsRemainingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")

	for i := 0; i < 10; i++ {
		if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")}); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Second)
	}
	// in-memory state lost at T+10s; the oldest message in the trailing minute is at T
	f.messages.limiter.Reset(id.SessionID)
	_, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")})
	if e := AsError(err); e == nil || e.Code != "RATE_LIMIT_EXCEEDED" || e.RetryAfter != 50*time.Second {
		t.Fatalf("send after state loss error = %v, want RATE_LIMIT_EXCEEDED with 50s", err)
	}
	f.clock.Advance(50 * time.Second)
	if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")}); err != nil {
		t.Errorf("send at rebuilt resetAt: %v", err)
	}
}

func TestMessageService_DurableQuotaSurvivesReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")

	for i := 0; i < 10; i++ {
		if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")}); err != nil {
			t.Fatal(err)
		}
	}
	f.clock.Advance(time.Second)
	f.messages.limiter.Reset(id.SessionID)
	if _, err := f.messages.Send(ctx, id, SendInput{Type: models.MessageText, Content: text("hi")}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("send after bucket reset error = %v, want ErrRateLimited", err)
	}
}

func TestMessageService_DeleteOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	a := f.join(t, room.Token, "ann")
	b := f.join(t, room.Token, "ben")

	first, err := f.messages.Send(ctx, a, SendInput{Type: models.MessageText, Content: text("one")})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	second, err := f.messages.Send(ctx, b, SendInput{Type: models.MessageText, Content: text("two")})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.messages.Delete(ctx, a, second.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Delete(other's) error = %v, want ErrForbidden", err)
	}
	if err := f.messages.Delete(ctx, a, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Delete(missing) error = %v", err)
	}
	if err := f.messages.Delete(ctx, a, first.ID); err != nil {
		t.Fatalf("Delete(own) error = %v", err)
	}

	hist, err := f.messages.History(ctx, a.RoomID, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != second.ID {
		t.Errorf("History() = %+v, want only %s", hist, second.ID)
	}
}

func TestMessageService_SendWithAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{})
	id := f.join(t, room.Token, "ann")

	msg, err := f.messages.Send(ctx, id, SendInput{
		Type:        models.MessageImage,
		Attachments: []AttachmentInput{{FileName: "cat.png", FileSize: 10, MimeType: "image/png", URL: "http://files/cat.png"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].ID == "" {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
	hist, _ := f.messages.History(ctx, id.RoomID, 10, nil)
	if len(hist) != 1 || len(hist[0].Attachments) != 1 || hist[0].Attachments[0].URL != "http://files/cat.png" {
		t.Errorf("History() = %+v", hist)
	}
}

func TestEndToEnd_CreateJoinSendHistoryLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.createRoom(t, CreateRoomInput{TTLHours: 1})

	bob := f.join(t, room.Token, "Bob")
	if _, err := f.sessions.Join(ctx, room.Token, "bob"); !errors.Is(err, ErrNicknameInUse) {
		t.Fatalf("Join(bob) error = %v, want NICKNAME_IN_USE", err)
	}
	if _, err := f.messages.Send(ctx, bob, SendInput{Type: models.MessageText, Content: text("hi")}); err != nil {
		t.Fatal(err)
	}
	hist, err := f.messages.History(ctx, bob.RoomID, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Nickname != "Bob" || *hist[0].Content != "hi" {
		t.Fatalf("History() = %+v", hist)
	}
	if err := f.sessions.Remove(ctx, bob.SessionToken); err != nil {
		t.Fatal(err)
	}
	info, err := f.rooms.Info(ctx, room.Token)
	if err != nil {
		t.Fatal(err)
	}
	if info.ParticipantCount != 0 {
		t.Errorf("participantCount = %d, want 0", info.ParticipantCount)
	}
}
