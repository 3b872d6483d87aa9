package service

import (
	"errors"
	"fmt"
	"time"
)

// Kind 是错误分类，handler 据此映射到 HTTP 状态码或 socket error 事件。
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindExpired
	KindForbidden
	KindConflict
	KindRateLimited
	KindValidation
	KindUnauthorized
	KindUnavailable
)

// Error 携带对外暴露的错误码与提示信息。
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is 按错误码比较，使 errors.Is(err, ErrRoomFull) 对携带 RetryAfter 等字段的副本同样成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// 业务层通用错误。
var (
	ErrRoomNotFound       = newErr(KindNotFound, "ROOM_NOT_FOUND", "Room not found")
	ErrRoomExpired        = newErr(KindExpired, "ROOM_EXPIRED", "Room has expired")
	ErrRoomFull           = newErr(KindForbidden, "ROOM_FULL", "Room is full")
	ErrInvalidTTL         = newErr(KindValidation, "INVALID_TTL", "ttlHours is out of range")
	ErrInvalidRoomName    = newErr(KindValidation, "INVALID_ROOM_NAME", "Room name must be at most 64 characters")
	ErrMissingNickname    = newErr(KindValidation, "MISSING_NICKNAME", "Nickname is required")
	ErrInvalidNickname    = newErr(KindValidation, "INVALID_NICKNAME", "Nickname must be 2-20 characters of letters, digits, spaces, '.', '_' or '-'")
	ErrNicknameInUse      = newErr(KindConflict, "NICKNAME_IN_USE", "Nickname is already taken in this room")
	ErrInvalidSession     = newErr(KindUnauthorized, "INVALID_SESSION", "Invalid or expired session")
	ErrInvalidMessage     = newErr(KindValidation, "INVALID_MESSAGE", "Message content is required")
	ErrMessageTooLong     = newErr(KindValidation, "MESSAGE_TOO_LONG", "Message is too long")
	ErrInvalidMessageType = newErr(KindValidation, "INVALID_MESSAGE_TYPE", "Unknown message type")
	ErrMissingAttachment  = newErr(KindValidation, "MISSING_ATTACHMENT", "At least one attachment is required")
	ErrFileTooLarge       = newErr(KindValidation, "FILE_TOO_LARGE", "File exceeds the size limit")
	ErrMessageNotFound    = newErr(KindNotFound, "MESSAGE_NOT_FOUND", "Message not found")
	ErrForbidden          = newErr(KindForbidden, "FORBIDDEN", "You can only delete your own messages")
	ErrRateLimited        = newErr(KindRateLimited, "RATE_LIMIT_EXCEEDED", "Too many requests, slow down")
	ErrUnavailable        = newErr(KindUnavailable, "SERVICE_UNAVAILABLE", "Storage is unavailable, try again later")
)

// RateLimited 返回带 retryAfter 提示的限流错误。
func RateLimited(retryAfter time.Duration) *Error {
	e := *ErrRateLimited
	e.RetryAfter = retryAfter
	return &e
}

// unavailable 将持久化层故障（含超时）包装为 Unavailable，保留原始错误链用于日志。
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, &upstreamError{cause: err})
}

type upstreamError struct{ cause error }

func (u *upstreamError) Error() string { return ErrUnavailable.Error() + ": " + u.cause.Error() }

func (u *upstreamError) Unwrap() []error { return []error{ErrUnavailable, u.cause} }

// AsError 从错误链中取出 *Error；非业务错误返回 nil。
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
