package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	roomTokenPrefix   = "ghost-"
	roomTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	roomTokenLen      = 8

	// 62^32 约 190 bit。
	sessionTokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	sessionTokenLen      = 32
)

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random token: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// newRoomToken 生成形如 ghost-k3x9q2ab 的房间 token，便于口头分享。
func newRoomToken() (string, error) {
	s, err := randomString(roomTokenAlphabet, roomTokenLen)
	if err != nil {
		return "", err
	}
	return roomTokenPrefix + s, nil
}

// newSessionToken 生成与昵称、房间无关的不透明会话凭证。
func newSessionToken() (string, error) {
	return randomString(sessionTokenAlphabet, sessionTokenLen)
}
