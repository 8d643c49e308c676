// Package auth issues and verifies the bearer tokens handed out at task
// creation. A token is bound to exactly one task id and expires after 24
// hours.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenLifetime = 24 * time.Hour

var (
	ErrTokenMalformed = errors.New("token is malformed or signed with the wrong key")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenMismatch  = errors.New("token is not valid for this task")
)

type claims struct {
	TaskID string `json:"task_id"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Issue creates a signed token granting access to the given task for the
// next 24 hours.
func (m *TokenManager) Issue(taskID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify checks the token's signature and expiry, then confirms it was
// issued for taskID. A token for a different task is an authorization
// failure, not a lookup miss.
func (m *TokenManager) Verify(tokenString, taskID string) error {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenMalformed
	}

	if c.TaskID != taskID {
		return ErrTokenMismatch
	}

	return nil
}
