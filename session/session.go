// Package session carries the caller's bearer token to the order repository.
// A Session is read-only once attached to a request context.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"order-payment/utils"
)

// ErrNoSession is a precondition failure: there is no token to send.
// It is never retried.
var ErrNoSession = errors.New("no session")

const CookieName = "token"

type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Valid reports whether s can authorize a repository call.
func (s *Session) Valid() error {
	if s == nil || s.Token == "" {
		return ErrNoSession
	}
	return nil
}

type ctxKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (*Session, error) {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	if err := s.Valid(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromRequest reads the token from the Authorization header or the token
// cookie and validates it.
func FromRequest(r *http.Request, secret string) (*Session, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if c, err := r.Cookie(CookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, ErrNoSession
	}

	claims, err := utils.ParseToken(token, secret)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, UserID: claims.UserID, ExpiresAt: claims.ExpiresAt}, nil
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
