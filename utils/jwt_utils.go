package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// ParseToken validates an HS256 bearer token issued by the storefront API.
// The user id is read from "_id", falling back to the registered subject.
func ParseToken(tokenString, secret string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, _ := claims["_id"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}

	result := &TokenClaims{UserID: userID}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	return result, nil
}
