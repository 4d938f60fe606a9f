// Package auth derives the connection identity from the session token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrMissingToken  = errors.New("token is required")
	ErrMissingUserID = errors.New("token carries no user id claim")
	ErrTokenExpired  = errors.New("token expired")
)

// userIDClaims are checked in order; backends disagree on the claim name.
var userIDClaims = []string{"userId", "user_id", "id", "sub"}

// Identity is who the connection is scoped to.
type Identity struct {
	UserID    string
	Token     string    // bearer token sent on the handshake and REST calls
	ExpiresAt time.Time // zero if the token has no exp claim
}

// Valid reports whether the identity can be announced to the server.
func (i Identity) Valid() bool {
	return i.UserID != ""
}

// Expired reports whether the token is past its exp claim at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Same reports whether two identities would produce the same server session.
func (i Identity) Same(o Identity) bool {
	return i.UserID == o.UserID && i.Token == o.Token
}

// Header returns the handshake headers for this identity.
func (i Identity) Header() http.Header {
	h := http.Header{}
	if i.Token != "" {
		h.Set("Authorization", "Bearer "+i.Token)
	}
	return h
}

// String keeps the token out of logs.
func (i Identity) String() string {
	return "user:" + i.UserID
}

// ParseIdentity recovers the user id and expiry from a session JWT.
// The signature is not verified: the client does not hold the key and the server
// verifies the token on every handshake.
func ParseIdentity(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id := Identity{Token: token}
	for _, name := range userIDClaims {
		if v, ok := claimString(claims[name]); ok {
			id.UserID = v
			break
		}
	}
	if id.UserID == "" {
		return Identity{}, ErrMissingUserID
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Identity{}, fmt.Errorf("parse token exp: %w", err)
	}
	if exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

// Resolve builds an identity from configuration. An explicit userID wins over the
// token's claims; a token that cannot be parsed is still usable when userID is set.
func Resolve(token, userID string, now time.Time) (Identity, error) {
	if userID != "" {
		id := Identity{UserID: userID, Token: strings.TrimSpace(token)}
		if parsed, err := ParseIdentity(token); err == nil {
			id.Token = parsed.Token
			id.ExpiresAt = parsed.ExpiresAt
		}
		if id.Expired(now) {
			return Identity{}, ErrTokenExpired
		}
		return id, nil
	}

	id, err := ParseIdentity(token)
	if err != nil {
		return Identity{}, err
	}
	if id.Expired(now) {
		return Identity{}, ErrTokenExpired
	}
	return id, nil
}

// LoadToken reads a bearer token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func claimString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
