// Package auth verifies handshake credentials for both the HTTP layer and the
// realtime layer. The same extraction order, token format, and secret apply to
// both transports, so a login session that works over one works over the other.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Biren07/chat-application/internal/user"
	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie carrying the session token.
const CookieName = "jwt"

// DefaultTokenTTL matches the login session lifetime.
const DefaultTokenTTL = 7 * 24 * time.Hour

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUnknownUser  = errors.New("token references unknown user")
)

// Claims is the token body. The subject is carried in a userId claim.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenFromRequest extracts the credential from a request: the jwt cookie
// first, then an Authorization bearer header. Cookie wins when both present.
func TokenFromRequest(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return token, true
	}
	return "", false
}

// Sign mints a token for userID, valid for ttl.
func Sign(userID string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Authenticator validates credentials and resolves them to user profiles.
type Authenticator struct {
	secret []byte
	users  user.Directory
}

func New(secret string, users user.Directory) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// Verify checks the token's signature and expiry and returns the subject.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// Authenticate admits or rejects a connection attempt. On success the resolved
// profile is returned so the caller can attach it before any event handling.
func (a *Authenticator) Authenticate(r *http.Request) (*user.Profile, error) {
	tokenString, ok := TokenFromRequest(r)
	if !ok {
		return nil, ErrNoToken
	}

	userID, err := a.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	profile, err := a.users.FindByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	return profile, nil
}
