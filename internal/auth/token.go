// ABOUTME: HS256 bearer tokens the host presents when dialing the agent
// ABOUTME: Signer mints per-dial tokens; Verify extracts the session claims

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the aud claim every dial token carries.
const Audience = "coven-agent"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNoToken      = errors.New("missing bearer token")
)

// Claims identifies the session a socket belongs to.
type Claims struct {
	SessionID    string
	ConnectionID string
	ExpiresAt    time.Time
}

// Signer mints and checks dial tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer. A non-positive ttl defaults to one minute,
// which only needs to cover the websocket handshake.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Signer{secret: secret, ttl: ttl}
}

// Issue creates a token for one dial.
func (s *Signer) Issue(sessionID, connectionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sessionID,
		"cid": connectionID,
		"aud": Audience,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a token and returns its claims.
func (s *Signer) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithAudience(Audience), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	cid, _ := claims["cid"].(string)

	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}

	return Claims{SessionID: sub, ConnectionID: cid, ExpiresAt: expires}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Header returns request headers carrying token, or nil for an empty token.
func Header(token string) http.Header {
	if token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// VerifyRequest checks the bearer token on r.
func (s *Signer) VerifyRequest(r *http.Request) (Claims, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Claims{}, err
	}
	return s.Verify(token)
}
