package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that does not authenticate.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// JWTAuthenticator verifies HMAC-signed JWTs. The user id comes from the
// "sub" claim, falling back to "user_id".
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates an authenticator for tokens signed with secret.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Authenticate verifies token and returns its user id.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if userID := claimString(claims["sub"]); userID != "" {
		return userID, nil
	}
	if userID := claimString(claims["user_id"]); userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
}

func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

// SignToken issues an HS256 token for userID valid for ttl.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
