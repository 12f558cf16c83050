// Package auth resolves bearer tokens into identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// TokenTypeAccess is the only token type accepted for connections.
const TokenTypeAccess = "access"

// Identity is the result of token resolution. The zero value is anonymous.
type Identity struct {
	User *model.User
}

// Anonymous is the identity of a connection without a valid token.
var Anonymous = Identity{}

// Authenticated reports whether the identity refers to a user.
func (i Identity) Authenticated() bool {
	return i.User != nil && i.User.ID != 0
}

// UserID returns the user's id, or 0 when anonymous.
func (i Identity) UserID() uint {
	if i.User == nil {
		return 0
	}
	return i.User.ID
}

// Username returns the user's name, or "" when anonymous.
func (i Identity) Username() string {
	if i.User == nil {
		return ""
	}
	return i.User.Username
}

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID    uint   `json:"user_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// subjectID returns the user id from user_id, falling back to sub.
func (c *Claims) subjectID() (uint, error) {
	if c.UserID != 0 {
		return c.UserID, nil
	}
	if c.Subject == "" {
		return 0, errors.New("token has no subject")
	}
	n, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid subject %q", c.Subject)
	}
	return uint(n), nil
}

// UserLookup loads user rows.
type UserLookup interface {
	GetUser(ctx context.Context, id uint) (*model.User, error)
}

// Resolver validates tokens and loads the referenced user.
type Resolver struct {
	secret []byte
	users  UserLookup
	log    *logger.Logger
}

// NewResolver creates a resolver for HS256 tokens signed with secret.
func NewResolver(secret string, users UserLookup, log *logger.Logger) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		users:  users,
		log:    log.Named("auth"),
	}
}

// Resolve returns the identity for token. Any failure yields Anonymous.
func (r *Resolver) Resolve(ctx context.Context, token string) Identity {
	token = strings.TrimSpace(token)
	if token == "" {
		return Anonymous
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		r.log.Debug("token rejected", zap.Error(err))
		return Anonymous
	}

	if claims.TokenType != "" && claims.TokenType != TokenTypeAccess {
		r.log.Debug("token rejected", zap.String("token_type", claims.TokenType))
		return Anonymous
	}

	userID, err := claims.subjectID()
	if err != nil {
		r.log.Debug("token rejected", zap.Error(err))
		return Anonymous
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		r.log.Debug("token user not found", zap.Uint("user_id", userID), zap.Error(err))
		return Anonymous
	}
	return Identity{User: user}
}

// IssueToken mints an access token for userID valid for ttl.
func IssueToken(secret string, userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    userID,
		TokenType: TokenTypeAccess,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}
