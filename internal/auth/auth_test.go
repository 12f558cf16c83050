package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

const testSecret = "test-secret"

type fakeUsers map[uint]*model.User

func (f fakeUsers) GetUser(_ context.Context, id uint) (*model.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, errors.New("record not found")
}

func sign(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestResolve(t *testing.T) {
	users := fakeUsers{7: {ID: 7, Username: "alice"}}
	r := NewResolver(testSecret, users, logger.NewNop())
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	valid, err := IssueToken(testSecret, 7, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		wantUser uint
	}{
		{name: "valid access token", token: valid, wantUser: 7},
		{name: "empty", token: ""},
		{name: "whitespace", token: "   "},
		{name: "malformed", token: "not-a-jwt"},
		{
			name:  "wrong secret",
			token: sign(t, "other", &Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		},
		{
			name:  "expired",
			token: sign(t, testSecret, &Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: past}}),
		},
		{
			name:  "refresh token",
			token: sign(t, testSecret, &Claims{UserID: 7, TokenType: "refresh", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		},
		{
			name:  "unknown user",
			token: sign(t, testSecret, &Claims{UserID: 99, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		},
		{
			name:  "no subject",
			token: sign(t, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		},
		{
			name:     "subject fallback",
			token:    sign(t, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "7", ExpiresAt: future}}),
			wantUser: 7,
		},
		{
			name:  "non-numeric subject",
			token: sign(t, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := r.Resolve(context.Background(), tt.token)
			if tt.wantUser == 0 {
				assert.False(t, id.Authenticated())
				assert.Equal(t, Anonymous, id)
				return
			}
			require.True(t, id.Authenticated())
			assert.Equal(t, tt.wantUser, id.UserID())
			assert.Equal(t, "alice", id.Username())
		})
	}
}

func TestResolveRejectsNoneAlgorithm(t *testing.T) {
	r := NewResolver(testSecret, fakeUsers{7: {ID: 7}}, logger.NewNop())
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 7})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.False(t, r.Resolve(context.Background(), s).Authenticated())
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, BearerToken(tt.header))
		})
	}
}

func TestIdentityContext(t *testing.T) {
	assert.Equal(t, Anonymous, FromContext(context.Background()))

	id := Identity{User: &model.User{ID: 3, Username: "bob"}}
	ctx := WithIdentity(context.Background(), id)
	assert.Equal(t, uint(3), FromContext(ctx).UserID())
}
