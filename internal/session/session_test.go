package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian-backend/config"
)

func newTestAuthority(t *testing.T) (*Authority, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	a, err := NewAuthority(rdb, config.SessionConfig{
		Secret:    "test-secret",
		TokenTTL:  7 * 24 * time.Hour,
		IdleTTL:   time.Hour,
		KeyPrefix: "guardian:session:",
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return a, mr
}

func TestAuthority_IssueAndValidate(t *testing.T) {
	a, mr := newTestAuthority(t)
	ctx := context.Background()

	token, err := a.Issue(ctx, 42, "web", Profile{Role: "member", Name: "Ana"})
	require.NoError(t, err)

	key := "guardian:session:42:web"
	stored, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, token, stored)
	assert.Equal(t, 7*24*time.Hour, mr.TTL(key))

	claims, err := a.Validate(ctx, token, "web")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.SubjectID)
	assert.Equal(t, "member", claims.Role)
	assert.Equal(t, "Ana", claims.Name)

	// Validation slides the stored expiry to the idle window.
	assert.Equal(t, time.Hour, mr.TTL(key))

	// Empty client kind trusts the token.
	_, err = a.Validate(ctx, token, "")
	assert.NoError(t, err)
}

func TestAuthority_ValidateRejects(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, a *Authority, mr *miniredis.Miniredis) (token, clientKind string)
	}{
		{
			name: "Garbage token",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				return "not-a-jwt", "web"
			},
		},
		{
			name: "Wrong signing key",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				claims := Claims{SubjectID: 42, ClientKind: "web", RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				}}
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
				require.NoError(t, err)
				return token, "web"
			},
		},
		{
			name: "Revoked session",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				token, err := a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				require.NoError(t, a.Revoke(context.Background(), 42, "web"))
				return token, "web"
			},
		},
		{
			name: "Superseded by a newer login",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				old, err := a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				a.now = func() time.Time { return time.Now().Add(time.Second) }
				_, err = a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				return old, "web"
			},
		},
		{
			name: "Idle session expired in the store",
			setup: func(t *testing.T, a *Authority, mr *miniredis.Miniredis) (string, string) {
				token, err := a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				_, err = a.Validate(context.Background(), token, "web")
				require.NoError(t, err)
				mr.FastForward(time.Hour + time.Second)
				return token, "web"
			},
		},
		{
			name: "Token expired",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				token, err := a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				a.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
				return token, "web"
			},
		},
		{
			name: "Other client kind",
			setup: func(t *testing.T, a *Authority, _ *miniredis.Miniredis) (string, string) {
				token, err := a.Issue(context.Background(), 42, "web", Profile{Role: "member"})
				require.NoError(t, err)
				return token, "mobile"
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, mr := newTestAuthority(t)
			token, kind := tc.setup(t, a, mr)

			claims, err := a.Validate(context.Background(), token, kind)
			assert.Nil(t, claims)
			assert.ErrorIs(t, err, ErrUnauthenticated)
			assert.NotErrorIs(t, err, ErrForbidden)
		})
	}
}

func TestAuthority_ClientKindsAreIndependent(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	web, err := a.Issue(ctx, 42, "web", Profile{Role: "member"})
	require.NoError(t, err)
	mobile, err := a.Issue(ctx, 42, "mobile", Profile{Role: "member"})
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, 42, "mobile"))

	_, err = a.Validate(ctx, web, "web")
	assert.NoError(t, err)
	_, err = a.Validate(ctx, mobile, "mobile")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthority_Authorize(t *testing.T) {
	a, _ := newTestAuthority(t)

	admin := &Claims{SubjectID: 1, Role: "admin"}
	member := &Claims{SubjectID: 2, Role: "member"}

	assert.NoError(t, a.Authorize(admin, "admin"))
	assert.NoError(t, a.Authorize(member))
	assert.NoError(t, a.Authorize(member, "admin", "member"))

	err := a.Authorize(member, "admin")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrUnauthenticated)

	assert.ErrorIs(t, a.Authorize(nil, "admin"), ErrUnauthenticated)
}

func TestNewAuthority_RequiresSecret(t *testing.T) {
	_, err := NewAuthority(nil, config.SessionConfig{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
