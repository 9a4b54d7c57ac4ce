package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guardian-backend/config"
)

var (
	// ErrUnauthenticated covers every reason a token is not accepted.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned for a valid session lacking the required role.
	ErrForbidden = errors.New("forbidden")
)

// Profile is the identity carried inside a session token.
type Profile struct {
	Role  string
	Name  string
	Email string
}

// Claims is the signed payload of a session token.
type Claims struct {
	SubjectID  int64  `json:"id"`
	Role       string `json:"role"`
	ClientKind string `json:"device"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authority issues, validates and revokes sessions. A token is honored only
// while it verifies and is byte-equal to the one stored for its subject and
// client kind, so issuing a new session or revoking drops the old token.
type Authority struct {
	redis     redis.Cmdable
	secret    []byte
	tokenTTL  time.Duration
	idleTTL   time.Duration
	keyPrefix string
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewAuthority creates a new Authority.
func NewAuthority(rdb redis.Cmdable, cfg config.SessionConfig, logger *zap.SugaredLogger) (*Authority, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session secret must be set")
	}
	return &Authority{
		redis:     rdb,
		secret:    []byte(cfg.Secret),
		tokenTTL:  cfg.TokenTTL,
		idleTTL:   cfg.IdleTTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (a *Authority) key(subjectID int64, clientKind string) string {
	return a.keyPrefix + strconv.FormatInt(subjectID, 10) + ":" + clientKind
}

// Issue signs a token for subjectID on clientKind and stores it, replacing
// any session the subject had on that client kind.
func (a *Authority) Issue(ctx context.Context, subjectID int64, clientKind string, profile Profile) (string, error) {
	if clientKind == "" {
		return "", errors.New("client kind must be set")
	}

	now := a.now()
	claims := Claims{
		SubjectID:  subjectID,
		Role:       profile.Role,
		ClientKind: clientKind,
		Name:       profile.Name,
		Email:      profile.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subjectID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	if err := a.redis.Set(ctx, a.key(subjectID, clientKind), token, a.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	a.logger.Infow("Session issued", "subject", subjectID, "client", clientKind)
	return token, nil
}

// Validate verifies token and checks it is the live session for its
// subject. An empty clientKind trusts the kind named in the token. On
// success the stored session's expiry slides to the idle window.
func (a *Authority) Validate(ctx context.Context, token, clientKind string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if clientKind == "" {
		clientKind = claims.ClientKind
	}
	if clientKind != claims.ClientKind {
		return nil, fmt.Errorf("%w: token issued for another client kind", ErrUnauthenticated)
	}

	key := a.key(claims.SubjectID, clientKind)
	stored, err := a.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.logger.Errorw("Session lookup failed", "subject", claims.SubjectID, "error", err)
		}
		return nil, fmt.Errorf("%w: no live session", ErrUnauthenticated)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return nil, fmt.Errorf("%w: session superseded", ErrUnauthenticated)
	}

	if err := a.redis.Expire(ctx, key, a.idleTTL).Err(); err != nil {
		a.logger.Warnw("Failed to extend session", "subject", claims.SubjectID, "error", err)
	}
	return claims, nil
}

// Authorize checks that claims carry one of roles. No roles means any
// authenticated subject is allowed.
func (a *Authority) Authorize(claims *Claims, roles ...string) error {
	if claims == nil {
		return ErrUnauthenticated
	}
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if claims.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q not permitted", ErrForbidden, claims.Role)
}

// Revoke deletes the stored session so its token stops validating at once.
func (a *Authority) Revoke(ctx context.Context, subjectID int64, clientKind string) error {
	if err := a.redis.Del(ctx, a.key(subjectID, clientKind)).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	a.logger.Infow("Session revoked", "subject", subjectID, "client", clientKind)
	return nil
}

// Ping checks the session store.
func (a *Authority) Ping(ctx context.Context) error {
	return a.redis.Ping(ctx).Err()
}
