// Package auth implements bearer token issuance and verification
// coupled with server-side live-session markers. A token is valid iff
// its signature and validity window check out, the user's live-session
// marker still exists, and the user is not banned. Revocation deletes
// the marker, so logout and bans take effect without waiting for the
// token to expire.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/models"
)

var (
	// ErrMalformed is returned when the token cannot be parsed at all.
	ErrMalformed = errors.New("malformed token")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("bad token signature")

	// ErrExpired is returned when the token is outside its validity window.
	ErrExpired = errors.New("token expired")

	// ErrRevoked is returned when the live-session marker is gone.
	ErrRevoked = errors.New("session revoked")

	// ErrBanned is returned when the user is currently banned.
	ErrBanned = errors.New("user banned")

	// ErrRoleNotHeld is returned when switching to a role the user does not hold.
	ErrRoleNotHeld = errors.New("role not held")
)

// Claims are the verified contents of a bearer token.
type Claims struct {
	UserID     string   `json:"uid"`
	Username   string   `json:"username"`
	Roles      []string `json:"roles"`
	ActiveRole string   `json:"active_role,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role models.Role) bool {
	for _, r := range c.Roles {
		if r == string(role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool { return c.HasRole(models.RoleAdmin) }

// Config holds token service settings.
type Config struct {
	// Secret signs tokens (HS256). Must be non-empty.
	Secret []byte
	// Issuer is stamped into and required from every token.
	Issuer string
	// TokenLifetime bounds the validity window and the live-session TTL.
	TokenLifetime time.Duration
	// BcryptCost for password hashing; 0 means bcrypt.DefaultCost.
	BcryptCost int
}

// DefaultConfig returns production defaults; Secret still has to be set.
func DefaultConfig() Config {
	return Config{
		Issuer:        "mentormesh",
		TokenLifetime: 24 * time.Hour,
	}
}

// Service issues and verifies tokens and maintains the per-user
// live-session and ban markers in the shared store.
type Service struct {
	cfg    Config
	store  kv.Store
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates the identity service.
func NewService(cfg Config, store kv.Store) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 24 * time.Hour
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		logger: slog.Default().With("component", "auth"),
		now:    time.Now,
	}, nil
}

func sessionKey(userID string) string { return "session:" + userID }
func banKey(userID string) string     { return "user_ban:" + userID }
func roleKey(userID string) string    { return "active_role:" + userID }

// Issue produces a signed token over the user's identity and roles.
func (s *Service) Issue(user *models.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.TokenLifetime)

	claims := &Claims{
		UserID:     user.ID,
		Username:   user.Username,
		Roles:      user.Roles.Strings(),
		ActiveRole: string(user.ActiveRole),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature and validity window, then the
// live-session marker, then the ban marker.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.cfg.Secret, nil
	},
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if _, err := s.store.Get(ctx, sessionKey(claims.UserID)); err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("failed to check session marker: %w", err)
	}

	banned, err := s.isBanned(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, ErrBanned
	}

	return claims, nil
}

// LoginSession sets the live-session marker. The ttl normally equals
// the token lifetime; zero falls back to it.
func (s *Service) LoginSession(ctx context.Context, userID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.TokenLifetime
	}
	if err := s.store.Set(ctx, sessionKey(userID), tokenID(token), ttl); err != nil {
		return fmt.Errorf("failed to set session marker: %w", err)
	}
	return nil
}

// RevokeSession clears the live-session marker; outstanding tokens for
// the user fail Verify from this point on.
func (s *Service) RevokeSession(ctx context.Context, userID string) error {
	if err := s.store.Del(ctx, sessionKey(userID)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	s.logger.Info("Session revoked", "user_id", userID)
	return nil
}

// SwitchActiveRole re-issues the user's token with a new active role.
// The role must be one the user already holds.
func (s *Service) SwitchActiveRole(ctx context.Context, user *models.User, role models.Role) (string, time.Time, error) {
	if !user.Roles.Contains(role) {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrRoleNotHeld, role)
	}

	user.ActiveRole = role
	token, expiresAt, err := s.Issue(user)
	if err != nil {
		return "", time.Time{}, err
	}

	// The marker is refreshed to the new token's window, and the active
	// role is mirrored for gateway header stamping.
	if err := s.LoginSession(ctx, user.ID, token, 0); err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.Set(ctx, roleKey(user.ID), string(role), s.cfg.TokenLifetime); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store active role: %w", err)
	}

	s.logger.Info("Active role switched", "user_id", user.ID, "role", role)
	return token, expiresAt, nil
}

// ActiveRole returns the mirrored active role, or "" when unset.
func (s *Service) ActiveRole(ctx context.Context, userID string) (string, error) {
	role, err := s.store.Get(ctx, roleKey(userID))
	if errors.Is(err, kv.ErrNil) {
		return "", nil
	}
	return role, err
}

// Ban marks the user banned until the given instant and revokes their
// session so live tokens die immediately.
func (s *Service) Ban(ctx context.Context, userID string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("ban end %s is in the past", until.Format(time.RFC3339))
	}
	if err := s.store.Set(ctx, banKey(userID), until.Format(time.RFC3339), ttl); err != nil {
		return fmt.Errorf("failed to set ban marker: %w", err)
	}
	if err := s.RevokeSession(ctx, userID); err != nil {
		return err
	}
	s.logger.Warn("User banned", "user_id", userID, "until", until)
	return nil
}

// IsBanned reports whether the user has an active ban marker.
func (s *Service) IsBanned(ctx context.Context, userID string) (bool, error) {
	return s.isBanned(ctx, userID)
}

func (s *Service) isBanned(ctx context.Context, userID string) (bool, error) {
	_, err := s.store.Get(ctx, banKey(userID))
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ban marker: %w", err)
	}
	return true, nil
}

// tokenID extracts the jti without verification, for marker bookkeeping
// only. Falls back to a fresh id if the token will not parse.
func tokenID(tokenString string) string {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil || claims.ID == "" {
		return uuid.New().String()
	}
	return claims.ID
}
