package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/models"
)

func setupService(t *testing.T) (*Service, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)

	kvCfg := kv.DefaultConfig()
	kvCfg.Addr = mr.Addr()
	store, err := kv.NewRedis(context.Background(), kvCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	cfg.Secret = []byte("test-secret")
	cfg.TokenLifetime = time.Hour
	cfg.BcryptCost = 4 // keep tests fast

	svc, err := NewService(cfg, store)
	require.NoError(t, err)
	return svc, store
}

func testUser() *models.User {
	return &models.User{
		ID:         "user-1",
		Username:   "alice",
		Roles:      models.RoleList{models.RoleMentor, models.RoleMentee},
		ActiveRole: models.RoleMentor,
	}
}

func login(t *testing.T, svc *Service, user *models.User) string {
	t.Helper()
	token, _, err := svc.Issue(user)
	require.NoError(t, err)
	require.NoError(t, svc.LoginSession(context.Background(), user.ID, token, 0))
	return token
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	token := login(t, svc, user)

	claims, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{"mentor", "mentee"}, claims.Roles)
	assert.Equal(t, "mentor", claims.ActiveRole)
	assert.True(t, claims.HasRole(models.RoleMentee))
	assert.False(t, claims.IsAdmin())
}

func TestVerifyWithoutSessionMarkerIsRevoked(t *testing.T) {
	svc, _ := setupService(t)
	token, _, err := svc.Issue(testUser())
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevokeSessionInvalidatesToken(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	token := login(t, svc, user)

	_, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(context.Background(), user.ID))

	_, err = svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyExpiredToken(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	token := login(t, svc, user)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err := svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyTamperedToken(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	token := login(t, svc, user)

	// Flip a character in the signature segment.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err := svc.Verify(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyGarbageToken(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBannedUserFailsVerify(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	token := login(t, svc, user)

	require.NoError(t, svc.Ban(context.Background(), user.ID, time.Now().Add(time.Hour)))

	// Ban revokes the session, so re-login to isolate the ban check.
	require.NoError(t, svc.LoginSession(context.Background(), user.ID, token, 0))

	_, err := svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrBanned)

	banned, err := svc.IsBanned(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestBanInThePastRejected(t *testing.T) {
	svc, _ := setupService(t)
	err := svc.Ban(context.Background(), "user-1", time.Now().Add(-time.Minute))
	assert.Error(t, err)
}

func TestSwitchActiveRole(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()
	login(t, svc, user)

	token, _, err := svc.SwitchActiveRole(context.Background(), user, models.RoleMentee)
	require.NoError(t, err)

	claims, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "mentee", claims.ActiveRole)

	mirrored, err := svc.ActiveRole(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "mentee", mirrored)
}

func TestSwitchActiveRoleNotHeld(t *testing.T) {
	svc, _ := setupService(t)
	user := testUser()

	_, _, err := svc.SwitchActiveRole(context.Background(), user, models.RoleAdmin)
	assert.ErrorIs(t, err, ErrRoleNotHeld)
}

func TestPasswordHashAndCheck(t *testing.T) {
	svc, _ := setupService(t)

	hash, err := svc.HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.True(t, svc.CheckPassword(hash, "s3cret"))
	assert.False(t, svc.CheckPassword(hash, "wrong"))
}
