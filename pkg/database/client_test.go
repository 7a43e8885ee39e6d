package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mentormesh/core/pkg/models"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// Either way each test gets its own schema, dropped on cleanup.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	var connStr string
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	// Per-test schema so CI runs sharing one database stay isolated.
	schemaName := testSchemaName(t)
	admin, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = admin.Close()

	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("pgx", fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schemaName))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, RunMigrations(db, "test"))

	client := NewClientFromDB(db)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		_ = client.Close()
	})
	return client
}

func testSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	buf := make([]byte, 4)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(buf))
}

func seedUser(t *testing.T, client *Client, roles ...models.Role) *models.User {
	t.Helper()
	if len(roles) == 0 {
		roles = []models.Role{models.RoleMentee}
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	u := &models.User{
		ID:           id,
		Username:     fmt.Sprintf("user_%.8s", id),
		Email:        fmt.Sprintf("%.8s@example.com", id),
		PasswordHash: "x",
		Roles:        roles,
		ActiveRole:   roles[0],
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, client.Users.Create(context.Background(), u))
	return u
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestUserStore_CRUD(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	u := seedUser(t, client, models.RoleMentor, models.RoleMentee)

	got, err := client.Users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Username, got.Username)
	assert.Equal(t, models.RoleList{models.RoleMentor, models.RoleMentee}, got.Roles)
	assert.Equal(t, models.RoleMentor, got.ActiveRole)

	// Lookup works by username and by email.
	byName, err := client.Users.GetByLogin(ctx, u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)
	byEmail, err := client.Users.GetByLogin(ctx, u.Email)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	require.NoError(t, client.Users.UpdateActiveRole(ctx, u.ID, models.RoleMentee))
	got, err = client.Users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMentee, got.ActiveRole)

	until := time.Now().Add(time.Hour).UTC()
	require.NoError(t, client.Users.SetBannedUntil(ctx, u.ID, &until))
	got, err = client.Users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBanned(time.Now()))

	_, err = client.Users.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reusing the username trips the unique constraint.
	dup := *u
	dup.ID = uuid.NewString()
	dup.Email = "other@example.com"
	err = client.Users.Create(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMessageStore_HistoryPagination(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	alice := seedUser(t, client)
	bob := seedUser(t, client)
	carol := seedUser(t, client)

	base := time.Now().Add(-time.Hour).UTC()
	mkMsg := func(from, to string, i int) {
		m := &models.Message{
			ID:          uuid.NewString(),
			SenderID:    from,
			RecipientID: &to,
			Body:        fmt.Sprintf("msg %d", i),
			Kind:        models.MessageKindText,
			Moderation:  models.ModerationApproved,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, client.Messages.Create(ctx, m))
	}

	// Four messages between alice and bob, alternating direction, plus
	// one with carol that must not leak into the pair's history.
	mkMsg(alice.ID, bob.ID, 0)
	mkMsg(bob.ID, alice.ID, 1)
	mkMsg(alice.ID, bob.ID, 2)
	mkMsg(bob.ID, alice.ID, 3)
	mkMsg(alice.ID, carol.ID, 4)

	filter := models.HistoryFilter{PeerID: bob.ID}
	page1, hasMore, err := client.Messages.History(ctx, alice.ID, filter, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "msg 3", page1[0].Body)
	assert.Equal(t, "msg 2", page1[1].Body)

	cursor := page1[1].CreatedAt
	page2, hasMore, err := client.Messages.History(ctx, alice.ID, filter, 2, &cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "msg 1", page2[0].Body)
	assert.Equal(t, "msg 0", page2[1].Body)

	// Bob computes the same conversation from his side.
	bobPage, _, err := client.Messages.History(ctx, bob.ID, models.HistoryFilter{PeerID: alice.ID}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, bobPage, 4)

	// No filter: everything the user sent or received.
	all, _, err := client.Messages.History(ctx, alice.ID, models.HistoryFilter{}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMessageStore_EditAndDelete(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	alice := seedUser(t, client)
	bob := seedUser(t, client)

	m := &models.Message{
		ID:          uuid.NewString(),
		SenderID:    alice.ID,
		RecipientID: &bob.ID,
		Body:        "first draft",
		Kind:        models.MessageKindText,
		Moderation:  models.ModerationApproved,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, client.Messages.Create(ctx, m))

	editedAt := time.Now().UTC()
	require.NoError(t, client.Messages.MarkEdited(ctx, m.ID, "second draft", models.ModerationApproved, editedAt))
	got, err := client.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "second draft", got.Body)
	require.NotNil(t, got.EditedAt)

	require.NoError(t, client.Messages.MarkDeleted(ctx, m.ID))
	got, err = client.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Body)

	// Deleted messages cannot be edited again.
	err = client.Messages.MarkEdited(ctx, m.ID, "too late", models.ModerationApproved, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := client.Messages.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCallStore_Lifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	caller := seedUser(t, client, models.RoleMentor)
	callee := seedUser(t, client, models.RoleMentee)

	now := time.Now().UTC()
	call := &models.Call{
		ID:           uuid.NewString(),
		CallerID:     caller.ID,
		CalleeID:     callee.ID,
		Kind:         models.CallKindVideo,
		State:        models.CallInitiating,
		StartedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, client.Calls.Create(ctx, call))

	// Both sides see it as their active call.
	active, err := client.Calls.ActiveForUser(ctx, caller.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, active.ID)
	active, err = client.Calls.ActiveForUser(ctx, callee.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, active.ID)

	connectedAt := now.Add(2 * time.Second)
	call.State = models.CallConnected
	call.ConnectedAt = &connectedAt
	call.ScreenShareHolder = &caller.ID
	call.LastActivity = connectedAt
	require.NoError(t, client.Calls.Update(ctx, call))

	got, err := client.Calls.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallConnected, got.State)
	require.NotNil(t, got.ScreenShareHolder)
	assert.Equal(t, caller.ID, *got.ScreenShareHolder)

	p := &models.ParticipantState{UserID: caller.ID, JoinedAt: now, AudioEnabled: true, VideoEnabled: true}
	require.NoError(t, client.Calls.UpsertParticipant(ctx, call.ID, p))
	p.VideoEnabled = false
	require.NoError(t, client.Calls.UpsertParticipant(ctx, call.ID, p))

	parts, err := client.Calls.Participants(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.False(t, parts[0].VideoEnabled)

	// The idle sweep picks up calls whose activity predates the cutoff.
	stale, err := client.Calls.StaleActive(ctx, connectedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = client.Calls.StaleActive(ctx, connectedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	endedAt := connectedAt.Add(30 * time.Second)
	dur := int64(30)
	call.State = models.CallEnded
	call.EndReason = "hangup"
	call.EndedAt = &endedAt
	call.DurationSec = &dur
	require.NoError(t, client.Calls.Update(ctx, call))

	_, err = client.Calls.ActiveForUser(ctx, caller.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := client.Calls.ListForUser(ctx, caller.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	n, err := client.Calls.DeleteEndedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Participants cascade with the call row.
	parts, err = client.Calls.Participants(ctx, call.ID)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestSessionStore_BookingConflicts(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	mentor := seedUser(t, client, models.RoleMentor)
	mentee := seedUser(t, client, models.RoleMentee)

	slot := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	sess := &models.Session{
		ID:          uuid.NewString(),
		MentorID:    mentor.ID,
		MenteeID:    mentee.ID,
		ScheduledAt: slot,
		DurationMin: 60,
		Status:      models.SessionPending,
	}
	require.NoError(t, client.Sessions.Create(ctx, sess))

	// Overlapping window conflicts, back-to-back does not.
	conflict, err := client.Sessions.HasConflict(ctx, mentor.ID, slot.Add(30*time.Minute), 60)
	require.NoError(t, err)
	assert.True(t, conflict)
	conflict, err = client.Sessions.HasConflict(ctx, mentor.ID, slot.Add(60*time.Minute), 60)
	require.NoError(t, err)
	assert.False(t, conflict)

	ref := "charge_123"
	require.NoError(t, client.Sessions.UpdateStatus(ctx, sess.ID, models.SessionConfirmed, &ref))
	got, err := client.Sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConfirmed, got.Status)
	assert.Equal(t, ref, got.EscrowRef)

	// Cancelled bookings release the slot.
	require.NoError(t, client.Sessions.UpdateStatus(ctx, sess.ID, models.SessionCancelled, nil))
	conflict, err = client.Sessions.HasConflict(ctx, mentor.ID, slot, 60)
	require.NoError(t, err)
	assert.False(t, conflict)

	list, err := client.Sessions.ListForUser(ctx, mentee.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSagaStore_SaveAndResume(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	row := &SagaRow{
		ID:          uuid.NewString(),
		SagaType:    "session_booking",
		Status:      "started",
		CurrentStep: 0,
		Steps:       `[{"name":"reserve_slot","status":"pending"}]`,
		Context:     `{"session_id":"s1"}`,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, client.Sagas.Save(ctx, row))

	// Save is an upsert keyed by id.
	row.Status = "in_progress"
	row.CurrentStep = 1
	row.UpdatedAt = now.Add(time.Second)
	require.NoError(t, client.Sagas.Save(ctx, row))

	got, err := client.Sagas.GetByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.JSONEq(t, row.Context, got.Context)

	done := &SagaRow{
		ID:        uuid.NewString(),
		SagaType:  "session_booking",
		Status:    "completed",
		Steps:     `[]`,
		Context:   `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, client.Sagas.Save(ctx, done))

	// Only stuck non-terminal sagas are resumable.
	resumable, err := client.Sagas.ListResumable(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, row.ID, resumable[0].ID)

	resumable, err = client.Sagas.ListResumable(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, resumable)

	n, err := client.Sagas.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = client.Sagas.GetByID(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalyticsStore_InsertAndPrune(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Analytics.Insert(ctx, "message_sent", "u1", "m1", `{"room":"direct_a_b"}`))
	require.NoError(t, client.Analytics.Insert(ctx, "message_sent", "u2", "m2", ""))
	require.NoError(t, client.Analytics.Insert(ctx, "call_started", "u1", "c1", `{}`))

	n, err := client.Analytics.CountSince(ctx, "message_sent", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	deleted, err := client.Analytics.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_USER", "svc")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "mentormesh_test")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6432, cfg.Port)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "mentormesh_test", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)

	t.Setenv("DB_PORT", "not-a-number")
	_, err = LoadConfigFromEnv()
	assert.Error(t, err)
}
