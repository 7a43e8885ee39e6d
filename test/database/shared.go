package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/models"
)

// SeedUser inserts a user fixture with the given roles and returns it.
// Username and email are derived from the id so fixtures never collide
// within a test schema.
func SeedUser(t *testing.T, client *database.Client, roles ...models.Role) *models.User {
	t.Helper()
	if len(roles) == 0 {
		roles = models.RoleList{models.RoleMentee}
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	u := &models.User{
		ID:           id,
		Username:     fmt.Sprintf("user_%.8s", id),
		Email:        fmt.Sprintf("%.8s@example.com", id),
		PasswordHash: "x",
		Roles:        models.RoleList(roles),
		ActiveRole:   roles[0],
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, client.Users.Create(context.Background(), u))
	return u
}

// SeedDirectMessage inserts an approved direct message fixture.
func SeedDirectMessage(t *testing.T, client *database.Client, from, to, body string, at time.Time) *models.Message {
	t.Helper()
	m := &models.Message{
		ID:          uuid.NewString(),
		SenderID:    from,
		RecipientID: &to,
		Body:        body,
		Kind:        models.MessageKindText,
		Moderation:  models.ModerationApproved,
		CreatedAt:   at,
	}
	require.NoError(t, client.Messages.Create(context.Background(), m))
	return m
}
