package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthRequestStoreCreateAndGet(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	requests := NewAuthRequestStore(db)
	expiresAt := time.Now().UTC().Add(10 * time.Minute)
	id, err := requests.Create(context.Background(), CreateAuthRequestInput{
		State:     "state-abc",
		ExpiresAt: expiresAt,
		RequestIP: "10.0.0.1",
		UserAgent: "test-agent",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := requests.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "state-abc", rec.State)
	require.Equal(t, AuthRequestStatusPending, rec.Status)
	require.Equal(t, "10.0.0.1", rec.RequestIP)
	require.Nil(t, rec.CompletedAt)
	require.WithinDuration(t, expiresAt, rec.ExpiresAt, time.Second)
}

func TestAuthRequestStoreGetUnknownID(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	requests := NewAuthRequestStore(db)
	_, err := requests.Get(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = requests.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuthRequestStoreStatusTransitions(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	requests := NewAuthRequestStore(db)
	id, err := requests.Create(context.Background(), CreateAuthRequestInput{
		State:     "state-xyz",
		ExpiresAt: time.Now().UTC().Add(10 * time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, requests.MarkCompleted(context.Background(), id))
	rec, err := requests.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, AuthRequestStatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)

	id, err = requests.Create(context.Background(), CreateAuthRequestInput{
		State:     "state-expired",
		ExpiresAt: time.Now().UTC().Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, requests.MarkExpired(context.Background(), id))
	rec, err = requests.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, AuthRequestStatusExpired, rec.Status)
}

func TestUserStoreUpsertIsIdempotent(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	users := NewUserStore(db)
	first, err := users.Upsert(context.Background(), "openclaw", "ash", "Ash")
	require.NoError(t, err)

	second, err := users.Upsert(context.Background(), "openclaw", "ash", "Ash")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	fetched, err := users.Get(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, "ash", fetched.Subject)
	require.Equal(t, "Ash", fetched.DisplayName)
}
