package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, zerolog.Nop()), s
}

func sampleReservation() Reservation {
	return Reservation{
		RoomID:    "room-1",
		RoomName:  "duel-abc",
		MatchID:   "match-1",
		ProblemID: "two-sum",
		Status:    StatusCreating,
	}
}

func TestPutIfAbsentBlocksDoubleBooking(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutIfAbsent(ctx, "p1", sampleReservation(), 30*time.Second))

	other := sampleReservation()
	other.MatchID = "match-2"
	err := store.PutIfAbsent(ctx, "p1", other, 30*time.Second)
	assert.ErrorIs(t, err, ErrAlreadyReserved)

	// The original reservation is untouched.
	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "match-1", got.MatchID)
}

func TestCommitExtendsAndMarks(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutIfAbsent(ctx, "p1", sampleReservation(), 30*time.Second))
	require.NoError(t, store.Commit(ctx, "p1", 45*time.Minute))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)

	ttl := mr.TTL("rsv:p1")
	assert.Greater(t, ttl, 30*time.Second)
}

func TestCommitMissingReservation(t *testing.T) {
	store, _ := setupStore(t)
	err := store.Commit(context.Background(), "ghost", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearThenGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutIfAbsent(ctx, "p1", sampleReservation(), 30*time.Second))
	require.NoError(t, store.Clear(ctx, "p1"))

	_, err := store.Get(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Clearing twice is harmless.
	require.NoError(t, store.Clear(ctx, "p1"))
}

func TestGetRejectsMalformedShape(t *testing.T) {
	store, mr := setupStore(t)
	mr.Set("rsv:p1", `{"status":"exploded"}`)

	_, err := store.Get(context.Background(), "p1")
	assert.Error(t, err)
}

func TestTokenConsumeIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	mgr := NewTokenManager(store, TokenConfig{Secret: []byte("test-secret"), TTL: time.Hour})

	res := sampleReservation()
	require.NoError(t, store.PutIfAbsent(ctx, "p1", res, time.Minute))

	token, err := mgr.Issue("p1", res)
	require.NoError(t, err)

	first, err := mgr.Consume(ctx, token)
	require.NoError(t, err)
	second, err := mgr.Consume(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "room-1", first.RoomID)
	assert.Equal(t, "match-1", first.MatchID)

	// Reservation still live after repeated consumption.
	_, err = store.Get(ctx, "p1")
	assert.NoError(t, err)
}

func TestTokenMismatchRejected(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	mgr := NewTokenManager(store, TokenConfig{Secret: []byte("test-secret"), TTL: time.Hour})

	res := sampleReservation()
	token, err := mgr.Issue("p1", res)
	require.NoError(t, err)

	// A different session now owns the player's reservation.
	replaced := res
	replaced.MatchID = "match-99"
	replaced.RoomID = "room-99"
	require.NoError(t, store.PutIfAbsent(ctx, "p1", replaced, time.Minute))

	_, err = mgr.Consume(ctx, token)
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestTokenBadSignature(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	mgr := NewTokenManager(store, TokenConfig{Secret: []byte("secret-a"), TTL: time.Hour})
	forger := NewTokenManager(store, TokenConfig{Secret: []byte("secret-b"), TTL: time.Hour})

	token, err := forger.Issue("p1", sampleReservation())
	require.NoError(t, err)

	_, err = mgr.Consume(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
