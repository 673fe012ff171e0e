package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeduelhq/codeduel-platform/internal/judge"
	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/persist"
	"github.com/codeduelhq/codeduel-platform/internal/presence"
	"github.com/codeduelhq/codeduel-platform/internal/problem"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
	"github.com/codeduelhq/codeduel-platform/internal/reservation"
)

type nopRunner struct{}

func (nopRunner) RunTestCases(ctx context.Context, lang, source, signature string, cases []problem.TestCase) (*judge.Result, error) {
	return &judge.Result{AllPassed: true, PassedCount: len(cases), TotalCount: len(cases)}, nil
}

type nopArchive struct{}

func (nopArchive) Enqueue(archive persist.MatchArchive) {}

type recordingBackfill struct {
	queued      []string
	hadDeadline bool
}

func (r *recordingBackfill) OnPlayerQueued(ctx context.Context, playerID string, rating int) error {
	_, r.hadDeadline = ctx.Deadline()
	r.queued = append(r.queued, playerID)
	return nil
}

type fixture struct {
	service      *Service
	queue        *queue.Queue
	reservations *reservation.Store
	tokens       *reservation.TokenManager
	engine       *match.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zerolog.Nop()
	q := queue.New(client, logger, queue.Options{})
	resStore := reservation.NewStore(client, logger)
	tokens := reservation.NewTokenManager(resStore, reservation.TokenConfig{Secret: []byte("test-secret")})
	catalog := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{})
	tracker := presence.NewTracker(client)
	state := match.NewStateManager(client, logger, time.Hour)
	engine := match.NewEngine(state, nopRunner{}, nil, catalog, resStore, nopArchive{}, tracker, nil, match.EngineOptions{}, logger)

	svc := NewService(q, resStore, tokens, catalog, engine, tracker, nil, nil, Options{
		RatingWindow: 200,
		CreatingTTL:  10 * time.Second,
	}, logger)
	return &fixture{service: svc, queue: q, reservations: resStore, tokens: tokens, engine: engine}
}

func TestPairWaitingCreatesMatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "alice", 1200))
	require.NoError(t, f.queue.Enqueue(ctx, "bob", 1250))

	f.service.pairWaiting(ctx)

	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	resA, err := f.reservations.Get(ctx, "alice")
	require.NoError(t, err)
	resB, err := f.reservations.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, resA.MatchID, resB.MatchID)
	assert.Equal(t, reservation.StatusCommitted, resA.Status)
	assert.Equal(t, reservation.StatusCommitted, resB.Status)

	rec, err := f.engine.Get(ctx, resA.MatchID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusOngoing, rec.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rec.Players[:])
}

func TestPairWaitingRespectsRatingWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "novice", 900))
	require.NoError(t, f.queue.Enqueue(ctx, "expert", 2200))

	f.service.pairWaiting(ctx)

	// Nobody within 200 points of each other; both stay queued.
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	_, err = f.reservations.Get(ctx, "novice")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestPairIssuesConsumableTokens(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := Candidate{PlayerID: "alice", Rating: 1200, Requeue: true}
	b := Candidate{PlayerID: "bob", Rating: 1210, Requeue: true}

	pairing, err := f.service.Pair(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, pairing.Tokens, 2)

	details, err := f.tokens.Consume(ctx, pairing.Tokens["alice"])
	require.NoError(t, err)
	assert.Equal(t, "alice", details.PlayerID)
	assert.Equal(t, pairing.RoomID, details.RoomID)
	assert.Equal(t, pairing.MatchID, details.MatchID)

	// Consume is repeatable until teardown.
	again, err := f.tokens.Consume(ctx, pairing.Tokens["alice"])
	require.NoError(t, err)
	assert.Equal(t, details, again)
}

func TestPairLostRaceRestoresPartner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Alice already holds a reservation from another pairing path.
	require.NoError(t, f.reservations.PutIfAbsent(ctx, "alice", reservation.Reservation{
		RoomID:  "other-room",
		MatchID: "other-match",
		Status:  reservation.StatusCommitted,
	}, time.Minute))

	a := Candidate{PlayerID: "alice", Rating: 1200, Requeue: true}
	b := Candidate{PlayerID: "bob", Rating: 1210, Requeue: true}

	_, err := f.service.Pair(ctx, a, b)
	require.Error(t, err)

	// Bob goes back in the queue; alice's existing reservation is untouched.
	rating, err := f.queue.Rating(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1210, rating)

	_, err = f.queue.Rating(ctx, "alice")
	assert.ErrorIs(t, err, queue.ErrNotQueued)

	res, err := f.reservations.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "other-match", res.MatchID)
}

func TestEnqueueSignalsBackfill(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	backfill := &recordingBackfill{}
	f.service.SetBackfill(backfill)

	require.NoError(t, f.service.Enqueue(ctx, "alice", 1200))
	assert.Equal(t, []string{"alice"}, backfill.queued)
	// The signal runs under a deadline so a stuck fleet cannot stall enqueues.
	assert.True(t, backfill.hadDeadline)
}

func TestPairSafeWhileRunStarting(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.service.Run(ctx)
	}()

	// Pairing races the loop startup; bot cycles do exactly this in
	// production, so it must be safe under the race detector.
	pairs := [][2]Candidate{
		{{PlayerID: "alice", Rating: 1200, Requeue: true}, {PlayerID: "bot-1", Rating: 1210}},
		{{PlayerID: "carol", Rating: 1300, Requeue: true}, {PlayerID: "bot-2", Rating: 1310}},
		{{PlayerID: "erin", Rating: 1400, Requeue: true}, {PlayerID: "bot-3", Rating: 1410}},
	}
	for _, p := range pairs {
		_, err := f.service.Pair(ctx, p[0], p[1])
		require.NoError(t, err)
	}

	cancel()
	<-done
}

func TestUnwindPairingReleasesEverything(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := Candidate{PlayerID: "alice", Rating: 1200, Requeue: true}
	b := Candidate{PlayerID: "bot-1", Rating: 1210, Requeue: false}
	pairing, err := f.service.Pair(ctx, a, b)
	require.NoError(t, err)

	f.service.unwindPairing(ctx, pairing.MatchID, a, b)

	// No reservation survives, so neither player can be double-booked.
	_, err = f.reservations.Get(ctx, "alice")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	_, err = f.reservations.Get(ctx, "bot-1")
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	rec, err := f.engine.Get(ctx, pairing.MatchID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusAbandoned, rec.Status)

	// The human goes back in the queue; the bot returns to idle.
	rating, err := f.queue.Rating(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1200, rating)

	_, err = f.queue.Rating(ctx, "bot-1")
	assert.ErrorIs(t, err, queue.ErrNotQueued)
}

func TestPollLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _, err := f.service.Poll(ctx, "alice")
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	a := Candidate{PlayerID: "alice", Rating: 1200, Requeue: true}
	b := Candidate{PlayerID: "bob", Rating: 1210, Requeue: true}
	pairing, err := f.service.Pair(ctx, a, b)
	require.NoError(t, err)

	res, token, err := f.service.Poll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pairing.MatchID, res.MatchID)
	require.NotEmpty(t, token)

	details, err := f.tokens.Consume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, pairing.RoomID, details.RoomID)
}
