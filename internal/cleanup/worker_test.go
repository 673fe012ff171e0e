package cleanup

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

type stubJanitor struct {
	bots   map[string]bool
	purged int
}

func (s *stubJanitor) IsBot(ctx context.Context, id string) (bool, error) {
	return s.bots[id], nil
}

func (s *stubJanitor) PurgeOrphans(ctx context.Context) (int, error) {
	return s.purged, nil
}

type workerFixture struct {
	worker       *Worker
	queue        *queue.Queue
	reservations *reservation.Store
	presence     *presence.Tracker
	state        *match.StateManager
	engine       *match.Engine
	janitor      *stubJanitor
}

func setupWorker(t *testing.T, opts Options) *workerFixture {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zerolog.Nop()
	q := queue.New(client, logger, queue.Options{})
	resStore := reservation.NewStore(client, logger)
	tracker := presence.NewTracker(client)
	catalog := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{})
	state := match.NewStateManager(client, logger, time.Hour)
	engine := match.NewEngine(state, nopRunner{}, nil, catalog, resStore, nopArchive{}, tracker, nil, match.EngineOptions{}, logger)
	janitor := &stubJanitor{bots: map[string]bool{}}

	w := NewWorker(q, resStore, tracker, state, engine, janitor, nil, opts, logger)
	return &workerFixture{
		worker:       w,
		queue:        q,
		reservations: resStore,
		presence:     tracker,
		state:        state,
		engine:       engine,
		janitor:      janitor,
	}
}

func committedReservation(roomID string) reservation.Reservation {
	return reservation.Reservation{
		RoomID:  roomID,
		MatchID: "match-" + roomID,
		Status:  reservation.StatusCommitted,
	}
}

func TestSweepClearsOrphanedReservations(t *testing.T) {
	f := setupWorker(t, Options{})
	ctx := context.Background()

	// alice's room is tracked, bob's is gone, carol is still being paired.
	require.NoError(t, f.reservations.PutIfAbsent(ctx, "alice", committedReservation("room-a"), time.Hour))
	require.NoError(t, f.presence.Touch(ctx, "room-a", time.Hour))
	require.NoError(t, f.reservations.PutIfAbsent(ctx, "bob", committedReservation("room-b"), time.Hour))
	require.NoError(t, f.reservations.PutIfAbsent(ctx, "carol", reservation.Reservation{
		RoomID:  "room-c",
		MatchID: "match-c",
		Status:  reservation.StatusCreating,
	}, time.Hour))

	f.worker.SweepNow(ctx)

	_, err := f.reservations.Get(ctx, "alice")
	assert.NoError(t, err)

	_, err = f.reservations.Get(ctx, "bob")
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	_, err = f.reservations.Get(ctx, "carol")
	assert.NoError(t, err)
}

func TestSweepDequeuesStaleEntries(t *testing.T) {
	f := setupWorker(t, Options{QueueStaleAfter: 30 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "stale", 1200))
	require.NoError(t, f.queue.Enqueue(ctx, "reserved", 1300))
	require.NoError(t, f.queue.Enqueue(ctx, "bot-1", 1400))
	require.NoError(t, f.reservations.PutIfAbsent(ctx, "reserved", committedReservation("room-r"), time.Hour))
	f.janitor.bots["bot-1"] = true

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.queue.Enqueue(ctx, "fresh", 1250))

	f.worker.SweepNow(ctx)

	_, err := f.queue.Rating(ctx, "stale")
	assert.ErrorIs(t, err, queue.ErrNotQueued)

	for _, id := range []string{"reserved", "bot-1", "fresh"} {
		_, err := f.queue.Rating(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestSweepRepairsActiveSetDrift(t *testing.T) {
	f := setupWorker(t, Options{MatchOverdueAfter: time.Hour})
	ctx := context.Background()

	// Entry with no record at all.
	require.NoError(t, f.state.AddActive(ctx, "ghost-match"))

	// Terminal record still mirrored in the active set.
	prob, err := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{}).Get(ctx, "two-sum")
	require.NoError(t, err)
	rec, err := f.engine.Create(ctx, "",
		match.Participant{PlayerID: "alice", Rating: 1200},
		match.Participant{PlayerID: "bob", Rating: 1200},
		prob, "room-1", "duel-1")
	require.NoError(t, err)
	_, err = f.engine.ForceWin(ctx, rec.MatchID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.state.AddActive(ctx, rec.MatchID))

	f.worker.SweepNow(ctx)

	ids, err := f.state.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweepAbandonsOverdueMatches(t *testing.T) {
	f := setupWorker(t, Options{MatchOverdueAfter: 30 * time.Millisecond})
	ctx := context.Background()

	prob, err := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{}).Get(ctx, "two-sum")
	require.NoError(t, err)
	rec, err := f.engine.Create(ctx, "",
		match.Participant{PlayerID: "alice", Rating: 1200},
		match.Participant{PlayerID: "bob", Rating: 1200},
		prob, "room-1", "duel-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	f.worker.SweepNow(ctx)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, match.StatusAbandoned, got.Status)
	assert.Equal(t, match.EndReasonAbandoned, got.EndReason)
	assert.Empty(t, got.WinnerID)

	ids, err := f.state.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSweepPassesAreIsolated(t *testing.T) {
	f := setupWorker(t, Options{})
	ctx := context.Background()

	// A sweep over a completely empty system is a no-op, not an error.
	f.worker.SweepNow(ctx)

	// Bot pass still runs when others have nothing to do.
	f.janitor.purged = 2
	f.worker.SweepNow(ctx)
}
