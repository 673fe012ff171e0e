package bots

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
	"github.com/codeduelhq/codeduel-platform/internal/matchmaker"
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

type fleetFixture struct {
	fleet        *Fleet
	queue        *queue.Queue
	reservations *reservation.Store
	engine       *match.Engine
	redis        *redis.Client
}

func setupFleet(t *testing.T) *fleetFixture {
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
	svc := matchmaker.NewService(q, resStore, tokens, catalog, engine, tracker, nil, nil, matchmaker.Options{}, logger)

	fleet := NewFleet(client, svc, q, engine, nil, Options{
		MaxDeployed:   2,
		CycleInterval: 10 * time.Millisecond,
		RatingWindow:  300,
	}, logger)
	return &fleetFixture{fleet: fleet, queue: q, reservations: resStore, engine: engine, redis: client}
}

func TestGenerateAndDeploy(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	require.NoError(t, f.fleet.Init(ctx))
	bots, err := f.fleet.Generate(ctx, 3)
	require.NoError(t, err)
	require.Len(t, bots, 3)

	deployed, err := f.fleet.Deploy(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, deployed, 2)

	status, err := f.fleet.FleetStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, status.Rotation, 1)
	assert.Len(t, status.Deployed, 2)
	assert.Empty(t, status.Active)
	assert.Equal(t, 3, status.TotalBots)
	assert.Equal(t, 2, status.MaxDeployed)
}

func TestDeployExhaustedRotation(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	_, err := f.fleet.Deploy(ctx, 1)
	assert.ErrorIs(t, err, ErrFleetExhausted)
}

func TestRetireReturnsBotToRotation(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	require.NoError(t, f.fleet.Add(ctx, Bot{ID: "bot-1", Rating: 1200}))
	_, err := f.fleet.Deploy(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.fleet.Retire(ctx, "bot-1"))

	status, err := f.fleet.FleetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bot-1"}, status.Rotation)
	assert.Empty(t, status.Deployed)

	assert.ErrorIs(t, f.fleet.Retire(ctx, "bot-1"), ErrBotNotFound)
}

func TestCycleBackfillsWaitingHuman(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "human", 1210))
	require.NoError(t, f.fleet.Add(ctx, Bot{ID: "bot-1", Rating: 1200}))
	_, err := f.fleet.Deploy(ctx, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.reservations.Get(ctx, "human")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	res, err := f.reservations.Get(ctx, "bot-1")
	require.NoError(t, err)

	matchID, err := f.redis.Get(ctx, matchPointerKey("bot-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, res.MatchID, matchID)

	active, err := f.redis.SIsMember(ctx, activeKey, "bot-1").Result()
	require.NoError(t, err)
	assert.True(t, active)

	// The human wins; the bot returns to idle on a later cycle.
	_, err = f.engine.ForceWin(ctx, matchID, "human")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		active, err := f.redis.SIsMember(ctx, activeKey, "bot-1").Result()
		return err == nil && !active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnPlayerQueuedDeploysExtraBot(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	require.NoError(t, f.fleet.Add(ctx, Bot{ID: "bot-1", Rating: 1200}))

	// Nothing deployed yet, so the demand signal pulls one from rotation.
	require.NoError(t, f.fleet.OnPlayerQueued(ctx, "human", 1250))

	deployed, err := f.redis.SIsMember(ctx, deployedKey, "bot-1").Result()
	require.NoError(t, err)
	assert.True(t, deployed)

	// Empty rotation is not an error; the player just keeps waiting.
	require.NoError(t, f.fleet.OnPlayerQueued(ctx, "human2", 1250))
}

func TestDeleteBotMidMatchForcesHumanWin(t *testing.T) {
	f := setupFleet(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, "human", 1210))
	require.NoError(t, f.fleet.Add(ctx, Bot{ID: "bot-1", Rating: 1200}))
	require.NoError(t, f.fleet.DeployBot(ctx, "bot-1"))

	require.Eventually(t, func() bool {
		_, err := f.reservations.Get(ctx, "human")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	matchID, err := f.redis.Get(ctx, matchPointerKey("bot-1")).Result()
	require.NoError(t, err)

	require.NoError(t, f.fleet.Delete(ctx, "bot-1"))

	rec, err := f.engine.Get(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, "human", rec.WinnerID)
	assert.Equal(t, match.EndReasonForced, rec.EndReason)
	assert.True(t, rec.Terminal())

	// Every trace of the bot is gone.
	exists, err := f.redis.HExists(ctx, ratingKey, "bot-1").Result()
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.redis.Get(ctx, matchPointerKey("bot-1")).Result()
	assert.ErrorIs(t, err, redis.Nil)

	_, err = f.reservations.Get(ctx, "bot-1")
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	assert.ErrorIs(t, f.fleet.Delete(ctx, "bot-1"), ErrBotNotFound)
}
