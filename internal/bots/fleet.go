package bots

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/matchmaker"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
)

// Redis key layout. The fleet owns every bots:* key.
const (
	rotationKey = "bots:rotation" // FIFO list of idle, undeployed bots
	deployedKey = "bots:deployed" // set of bots running matchmaking cycles
	activeKey   = "bots:active"   // set of bots currently bound to a match
	configKey   = "bots:config"   // hash {max_deployed, total_bots}
	ratingKey   = "bots:rating"   // hash bot id -> rating
)

func matchPointerKey(botID string) string {
	return "bots:match:" + botID
}

var (
	// ErrBotNotFound is returned for operations on an unknown bot id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrFleetExhausted is returned when a deploy finds no idle bot.
	ErrFleetExhausted = errors.New("no idle bot in rotation")
	// ErrBotIdle is returned when a match operation targets a bot with no
	// live match.
	ErrBotIdle = errors.New("bot has no live match")
)

// Pairer runs the pairing transaction. Implemented by the matchmaker service.
type Pairer interface {
	Pair(ctx context.Context, a, b matchmaker.Candidate) (*matchmaker.Pairing, error)
}

// Bot is one fleet member.
type Bot struct {
	ID     string `json:"id"`
	Rating int    `json:"rating"`
}

// Options configures fleet behavior.
type Options struct {
	// MaxDeployed caps steady-state deployment. Demand-driven backfill may
	// exceed it temporarily.
	MaxDeployed int
	// CycleInterval is each deployed bot's matchmaking tick.
	CycleInterval time.Duration
	// RatingWindow bounds how far from its own rating a bot will claim.
	RatingWindow int
	// PointerTTL bounds the bot-to-match pointer lifetime; it must outlast
	// the maximum match duration.
	PointerTTL time.Duration
}

// Fleet manages the bot pool: rotation of idle bots, the deployed set running
// matchmaking cycles, and per-bot match pointers. All fleet state lives in
// Redis so restarts and concurrent instances see the same pool.
type Fleet struct {
	redis   *redis.Client
	pairer  Pairer
	queue   *queue.Queue
	engine  *match.Engine
	metrics *metrics.Service
	logger  zerolog.Logger
	opts    Options

	mu      sync.Mutex
	runCtx  context.Context
	cancels map[string]context.CancelFunc
}

// NewFleet creates the bot fleet manager. metrics may be nil.
func NewFleet(
	rdb *redis.Client,
	pairer Pairer,
	q *queue.Queue,
	engine *match.Engine,
	m *metrics.Service,
	opts Options,
	logger zerolog.Logger,
) *Fleet {
	if opts.MaxDeployed <= 0 {
		opts.MaxDeployed = 4
	}
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = 3 * time.Second
	}
	if opts.RatingWindow <= 0 {
		opts.RatingWindow = 300
	}
	if opts.PointerTTL <= 0 {
		opts.PointerTTL = engine.MaxDuration() + 15*time.Minute
	}
	return &Fleet{
		redis:   rdb,
		pairer:  pairer,
		queue:   q,
		engine:  engine,
		metrics: m,
		logger:  logger.With().Str("component", "bot_fleet").Logger(),
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Init writes config defaults without clobbering existing values.
func (f *Fleet) Init(ctx context.Context) error {
	pipe := f.redis.TxPipeline()
	pipe.HSetNX(ctx, configKey, "max_deployed", f.opts.MaxDeployed)
	pipe.HSetNX(ctx, configKey, "total_bots", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fleet init: %w", err)
	}
	return nil
}

// SetMaxDeployed updates the steady-state deployment cap.
func (f *Fleet) SetMaxDeployed(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("max deployed must be non-negative")
	}
	if err := f.redis.HSet(ctx, configKey, "max_deployed", n).Err(); err != nil {
		return fmt.Errorf("set max deployed: %w", err)
	}
	return nil
}

// Generate creates n new bots with ratings spread across the common ladder
// range and appends them to the rotation.
func (f *Fleet) Generate(ctx context.Context, n int) ([]Bot, error) {
	if n <= 0 {
		return nil, fmt.Errorf("generate: count must be positive")
	}
	bots := make([]Bot, n)
	for i := range bots {
		bots[i] = Bot{
			ID:     "bot-" + uuid.New().String()[:8],
			Rating: 900 + rand.Intn(700),
		}
	}
	if err := f.Add(ctx, bots...); err != nil {
		return nil, err
	}
	return bots, nil
}

// Add appends bots to the rotation.
func (f *Fleet) Add(ctx context.Context, bots ...Bot) error {
	if len(bots) == 0 {
		return nil
	}
	pipe := f.redis.TxPipeline()
	for _, b := range bots {
		pipe.RPush(ctx, rotationKey, b.ID)
		pipe.HSet(ctx, ratingKey, b.ID, b.Rating)
	}
	pipe.HIncrBy(ctx, configKey, "total_bots", int64(len(bots)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add bots: %w", err)
	}
	f.logger.Info().Int("count", len(bots)).Msg("bots added to rotation")
	return nil
}

// Deploy moves up to n bots from the rotation into the deployed set and
// starts their matchmaking cycles. Returns the deployed ids;
// ErrFleetExhausted when the rotation is empty.
func (f *Fleet) Deploy(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1
	}
	deployed := make([]string, 0, n)
	for i := 0; i < n; i++ {
		botID, err := f.redis.LPop(ctx, rotationKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return deployed, fmt.Errorf("deploy pop: %w", err)
		}
		if err := f.deployOne(ctx, botID); err != nil {
			return deployed, err
		}
		deployed = append(deployed, botID)
	}
	if len(deployed) == 0 {
		return nil, ErrFleetExhausted
	}
	return deployed, nil
}

// DeployBot deploys a specific bot from the rotation.
func (f *Fleet) DeployBot(ctx context.Context, botID string) error {
	removed, err := f.redis.LRem(ctx, rotationKey, 1, botID).Result()
	if err != nil {
		return fmt.Errorf("deploy bot: %w", err)
	}
	if removed == 0 {
		return ErrBotNotFound
	}
	return f.deployOne(ctx, botID)
}

func (f *Fleet) deployOne(ctx context.Context, botID string) error {
	if err := f.redis.SAdd(ctx, deployedKey, botID).Err(); err != nil {
		return fmt.Errorf("deploy add: %w", err)
	}
	f.startCycle(botID)
	f.updateDeployedGauge(ctx)
	f.logger.Info().Str("bot_id", botID).Msg("bot deployed")
	return nil
}

// Retire removes a bot from the deployed set and returns it to the rotation.
// A retired bot's live match keeps running; settlement and the cleanup worker
// reconcile its active-set membership afterwards.
func (f *Fleet) Retire(ctx context.Context, botID string) error {
	removed, err := f.redis.SRem(ctx, deployedKey, botID).Result()
	if err != nil {
		return fmt.Errorf("retire: %w", err)
	}
	if removed == 0 {
		return ErrBotNotFound
	}
	f.stopCycle(botID)

	if err := f.redis.RPush(ctx, rotationKey, botID).Err(); err != nil {
		return fmt.Errorf("retire requeue: %w", err)
	}
	f.updateDeployedGauge(ctx)
	f.logger.Info().Str("bot_id", botID).Msg("bot retired")
	return nil
}

// Delete removes a bot entirely. A live match is settled immediately with the
// human opponent as winner, then every trace of the bot is purged.
func (f *Fleet) Delete(ctx context.Context, botID string) error {
	known, err := f.redis.HExists(ctx, ratingKey, botID).Result()
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	if !known {
		return ErrBotNotFound
	}
	f.stopCycle(botID)

	matchID, err := f.redis.Get(ctx, matchPointerKey(botID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("delete bot pointer: %w", err)
	}
	if matchID != "" {
		if _, err := f.engine.ForceLoss(ctx, matchID, botID); err != nil &&
			!errors.Is(err, match.ErrRecordNotFound) && !errors.Is(err, match.ErrMatchEnded) {
			f.logger.Warn().Err(err).
				Str("bot_id", botID).
				Str("match_id", matchID).
				Msg("force loss on delete failed")
		}
	}

	pipe := f.redis.TxPipeline()
	pipe.SRem(ctx, deployedKey, botID)
	pipe.SRem(ctx, activeKey, botID)
	pipe.LRem(ctx, rotationKey, 0, botID)
	pipe.HDel(ctx, ratingKey, botID)
	pipe.Del(ctx, matchPointerKey(botID))
	pipe.HIncrBy(ctx, configKey, "total_bots", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete bot purge: %w", err)
	}

	f.updateDeployedGauge(ctx)
	f.logger.Info().Str("bot_id", botID).Msg("bot deleted")
	return nil
}

// OnPlayerQueued is the matchmaker's demand signal: a human just entered the
// queue. If every deployed bot is busy, one more is deployed from the
// rotation even beyond the steady-state cap.
func (f *Fleet) OnPlayerQueued(ctx context.Context, playerID string, rating int) error {
	idle, err := f.redis.SDiff(ctx, deployedKey, activeKey).Result()
	if err != nil {
		return fmt.Errorf("backfill check: %w", err)
	}
	if len(idle) > 0 {
		// An idle deployed bot will claim the player on its next cycle.
		return nil
	}

	if _, err := f.Deploy(ctx, 1); err != nil {
		if errors.Is(err, ErrFleetExhausted) {
			f.logger.Debug().Str("player_id", playerID).Msg("backfill exhausted, player keeps waiting")
			return nil
		}
		return err
	}
	f.logger.Info().Str("player_id", playerID).Msg("bot deployed for backfill")
	return nil
}

// ForceBotWin settles the bot's live match with the bot as winner.
func (f *Fleet) ForceBotWin(ctx context.Context, botID string) (*match.Record, error) {
	matchID, err := f.redis.Get(ctx, matchPointerKey(botID)).Result()
	if err == redis.Nil {
		return nil, ErrBotIdle
	}
	if err != nil {
		return nil, fmt.Errorf("force bot win: %w", err)
	}
	return f.engine.ForceWin(ctx, matchID, botID)
}

// Status is the reconciled fleet view.
type Status struct {
	Rotation    []string `json:"rotation"`
	Deployed    []string `json:"deployed"`
	Active      []string `json:"active"`
	MaxDeployed int      `json:"max_deployed"`
	TotalBots   int      `json:"total_bots"`
}

// FleetStatus reconciles active membership against live match records and
// returns the current pool state.
func (f *Fleet) FleetStatus(ctx context.Context) (*Status, error) {
	if err := f.Reconcile(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("fleet reconcile failed")
	}

	rotation, err := f.redis.LRange(ctx, rotationKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}
	deployed, err := f.redis.SMembers(ctx, deployedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}
	active, err := f.redis.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}
	cfg, err := f.redis.HGetAll(ctx, configKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fleet status: %w", err)
	}

	maxDeployed, _ := strconv.Atoi(cfg["max_deployed"])
	totalBots, _ := strconv.Atoi(cfg["total_bots"])
	return &Status{
		Rotation:    rotation,
		Deployed:    deployed,
		Active:      active,
		MaxDeployed: maxDeployed,
		TotalBots:   totalBots,
	}, nil
}

// Reconcile demotes active bots whose match is gone or terminal back to idle.
func (f *Fleet) Reconcile(ctx context.Context) error {
	active, err := f.redis.SMembers(ctx, activeKey).Result()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, botID := range active {
		matchID, err := f.redis.Get(ctx, matchPointerKey(botID)).Result()
		if err == redis.Nil {
			f.demote(ctx, botID)
			continue
		}
		if err != nil {
			continue
		}

		rec, err := f.engine.Get(ctx, matchID)
		if errors.Is(err, match.ErrRecordNotFound) || (err == nil && rec.Terminal()) {
			f.demote(ctx, botID)
		}
	}
	return nil
}

// demote returns an active bot to the idle-deployed state.
func (f *Fleet) demote(ctx context.Context, botID string) {
	pipe := f.redis.TxPipeline()
	pipe.SRem(ctx, activeKey, botID)
	pipe.Del(ctx, matchPointerKey(botID))
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Warn().Err(err).Str("bot_id", botID).Msg("bot demote failed")
		return
	}
	f.logger.Debug().Str("bot_id", botID).Msg("bot back to idle")
}

// IsBot reports whether the id belongs to the fleet.
func (f *Fleet) IsBot(ctx context.Context, id string) (bool, error) {
	ok, err := f.redis.HExists(ctx, ratingKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("bot lookup: %w", err)
	}
	return ok, nil
}

// PurgeOrphans deletes match pointers left behind by bots that are in neither
// the deployed nor the active set. Returns the number of repairs.
func (f *Fleet) PurgeOrphans(ctx context.Context) (int, error) {
	keys, err := f.redis.Keys(ctx, matchPointerKey("*")).Result()
	if err != nil {
		return 0, fmt.Errorf("purge orphans: %w", err)
	}

	repairs := 0
	prefix := matchPointerKey("")
	for _, key := range keys {
		botID := key[len(prefix):]
		deployed, err := f.redis.SIsMember(ctx, deployedKey, botID).Result()
		if err != nil {
			continue
		}
		active, err := f.redis.SIsMember(ctx, activeKey, botID).Result()
		if err != nil {
			continue
		}
		if deployed || active {
			continue
		}

		if err := f.redis.Del(ctx, key).Err(); err != nil {
			f.logger.Warn().Err(err).Str("bot_id", botID).Msg("orphan pointer delete failed")
			continue
		}
		repairs++
		f.logger.Info().Str("bot_id", botID).Msg("orphaned bot pointer removed")
	}
	return repairs, nil
}

func (f *Fleet) rating(ctx context.Context, botID string) int {
	val, err := f.redis.HGet(ctx, ratingKey, botID).Result()
	if err != nil {
		return 1200
	}
	rating, err := strconv.Atoi(val)
	if err != nil {
		return 1200
	}
	return rating
}

func (f *Fleet) updateDeployedGauge(ctx context.Context) {
	if f.metrics == nil {
		return
	}
	n, err := f.redis.SCard(ctx, deployedKey).Result()
	if err != nil {
		return
	}
	f.metrics.BotsDeployed.Set(float64(n))
}
