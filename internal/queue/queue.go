package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCandidate is returned when a claim finds no queued player in range.
	ErrNoCandidate = errors.New("no candidate in range")
	// ErrNotQueued is returned when a targeted claim misses.
	ErrNotQueued = errors.New("player not queued")
)

// Queue is the rating-ordered matchmaking queue backed by a Redis sorted set.
// Membership means "waiting to be paired". All claim operations are single
// server-side scripts so concurrent workers cannot both remove the same player.
type Queue struct {
	redis     *redis.Client
	logger    zerolog.Logger
	key       string
	joinedTTL time.Duration
}

// Options configures queue key naming and join-clock expiry.
type Options struct {
	KeyPrefix string
	JoinedTTL time.Duration
}

// New creates a rating queue.
func New(rdb *redis.Client, logger zerolog.Logger, opts Options) *Queue {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "mm"
	}
	joinedTTL := opts.JoinedTTL
	if joinedTTL <= 0 {
		joinedTTL = 30 * time.Minute
	}
	return &Queue{
		redis:     rdb,
		logger:    logger.With().Str("component", "queue").Logger(),
		key:       prefix + ":queue",
		joinedTTL: joinedTTL,
	}
}

// Entry is one queued player.
type Entry struct {
	PlayerID string
	Rating   int
}

// Claimed is the result of a successful atomic claim.
type Claimed struct {
	PlayerID  string
	Rating    int
	MatchedAt time.Time
}

func (q *Queue) joinedKey(playerID string) string {
	return q.key + ":joined:" + playerID
}

// Enqueue inserts or updates the player's rating score and starts the
// join-time clock.
func (q *Queue) Enqueue(ctx context.Context, playerID string, rating int) error {
	if playerID == "" {
		return fmt.Errorf("enqueue: empty player id")
	}

	pipe := q.redis.TxPipeline()
	pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(rating), Member: playerID})
	pipe.Set(ctx, q.joinedKey(playerID), time.Now().UnixMilli(), q.joinedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Info().Str("player_id", playerID).Int("rating", rating).Msg("player enqueued")
	return nil
}

// Dequeue removes a player unconditionally (voluntary cancel or sweep).
func (q *Queue) Dequeue(ctx context.Context, playerID string) error {
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.key, playerID)
	pipe.Del(ctx, q.joinedKey(playerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	return nil
}

// Size returns current queue membership count.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.redis.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// Rating returns the queued rating for a player, or ErrNotQueued.
func (q *Queue) Rating(ctx context.Context, playerID string) (int, error) {
	score, err := q.redis.ZScore(ctx, q.key, playerID).Result()
	if err == redis.Nil {
		return 0, ErrNotQueued
	}
	if err != nil {
		return 0, fmt.Errorf("queue rating: %w", err)
	}
	return int(score), nil
}

// JoinedAt returns when the player entered the queue. The second return is
// false when the join clock has expired or never existed.
func (q *Queue) JoinedAt(ctx context.Context, playerID string) (time.Time, bool, error) {
	val, err := q.redis.Get(ctx, q.joinedKey(playerID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("joined at: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("joined at parse: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// Members returns all queued players ordered by rating ascending.
func (q *Queue) Members(ctx context.Context) ([]Entry, error) {
	zs, err := q.redis.ZRangeWithScores(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue members: %w", err)
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{PlayerID: id, Rating: int(z.Score)})
	}
	return entries, nil
}
