package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimLowestScript selects the single lowest-rating member within a window
// and removes it in the same script execution. No read/write gap exists for a
// concurrent caller to exploit.
var claimLowestScript = redis.NewScript(`
	local found = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2], 'WITHSCORES', 'LIMIT', 0, 1)
	if #found == 0 then
		return false
	end
	redis.call('ZREM', KEYS[1], found[1])
	redis.call('DEL', KEYS[1] .. ':joined:' .. found[1])
	return {found[1], found[2]}
`)

// claimPlayerScript tests membership and removes in one step, for claiming a
// specific known player.
var claimPlayerScript = redis.NewScript(`
	local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
	if not score then
		return false
	end
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('DEL', KEYS[1] .. ':joined:' .. ARGV[1])
	return score
`)

// ClaimLowestInRange atomically claims the lowest-rating queued player whose
// rating falls inside [min, max]. Returns ErrNoCandidate when the window is
// empty. Pass min <= 0 and max <= 0 for an unbounded window.
func (q *Queue) ClaimLowestInRange(ctx context.Context, min, max int) (*Claimed, error) {
	lo, hi := "-inf", "+inf"
	if min > 0 {
		lo = strconv.Itoa(min)
	}
	if max > 0 {
		hi = strconv.Itoa(max)
	}

	res, err := claimLowestScript.Run(ctx, q.redis, []string{q.key}, lo, hi).Result()
	if err == redis.Nil {
		return nil, ErrNoCandidate
	}
	if err != nil {
		return nil, fmt.Errorf("claim lowest: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, ErrNoCandidate
	}

	playerID, _ := vals[0].(string)
	scoreStr, _ := vals[1].(string)
	rating, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return nil, fmt.Errorf("claim lowest parse score: %w", err)
	}

	q.logger.Debug().Str("player_id", playerID).Int("rating", int(rating)).Msg("queue claim")
	return &Claimed{PlayerID: playerID, Rating: int(rating), MatchedAt: time.Now()}, nil
}

// ClaimPlayer atomically claims a specific queued player. Returns ErrNotQueued
// when the player is no longer in the queue (lost race, cancel).
func (q *Queue) ClaimPlayer(ctx context.Context, playerID string) (*Claimed, error) {
	res, err := claimPlayerScript.Run(ctx, q.redis, []string{q.key}, playerID).Result()
	if err == redis.Nil {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, fmt.Errorf("claim player: %w", err)
	}

	scoreStr, ok := res.(string)
	if !ok {
		return nil, ErrNotQueued
	}
	rating, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return nil, fmt.Errorf("claim player parse score: %w", err)
	}

	return &Claimed{PlayerID: playerID, Rating: int(rating), MatchedAt: time.Now()}, nil
}
