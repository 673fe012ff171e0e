package bots

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/matchmaker"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
)

// Run resumes matchmaking cycles for bots already in the deployed set (a
// restart must not strand them) and blocks until cancellation.
func (f *Fleet) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runCtx = ctx
	f.mu.Unlock()

	deployed, err := f.redis.SMembers(ctx, deployedKey).Result()
	if err != nil {
		return err
	}
	for _, botID := range deployed {
		f.startCycle(botID)
	}
	f.logger.Info().Int("deployed", len(deployed)).Msg("bot cycles resumed")

	<-ctx.Done()
	return ctx.Err()
}

func (f *Fleet) startCycle(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, running := f.cancels[botID]; running {
		return
	}
	base := f.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	f.cancels[botID] = cancel
	go f.runCycle(ctx, botID)
}

func (f *Fleet) stopCycle(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cancel, ok := f.cancels[botID]; ok {
		cancel()
		delete(f.cancels, botID)
	}
}

// runCycle is one bot's matchmaking loop: while deployed and idle, try to
// claim a waiting human near the bot's rating and pair with them; while
// bound to a match, wait for it to reach a terminal state.
func (f *Fleet) runCycle(ctx context.Context, botID string) {
	ticker := time.NewTicker(f.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := f.cycleOnce(ctx, botID); done {
				return
			}
		}
	}
}

// cycleOnce returns true when the cycle should stop (bot no longer deployed).
func (f *Fleet) cycleOnce(ctx context.Context, botID string) bool {
	deployed, err := f.redis.SIsMember(ctx, deployedKey, botID).Result()
	if err != nil {
		f.logger.Warn().Err(err).Str("bot_id", botID).Msg("deployed check failed")
		return false
	}
	if !deployed {
		return true
	}

	matchID, err := f.redis.Get(ctx, matchPointerKey(botID)).Result()
	if err != nil && err != redis.Nil {
		f.logger.Warn().Err(err).Str("bot_id", botID).Msg("match pointer read failed")
		return false
	}
	if matchID != "" {
		f.watchMatch(ctx, botID, matchID)
		return false
	}

	f.tryPair(ctx, botID)
	return false
}

// watchMatch demotes the bot once its match is terminal or gone.
func (f *Fleet) watchMatch(ctx context.Context, botID, matchID string) {
	rec, err := f.engine.Get(ctx, matchID)
	if errors.Is(err, match.ErrRecordNotFound) {
		f.demote(ctx, botID)
		return
	}
	if err != nil {
		f.logger.Warn().Err(err).Str("bot_id", botID).Str("match_id", matchID).Msg("match poll failed")
		return
	}
	if rec.Terminal() {
		f.demote(ctx, botID)
	}
}

// tryPair claims one waiting human within the bot's rating window and runs
// the pairing transaction with the bot as the non-requeue party.
func (f *Fleet) tryPair(ctx context.Context, botID string) {
	rating := f.rating(ctx, botID)

	human, err := f.queue.ClaimLowestInRange(ctx, rating-f.opts.RatingWindow, rating+f.opts.RatingWindow)
	if errors.Is(err, queue.ErrNoCandidate) {
		return
	}
	if err != nil {
		f.logger.Warn().Err(err).Str("bot_id", botID).Msg("bot queue claim failed")
		return
	}

	pairing, err := f.pairer.Pair(ctx,
		matchmaker.Candidate{PlayerID: botID, Rating: rating},
		matchmaker.Candidate{PlayerID: human.PlayerID, Rating: human.Rating, Requeue: true},
	)
	if err != nil {
		// The human went back to the queue; the bot simply stays idle.
		f.logger.Warn().Err(err).Str("bot_id", botID).Msg("bot pairing failed")
		return
	}

	pipe := f.redis.TxPipeline()
	pipe.SAdd(ctx, activeKey, botID)
	pipe.Set(ctx, matchPointerKey(botID), pairing.MatchID, f.opts.PointerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		f.logger.Error().Err(err).Str("bot_id", botID).Msg("bot match pointer write failed")
		return
	}

	f.logger.Info().
		Str("bot_id", botID).
		Str("player_id", human.PlayerID).
		Str("match_id", pairing.MatchID).
		Msg("bot matched with player")
}
