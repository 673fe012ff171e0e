package persist

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher decouples settlement from durable-store latency. Settlement
// enqueues the archive and continues; a worker drains the channel with
// bounded retries. Persistence failures never block live play.
type Dispatcher struct {
	store      Store
	logger     zerolog.Logger
	tasks      chan MatchArchive
	maxRetries int
	backoff    time.Duration
	onRetry    func()
}

// DispatcherOptions configures queue depth and retry policy.
type DispatcherOptions struct {
	Buffer     int
	MaxRetries int
	Backoff    time.Duration
	OnRetry    func()
}

// NewDispatcher creates a settlement persistence dispatcher.
func NewDispatcher(store Store, logger zerolog.Logger, opts DispatcherOptions) *Dispatcher {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Dispatcher{
		store:      store,
		logger:     logger.With().Str("component", "persist_dispatcher").Logger(),
		tasks:      make(chan MatchArchive, buffer),
		maxRetries: maxRetries,
		backoff:    backoff,
		onRetry:    opts.OnRetry,
	}
}

// Enqueue hands off an archive without blocking. A full queue is logged and
// dropped: the cleanup worker and archive reconciliation catch stragglers.
func (d *Dispatcher) Enqueue(archive MatchArchive) {
	select {
	case d.tasks <- archive:
	default:
		d.logger.Error().Str("match_id", archive.MatchID).Msg("persist queue full, dropping archive")
	}
}

// Run drains the task queue until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case archive := <-d.tasks:
			d.persistWithRetry(ctx, archive)
		}
	}
}

func (d *Dispatcher) persistWithRetry(ctx context.Context, archive MatchArchive) {
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			if d.onRetry != nil {
				d.onRetry()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}

		if err := d.store.PersistMatch(ctx, archive); err != nil {
			d.logger.Warn().Err(err).
				Str("match_id", archive.MatchID).
				Int("attempt", attempt+1).
				Msg("persist match failed")
			continue
		}

		d.applyStats(ctx, archive)
		d.logger.Info().Str("match_id", archive.MatchID).Msg("match archived")
		return
	}
	d.logger.Error().Str("match_id", archive.MatchID).Msg("persist match abandoned after retries")
}

// applyStats rolls the settled outcome into per-player aggregates. Best
// effort: the archive row is already durable, so a failed increment is logged
// and skipped rather than retried.
func (d *Dispatcher) applyStats(ctx context.Context, archive MatchArchive) {
	for _, playerID := range archive.Players {
		delta := StatsDelta{}
		switch {
		case archive.WinnerID == "":
			delta.Draws = 1
		case archive.WinnerID == playerID:
			delta.Wins = 1
		default:
			delta.Losses = 1
		}
		for _, rc := range archive.RatingChanges {
			if rc.PlayerID == playerID {
				delta.RatingDelta = rc.Delta
			}
		}

		if err := d.store.IncrementUserStats(ctx, playerID, delta); err != nil {
			d.logger.Warn().Err(err).
				Str("match_id", archive.MatchID).
				Str("player_id", playerID).
				Msg("stats increment failed")
		}
	}
}
