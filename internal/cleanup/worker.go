package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
	"github.com/codeduelhq/codeduel-platform/internal/presence"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
	"github.com/codeduelhq/codeduel-platform/internal/reservation"
)

// BotJanitor is the fleet's cleanup surface.
type BotJanitor interface {
	IsBot(ctx context.Context, id string) (bool, error)
	PurgeOrphans(ctx context.Context) (int, error)
}

// Options configures sweep cadence and drift thresholds.
type Options struct {
	// Interval between sweeps.
	Interval time.Duration
	// QueueStaleAfter is how long a queue entry may wait before it counts
	// as abandoned.
	QueueStaleAfter time.Duration
	// MatchOverdueAfter is max match duration plus a settle buffer; ongoing
	// records older than this are drift.
	MatchOverdueAfter time.Duration
}

// Worker reconciles coordination state that drifted out of its normal
// lifecycle: crashes between multi-key writes, expired TTLs, processes that
// died holding work. Every repair is idempotent and every pass is isolated,
// so a failing pass never blocks the others.
type Worker struct {
	queue        *queue.Queue
	reservations *reservation.Store
	presence     *presence.Tracker
	state        *match.StateManager
	engine       *match.Engine
	bots         BotJanitor
	metrics      *metrics.Service
	logger       zerolog.Logger
	opts         Options
}

// NewWorker creates the reconciliation worker. bots and metrics may be nil.
func NewWorker(
	q *queue.Queue,
	reservations *reservation.Store,
	tracker *presence.Tracker,
	state *match.StateManager,
	engine *match.Engine,
	bots BotJanitor,
	m *metrics.Service,
	opts Options,
	logger zerolog.Logger,
) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.QueueStaleAfter <= 0 {
		opts.QueueStaleAfter = 10 * time.Minute
	}
	if opts.MatchOverdueAfter <= 0 {
		opts.MatchOverdueAfter = engine.MaxDuration() + 2*time.Minute
	}
	return &Worker{
		queue:        q,
		reservations: reservations,
		presence:     tracker,
		state:        state,
		engine:       engine,
		bots:         bots,
		metrics:      m,
		logger:       logger.With().Str("component", "cleanup").Logger(),
		opts:         opts,
	}
}

// Run sweeps at a fixed interval until cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.opts.Interval).Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.SweepNow(ctx)
		}
	}
}

// SweepNow runs all four reconciliation passes once.
func (w *Worker) SweepNow(ctx context.Context) {
	if err := w.sweepReservations(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("reservation sweep failed")
	}
	if err := w.sweepQueue(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("queue sweep failed")
	}
	if err := w.sweepActive(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("active set sweep failed")
	}
	if err := w.sweepBots(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("bot state sweep failed")
	}
}

// sweepReservations deletes committed reservations whose room has vanished
// from presence tracking. Creating-state reservations expire on their own TTL
// and are left alone.
func (w *Worker) sweepReservations(ctx context.Context) error {
	playerIDs, err := w.reservations.PlayerIDs(ctx)
	if err != nil {
		return err
	}

	for _, playerID := range playerIDs {
		res, err := w.reservations.Get(ctx, playerID)
		if errors.Is(err, reservation.ErrNotFound) {
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Str("player_id", playerID).Msg("reservation read failed")
			continue
		}
		if res.Status != reservation.StatusCommitted {
			continue
		}

		exists, err := w.presence.RoomExists(ctx, res.RoomID)
		if err != nil || exists {
			continue
		}

		if err := w.reservations.Clear(ctx, playerID); err != nil {
			w.logger.Warn().Err(err).Str("player_id", playerID).Msg("orphan reservation clear failed")
			continue
		}
		w.repair("orphaned_reservation")
		w.logger.Info().
			Str("player_id", playerID).
			Str("room_id", res.RoomID).
			Msg("orphaned reservation removed")
	}
	return nil
}

// sweepQueue dequeues entries that have waited past the staleness threshold
// with no reservation and no bot identity.
func (w *Worker) sweepQueue(ctx context.Context) error {
	entries, err := w.queue.Members(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		joinedAt, ok, err := w.queue.JoinedAt(ctx, entry.PlayerID)
		if err != nil {
			continue
		}
		// A live join clock inside the threshold means the entry is fine.
		if ok && time.Since(joinedAt) < w.opts.QueueStaleAfter {
			continue
		}

		if _, err := w.reservations.Get(ctx, entry.PlayerID); err == nil {
			continue
		}
		if w.bots != nil {
			isBot, err := w.bots.IsBot(ctx, entry.PlayerID)
			if err != nil || isBot {
				continue
			}
		}

		if err := w.queue.Dequeue(ctx, entry.PlayerID); err != nil {
			w.logger.Warn().Err(err).Str("player_id", entry.PlayerID).Msg("stale dequeue failed")
			continue
		}
		w.repair("stale_queue_entry")
		w.logger.Info().Str("player_id", entry.PlayerID).Msg("stale queue entry removed")
	}
	return nil
}

// sweepActive repairs the active match set: entries with a missing or already
// terminal record are dropped, and ongoing records past the overdue threshold
// are settled as abandoned.
func (w *Worker) sweepActive(ctx context.Context) error {
	ids, err := w.state.ActiveIDs(ctx)
	if err != nil {
		return err
	}

	for _, matchID := range ids {
		rec, err := w.state.GetRecord(ctx, matchID)
		if errors.Is(err, match.ErrRecordNotFound) {
			if err := w.state.RemoveActive(ctx, matchID); err == nil {
				w.repair("active_drift")
				w.logger.Info().Str("match_id", matchID).Msg("active entry without record removed")
			}
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Str("match_id", matchID).Msg("record read failed")
			continue
		}

		if rec.Terminal() {
			if err := w.state.RemoveActive(ctx, matchID); err == nil {
				w.repair("active_drift")
				w.logger.Info().Str("match_id", matchID).Msg("terminal match removed from active set")
			}
			continue
		}

		if time.Since(rec.StartedAt) > w.opts.MatchOverdueAfter {
			if _, err := w.engine.Abandon(ctx, matchID); err != nil {
				w.logger.Warn().Err(err).Str("match_id", matchID).Msg("abandon failed")
				continue
			}
			w.repair("active_drift")
			w.logger.Info().Str("match_id", matchID).Msg("overdue match abandoned")
		}
	}
	return nil
}

// sweepBots delegates orphaned bot state to the fleet.
func (w *Worker) sweepBots(ctx context.Context) error {
	if w.bots == nil {
		return nil
	}
	repairs, err := w.bots.PurgeOrphans(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < repairs; i++ {
		w.repair("orphaned_bot_state")
	}
	return nil
}

func (w *Worker) repair(class string) {
	if w.metrics != nil {
		w.metrics.CleanupRepairs.WithLabelValues(class).Inc()
	}
}
