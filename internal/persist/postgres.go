package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore implements Store on the match archive database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore creates a durable store backed by pgx.
func NewPostgresStore(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

const defaultRating = 1200

// PersistMatch writes the settled match and its rating changes in one
// transaction. Conflicting match ids are ignored so dispatcher retries stay
// idempotent.
func (s *PostgresStore) PersistMatch(ctx context.Context, archive MatchArchive) error {
	changes, err := json.Marshal(archive.RatingChanges)
	if err != nil {
		return fmt.Errorf("marshal rating changes: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO match_archive
			(match_id, problem_id, players, winner_id, status, end_reason,
			 started_at, ended_at, submissions, rating_changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (match_id) DO NOTHING`,
		archive.MatchID, archive.ProblemID, archive.Players, archive.WinnerID,
		archive.Status, archive.EndReason, archive.StartedAt, archive.EndedAt,
		archive.Submissions, changes,
	)
	if err != nil {
		return fmt.Errorf("insert match archive: %w", err)
	}

	for _, rc := range archive.RatingChanges {
		_, err = tx.Exec(ctx, `
			INSERT INTO user_ratings (player_id, rating, games)
			VALUES ($1, $2, 1)
			ON CONFLICT (player_id)
			DO UPDATE SET rating = $2, games = user_ratings.games + 1, updated_at = now()`,
			rc.PlayerID, rc.NewRating,
		)
		if err != nil {
			return fmt.Errorf("upsert rating: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadUserRating returns the player's current rating and game count, or the
// provisional default for unknown players.
func (s *PostgresStore) ReadUserRating(ctx context.Context, playerID string) (UserRating, error) {
	var ur UserRating
	err := s.pool.QueryRow(ctx,
		`SELECT rating, games FROM user_ratings WHERE player_id = $1`, playerID,
	).Scan(&ur.Rating, &ur.GamesPlayed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserRating{Rating: defaultRating}, nil
		}
		return UserRating{}, fmt.Errorf("read rating: %w", err)
	}
	return ur, nil
}

// IncrementUserStats bumps a player's aggregate counters.
func (s *PostgresStore) IncrementUserStats(ctx context.Context, playerID string, delta StatsDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_stats (player_id, wins, losses, draws)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id)
		DO UPDATE SET
			wins = user_stats.wins + $2,
			losses = user_stats.losses + $3,
			draws = user_stats.draws + $4`,
		playerID, delta.Wins, delta.Losses, delta.Draws,
	)
	if err != nil {
		return fmt.Errorf("increment stats: %w", err)
	}
	return nil
}
