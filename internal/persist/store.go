package persist

import (
	"context"
	"time"
)

// MatchArchive is the settled-match document handed to durable storage. It is
// decoupled from the live record type so the archive schema can evolve
// independently of the hot path.
type MatchArchive struct {
	MatchID       string          `json:"match_id"`
	ProblemID     string          `json:"problem_id"`
	Players       []string        `json:"players"`
	WinnerID      string          `json:"winner_id,omitempty"`
	Status        string          `json:"status"`
	EndReason     string          `json:"end_reason"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
	Submissions   []byte          `json:"submissions"` // JSON list, stored verbatim
	RatingChanges []RatingChange  `json:"rating_changes"`
}

// RatingChange is the persisted form of one player's rating delta.
type RatingChange struct {
	PlayerID  string `json:"player_id"`
	OldRating int    `json:"old_rating"`
	NewRating int    `json:"new_rating"`
	Delta     int    `json:"delta"`
}

// StatsDelta increments a player's aggregate counters.
type StatsDelta struct {
	Wins        int
	Losses      int
	Draws       int
	RatingDelta int
}

// UserRating is a player's durable rating state, read at pairing time so the
// rating update curve can weight provisional players differently.
type UserRating struct {
	Rating      int
	GamesPlayed int
}

// Store is the durable persistence collaborator. The live critical path never
// blocks on it beyond a fire-and-continue handoff at settlement.
type Store interface {
	PersistMatch(ctx context.Context, archive MatchArchive) error
	ReadUserRating(ctx context.Context, playerID string) (UserRating, error)
	IncrementUserStats(ctx context.Context, playerID string, delta StatsDelta) error
}
