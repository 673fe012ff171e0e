package match

import (
	"encoding/json"
	"fmt"
	"time"
)

// Match statuses. Transitions only move forward: ongoing -> finished or
// ongoing -> abandoned, never backward.
const (
	StatusOngoing   = "ongoing"
	StatusFinished  = "finished"
	StatusAbandoned = "abandoned"
)

// End reasons stamped at settlement.
const (
	EndReasonSubmission = "submission"
	EndReasonTimeout    = "timeout"
	EndReasonForced     = "forced"
	EndReasonAbandoned  = "abandoned"
)

// Non-winning submission reasons.
const (
	ReasonWrongAnswer      = "wrong_answer"
	ReasonComplexityFailed = "complexity_failed"
)

// Submission is one scored submit attempt. The list on a record is
// append-only, ordered by submission time.
type Submission struct {
	PlayerID    string    `json:"player_id"`
	Language    string    `json:"language"`
	Passed      bool      `json:"passed"`
	Winning     bool      `json:"winning"`
	Reason      string    `json:"reason,omitempty"`
	PassedCount int       `json:"passed_count"`
	TotalCount  int       `json:"total_count"`
	DurationMs  int64     `json:"duration_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RatingChange is one player's settled rating delta. Immutable after
// settlement.
type RatingChange struct {
	PlayerID  string `json:"player_id"`
	OldRating int    `json:"old_rating"`
	NewRating int    `json:"new_rating"`
	Delta     int    `json:"delta"`
}

// Record is the authoritative state of one live match, owned exclusively by
// the match engine while ongoing.
type Record struct {
	MatchID   string    `json:"match_id"`
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	ProblemID string    `json:"problem_id"`
	Players   [2]string `json:"players"`

	// Ratings and games played are captured at pairing time so settlement
	// never blocks on the durable store.
	Ratings     map[string]int `json:"ratings"`
	GamesPlayed map[string]int `json:"games_played"`

	PlayersCode  map[string]map[string]string `json:"players_code"` // player -> language -> source
	LinesWritten map[string]int               `json:"lines_written"`
	Submissions  []Submission                 `json:"submissions"`

	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	EndReason     string         `json:"end_reason,omitempty"`
	WinnerID      string         `json:"winner_id,omitempty"`
	RatingChanges []RatingChange `json:"rating_changes,omitempty"`
}

// Terminal reports whether the match has reached a terminal state.
func (r *Record) Terminal() bool {
	return r.Status == StatusFinished || r.Status == StatusAbandoned
}

// HasPlayer reports whether the given player participates in this match.
func (r *Record) HasPlayer(playerID string) bool {
	return r.Players[0] == playerID || r.Players[1] == playerID
}

// Opponent returns the other participant.
func (r *Record) Opponent(playerID string) string {
	if r.Players[0] == playerID {
		return r.Players[1]
	}
	return r.Players[0]
}

func marshalSubmissions(subs []Submission) ([]byte, error) {
	return json.Marshal(subs)
}

func (r *Record) validate() error {
	if r.MatchID == "" {
		return fmt.Errorf("record missing match id")
	}
	if r.Players[0] == "" || r.Players[1] == "" {
		return fmt.Errorf("record must have exactly two players")
	}
	switch r.Status {
	case StatusOngoing, StatusFinished, StatusAbandoned:
		return nil
	default:
		return fmt.Errorf("unknown match status %q", r.Status)
	}
}
