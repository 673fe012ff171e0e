package ws

import "encoding/json"

// MessageType constants for the duel room protocol.
const (
	// Client -> Server
	TypeUpdateCode     = "update_code"
	TypeTestSubmitCode = "test_submit_code"
	TypeSubmitCode     = "submit_code"
	TypeRequestState   = "request_state"

	// Server -> Client
	TypeOpponentCode     = "opponent_code"
	TypeTestResult       = "test_result"
	TypeSubmissionResult = "submission_result"
	TypeMatchState       = "match_state"
	TypeMatchEnd         = "match_end"
	TypeError            = "error"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// Client messages (incoming)

type UpdateCodePayload struct {
	MatchID  string `json:"match_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

type TestSubmitPayload struct {
	MatchID  string `json:"match_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

type SubmitCodePayload struct {
	MatchID  string `json:"match_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

type RequestStatePayload struct {
	MatchID string `json:"match_id"`
}

// Server messages (outgoing)

type OpponentCodePayload struct {
	PlayerID     string `json:"player_id"`
	Language     string `json:"language"`
	Code         string `json:"code"`
	LinesWritten int    `json:"lines_written"`
}

type TestResultPayload struct {
	AllPassed   bool         `json:"all_passed"`
	PassedCount int          `json:"passed_count"`
	TotalCount  int          `json:"total_count"`
	Cases       []CaseResult `json:"cases"`
	DurationMs  int64        `json:"duration_ms"`
}

// CaseResult mirrors one per-case judging outcome.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Output   string `json:"output,omitempty"`
	Expected string `json:"expected,omitempty"`
	Error    string `json:"error,omitempty"`
}

type SubmissionResultPayload struct {
	PlayerID    string `json:"player_id"`
	Passed      bool   `json:"passed"`
	Reason      string `json:"reason,omitempty"`
	PassedCount int    `json:"passed_count"`
	TotalCount  int    `json:"total_count"`
	Winning     bool   `json:"winning"`
}

type MatchEndPayload struct {
	MatchID       string         `json:"match_id"`
	WinnerID      string         `json:"winner_id,omitempty"`
	EndReason     string         `json:"end_reason"`
	RatingChanges []RatingChange `json:"rating_changes"`
}

// RatingChange is the wire form of a settled rating delta.
type RatingChange struct {
	PlayerID  string `json:"player_id"`
	OldRating int    `json:"old_rating"`
	NewRating int    `json:"new_rating"`
	Delta     int    `json:"delta"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
