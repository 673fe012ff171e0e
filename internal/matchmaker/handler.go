package matchmaker

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/reservation"
	httperrors "github.com/codeduelhq/codeduel-platform/pkg/http/errors"
)

// Handler exposes the matchmaking HTTP surface.
type Handler struct {
	service *Service
	tokens  *reservation.TokenManager
	logger  zerolog.Logger
}

// NewHandler creates the matchmaking HTTP handler.
func NewHandler(service *Service, tokens *reservation.TokenManager, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		tokens:  tokens,
		logger:  logger.With().Str("component", "matchmaker_handler").Logger(),
	}
}

type enqueueRequest struct {
	PlayerID string `json:"player_id"`
	Rating   int    `json:"rating,omitempty"`
}

type searchingResponse struct {
	Status string `json:"status"`
}

// HandleEnqueue puts a player into the queue. The response is always
// "searching": pairing is asynchronous and clients poll their reservation.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if req.PlayerID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "player_id is required", "player_id")
		return
	}

	if err := h.service.Enqueue(r.Context(), req.PlayerID, req.Rating); err != nil {
		h.logger.Error().Err(err).Str("player_id", req.PlayerID).Msg("enqueue failed")
		httperrors.RespondInternalError(w, "Failed to join queue")
		return
	}

	respondJSON(w, http.StatusAccepted, searchingResponse{Status: "searching"})
}

// HandleCancel removes a player from the queue.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerID")
	if playerID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "player id is required", "playerID")
		return
	}

	if err := h.service.Cancel(r.Context(), playerID); err != nil {
		h.logger.Error().Err(err).Str("player_id", playerID).Msg("queue cancel failed")
		httperrors.RespondInternalError(w, "Failed to leave queue")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleQueueSize reports the number of waiting players.
func (h *Handler) HandleQueueSize(w http.ResponseWriter, r *http.Request) {
	size, err := h.service.QueueSize(r.Context())
	if err != nil {
		httperrors.RespondInternalError(w, "Failed to read queue size")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"size": size})
}

type pollResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	RoomName  string `json:"room_name,omitempty"`
	MatchID   string `json:"match_id,omitempty"`
	ProblemID string `json:"problem_id,omitempty"`
}

// HandlePoll returns the player's pairing state. A committed reservation
// yields room details plus a fresh signed token; anything else is still
// searching.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerID")
	if playerID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "player id is required", "playerID")
		return
	}

	res, token, err := h.service.Poll(r.Context(), playerID)
	if errors.Is(err, reservation.ErrNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeStillSearching, "No match yet")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("player_id", playerID).Msg("reservation poll failed")
		httperrors.RespondInternalError(w, "Failed to read reservation")
		return
	}

	respondJSON(w, http.StatusOK, pollResponse{
		Status:    "matched",
		Token:     token,
		RoomID:    res.RoomID,
		RoomName:  res.RoomName,
		MatchID:   res.MatchID,
		ProblemID: res.ProblemID,
	})
}

type consumeRequest struct {
	Token string `json:"token"`
}

// HandleConsume exchanges a reservation token for room connection details.
// Idempotent: reloads and the second participant consume the same reservation.
func (h *Handler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "token is required")
		return
	}

	details, err := h.tokens.Consume(r.Context(), req.Token)
	switch {
	case errors.Is(err, reservation.ErrTokenMismatch):
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeTokenMismatch, "Token does not match reservation")
		return
	case errors.Is(err, reservation.ErrNotFound):
		httperrors.RespondNotFound(w, httperrors.ErrCodeReservationNotFound, "Reservation no longer exists")
		return
	case err != nil:
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "Invalid reservation token")
		return
	}

	respondJSON(w, http.StatusOK, details)
}

// HandleClearReservation tears down a player's reservation.
func (h *Handler) HandleClearReservation(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerID")
	if playerID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "player id is required", "playerID")
		return
	}

	if err := h.service.ClearReservation(r.Context(), playerID); err != nil {
		h.logger.Error().Err(err).Str("player_id", playerID).Msg("reservation clear failed")
		httperrors.RespondInternalError(w, "Failed to clear reservation")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
