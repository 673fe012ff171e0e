package bots

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	httperrors "github.com/codeduelhq/codeduel-platform/pkg/http/errors"
)

// Handler exposes the admin fleet surface.
type Handler struct {
	fleet  *Fleet
	logger zerolog.Logger
}

// NewHandler creates the fleet admin handler.
func NewHandler(fleet *Fleet, logger zerolog.Logger) *Handler {
	return &Handler{
		fleet:  fleet,
		logger: logger.With().Str("component", "bots_handler").Logger(),
	}
}

// HandleInit writes fleet config defaults.
func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Init(r.Context()); err != nil {
		httperrors.RespondInternalError(w, "Failed to initialize fleet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

type generateRequest struct {
	Count int `json:"count"`
}

// HandleGenerate creates new bots in the rotation.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count <= 0 {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "count must be a positive integer")
		return
	}

	bots, err := h.fleet.Generate(r.Context(), req.Count)
	if err != nil {
		h.logger.Error().Err(err).Msg("bot generation failed")
		httperrors.RespondInternalError(w, "Failed to generate bots")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"bots": bots})
}

type deployRequest struct {
	Count int    `json:"count,omitempty"`
	BotID string `json:"bot_id,omitempty"`
}

// HandleDeploy deploys a specific bot or the next n from the rotation.
func (h *Handler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	if req.BotID != "" {
		err := h.fleet.DeployBot(r.Context(), req.BotID)
		if errors.Is(err, ErrBotNotFound) {
			httperrors.RespondNotFound(w, httperrors.ErrCodeBotNotFound, "Bot is not in the rotation")
			return
		}
		if err != nil {
			httperrors.RespondInternalError(w, "Failed to deploy bot")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"deployed": []string{req.BotID}})
		return
	}

	deployed, err := h.fleet.Deploy(r.Context(), req.Count)
	if errors.Is(err, ErrFleetExhausted) {
		httperrors.RespondConflict(w, httperrors.ErrCodeFleetExhausted, "No idle bot in rotation")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("deploy failed")
		httperrors.RespondInternalError(w, "Failed to deploy bots")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deployed": deployed})
}

type retireRequest struct {
	BotID string `json:"bot_id"`
}

// HandleRetire returns a deployed bot to the rotation.
func (h *Handler) HandleRetire(w http.ResponseWriter, r *http.Request) {
	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == "" {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "bot_id is required")
		return
	}

	err := h.fleet.Retire(r.Context(), req.BotID)
	if errors.Is(err, ErrBotNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeBotNotFound, "Bot is not deployed")
		return
	}
	if err != nil {
		httperrors.RespondInternalError(w, "Failed to retire bot")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

// HandleDelete removes a bot entirely, force-losing any live match.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botID")
	if botID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "bot id is required", "botID")
		return
	}

	err := h.fleet.Delete(r.Context(), botID)
	if errors.Is(err, ErrBotNotFound) {
		httperrors.RespondNotFound(w, httperrors.ErrCodeBotNotFound, "Unknown bot")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("bot_id", botID).Msg("bot delete failed")
		httperrors.RespondInternalError(w, "Failed to delete bot")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type configRequest struct {
	MaxDeployed int `json:"max_deployed"`
}

// HandleSetConfig updates the steady-state deployment cap.
func (h *Handler) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	if err := h.fleet.SetMaxDeployed(r.Context(), req.MaxDeployed); err != nil {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"max_deployed": req.MaxDeployed})
}

// HandleStatus returns the reconciled fleet state.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.fleet.FleetStatus(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("fleet status failed")
		httperrors.RespondInternalError(w, "Failed to read fleet status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleForceWin settles a bot's live match with the bot as winner.
func (h *Handler) HandleForceWin(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botID")
	if botID == "" {
		httperrors.RespondValidationError(w, httperrors.ErrCodeMissingField, "bot id is required", "botID")
		return
	}

	rec, err := h.fleet.ForceBotWin(r.Context(), botID)
	if errors.Is(err, ErrBotIdle) {
		httperrors.RespondConflict(w, httperrors.ErrCodeConflict, "Bot has no live match")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("bot_id", botID).Msg("force bot win failed")
		httperrors.RespondInternalError(w, "Failed to settle match")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
