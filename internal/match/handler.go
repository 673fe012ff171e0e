package match

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/presence"
	"github.com/codeduelhq/codeduel-platform/internal/reservation"
	httperrors "github.com/codeduelhq/codeduel-platform/pkg/http/errors"
	ws "github.com/codeduelhq/codeduel-platform/pkg/http/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks belong to the fronting API layer.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler manages room WebSocket connections and routes duel messages.
type Handler struct {
	engine   *Engine
	hub      *ws.Hub
	tokens   *reservation.TokenManager
	presence *presence.Tracker
	logger   zerolog.Logger
}

// NewHandler creates a room WebSocket handler and registers itself as the
// engine's notifier.
func NewHandler(engine *Engine, hub *ws.Hub, tokens *reservation.TokenManager, tracker *presence.Tracker, logger zerolog.Logger) *Handler {
	h := &Handler{
		engine:   engine,
		hub:      hub,
		tokens:   tokens,
		presence: tracker,
		logger:   logger.With().Str("component", "room_handler").Logger(),
	}
	engine.SetNotifier(h)
	return h
}

// HandleWebSocket upgrades /ws/rooms?token=<reservation token>. The token is
// the player's proof of pairing; consuming it yields the room binding.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httperrors.RespondBadRequest(w, httperrors.ErrCodeMissingField, "token query parameter is required")
		return
	}

	details, err := h.tokens.Consume(r.Context(), token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("room connect rejected")
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeInvalidToken, "reservation token rejected")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.handleConnection(conn, details)
}

func (h *Handler) handleConnection(conn *websocket.Conn, details *reservation.RoomDetails) {
	wsConn := ws.NewConnection(conn, h.logger)
	h.hub.RegisterConnection(details.PlayerID, wsConn)
	h.hub.JoinRoom(details.RoomID, details.PlayerID)

	if h.presence != nil {
		if err := h.presence.Touch(context.Background(), details.RoomID, h.engine.MaxDuration()+5*time.Minute); err != nil {
			h.logger.Warn().Err(err).Str("room_id", details.RoomID).Msg("presence touch failed")
		}
	}

	go wsConn.WritePump()

	// Replay the authoritative snapshot so reloads recover state.
	h.sendMatchState(details.PlayerID, details.MatchID)

	wsConn.ReadPump(func(msg ws.Message) error {
		return h.handleMessage(context.Background(), details, msg)
	})

	h.hub.LeaveRoom(details.RoomID, details.PlayerID)
	h.hub.UnregisterConnection(details.PlayerID)
}

func (h *Handler) handleMessage(ctx context.Context, details *reservation.RoomDetails, msg ws.Message) error {
	switch msg.Type {
	case ws.TypeUpdateCode:
		return h.handleUpdateCode(ctx, details, msg.Payload)
	case ws.TypeTestSubmitCode:
		return h.handleTestSubmit(ctx, details, msg.Payload)
	case ws.TypeSubmitCode:
		return h.handleSubmit(ctx, details, msg.Payload)
	case ws.TypeRequestState:
		h.sendMatchState(details.PlayerID, details.MatchID)
		return nil
	case ws.TypePing:
		return h.hub.SendToPlayer(details.PlayerID, ws.Message{Type: ws.TypePong})
	default:
		return h.sendError(details.PlayerID, httperrors.ErrCodeUnknownMessageType, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleUpdateCode(ctx context.Context, details *reservation.RoomDetails, payload json.RawMessage) error {
	var req ws.UpdateCodePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeInvalidPayload, "Invalid update_code payload")
	}

	rec, err := h.engine.UpdateCode(ctx, details.MatchID, details.PlayerID, req.Language, req.Code)
	if err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeInvalidRequest, err.Error())
	}

	// Thin relay to the opponent; the stored snapshot stays authoritative.
	opponent := rec.Opponent(details.PlayerID)
	h.send(opponent, ws.TypeOpponentCode, ws.OpponentCodePayload{
		PlayerID:     details.PlayerID,
		Language:     req.Language,
		Code:         req.Code,
		LinesWritten: rec.LinesWritten[details.PlayerID],
	})
	return nil
}

func (h *Handler) handleTestSubmit(ctx context.Context, details *reservation.RoomDetails, payload json.RawMessage) error {
	var req ws.TestSubmitPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeInvalidPayload, "Invalid test_submit_code payload")
	}

	result, err := h.engine.RunTests(ctx, details.MatchID, details.PlayerID, req.Language, req.Code)
	if err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeJudgeUnavailable, err.Error())
	}

	cases := make([]ws.CaseResult, len(result.Cases))
	for i, c := range result.Cases {
		cases[i] = ws.CaseResult{Index: c.Index, Passed: c.Passed, Output: c.Output, Expected: c.Expected, Error: c.Error}
	}
	return h.send(details.PlayerID, ws.TypeTestResult, ws.TestResultPayload{
		AllPassed:   result.AllPassed,
		PassedCount: result.PassedCount,
		TotalCount:  result.TotalCount,
		Cases:       cases,
		DurationMs:  result.DurationMs,
	})
}

func (h *Handler) handleSubmit(ctx context.Context, details *reservation.RoomDetails, payload json.RawMessage) error {
	var req ws.SubmitCodePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeInvalidPayload, "Invalid submit_code payload")
	}

	result, err := h.engine.Submit(ctx, details.MatchID, details.PlayerID, req.Language, req.Code)
	if err != nil {
		return h.sendError(details.PlayerID, httperrors.ErrCodeSubmitFailed, err.Error())
	}

	payloadOut := ws.SubmissionResultPayload{
		PlayerID:    details.PlayerID,
		Passed:      result.Submission.Passed,
		Reason:      result.Submission.Reason,
		PassedCount: result.Submission.PassedCount,
		TotalCount:  result.Submission.TotalCount,
		Winning:     result.Submission.Winning,
	}
	if err := h.hub.BroadcastToRoom(details.RoomID, mustMessage(ws.TypeSubmissionResult, payloadOut)); err != nil {
		h.logger.Warn().Err(err).Str("room_id", details.RoomID).Msg("submission broadcast failed")
	}
	// Settlement pushes match_end through the notifier path.
	return nil
}

func (h *Handler) sendMatchState(playerID, matchID string) {
	rec, err := h.engine.Get(context.Background(), matchID)
	if err != nil {
		h.sendError(playerID, httperrors.ErrCodeMatchNotFound, "match record unavailable")
		return
	}
	h.send(playerID, ws.TypeMatchState, rec)
}

// MatchEnded implements Notifier: pushes the terminal state to the room and
// releases the broadcast group.
func (h *Handler) MatchEnded(rec *Record) {
	changes := make([]ws.RatingChange, len(rec.RatingChanges))
	for i, rc := range rec.RatingChanges {
		changes[i] = ws.RatingChange{
			PlayerID:  rc.PlayerID,
			OldRating: rc.OldRating,
			NewRating: rc.NewRating,
			Delta:     rc.Delta,
		}
	}
	msg := mustMessage(ws.TypeMatchEnd, ws.MatchEndPayload{
		MatchID:       rec.MatchID,
		WinnerID:      rec.WinnerID,
		EndReason:     rec.EndReason,
		RatingChanges: changes,
	})
	if err := h.hub.BroadcastToRoom(rec.RoomID, msg); err != nil {
		h.logger.Warn().Err(err).Str("room_id", rec.RoomID).Msg("match end broadcast failed")
	}
	h.hub.CloseRoom(rec.RoomID)
}

func (h *Handler) send(playerID, msgType string, payload interface{}) error {
	return h.hub.SendToPlayer(playerID, mustMessage(msgType, payload))
}

func (h *Handler) sendError(playerID, code, message string) error {
	return h.send(playerID, ws.TypeError, ws.ErrorPayload{Code: code, Message: message})
}

func mustMessage(msgType string, payload interface{}) ws.Message {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return ws.Message{Type: msgType, Payload: data}
}
