package server

import (
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/bots"
	"github.com/codeduelhq/codeduel-platform/internal/config"
	"github.com/codeduelhq/codeduel-platform/internal/matchmaker"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
)

// Handlers groups the per-package HTTP surfaces wired into the server. Any
// field may be nil; its routes are simply not registered.
type Handlers struct {
	Matchmaker *matchmaker.Handler
	Bots       *bots.Handler
	RoomWS     http.HandlerFunc
}

// NewHTTPServer wires base routes (health, metrics) plus the matchmaking,
// room, and fleet admin surfaces.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, rdb *redis.Client, h Handlers) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Error().Err(err).Msg("dependency ping failed")
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	if h.Matchmaker != nil {
		mux.HandleFunc("POST /v1/queue", h.Matchmaker.HandleEnqueue)
		mux.HandleFunc("DELETE /v1/queue/{playerID}", h.Matchmaker.HandleCancel)
		mux.HandleFunc("GET /v1/queue/size", h.Matchmaker.HandleQueueSize)
		mux.HandleFunc("GET /v1/reservations/{playerID}", h.Matchmaker.HandlePoll)
		mux.HandleFunc("POST /v1/reservations/consume", h.Matchmaker.HandleConsume)
		mux.HandleFunc("DELETE /v1/reservations/{playerID}", h.Matchmaker.HandleClearReservation)
	}

	if h.RoomWS != nil {
		mux.HandleFunc("GET /ws/rooms", h.RoomWS)
	}

	if h.Bots != nil {
		mux.HandleFunc("POST /v1/admin/bots/init", h.Bots.HandleInit)
		mux.HandleFunc("POST /v1/admin/bots/generate", h.Bots.HandleGenerate)
		mux.HandleFunc("POST /v1/admin/bots/deploy", h.Bots.HandleDeploy)
		mux.HandleFunc("POST /v1/admin/bots/retire", h.Bots.HandleRetire)
		mux.HandleFunc("POST /v1/admin/bots/config", h.Bots.HandleSetConfig)
		mux.HandleFunc("GET /v1/admin/bots/status", h.Bots.HandleStatus)
		mux.HandleFunc("DELETE /v1/admin/bots/{botID}", h.Bots.HandleDelete)
		mux.HandleFunc("POST /v1/admin/bots/{botID}/force-win", h.Bots.HandleForceWin)
	}

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
}
