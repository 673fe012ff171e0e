package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/bots"
	"github.com/codeduelhq/codeduel-platform/internal/cleanup"
	"github.com/codeduelhq/codeduel-platform/internal/config"
	"github.com/codeduelhq/codeduel-platform/internal/judge"
	"github.com/codeduelhq/codeduel-platform/internal/logging"
	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/matchmaker"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
	"github.com/codeduelhq/codeduel-platform/internal/persist"
	"github.com/codeduelhq/codeduel-platform/internal/presence"
	"github.com/codeduelhq/codeduel-platform/internal/problem"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
	"github.com/codeduelhq/codeduel-platform/internal/reservation"
	"github.com/codeduelhq/codeduel-platform/internal/server"
	ws "github.com/codeduelhq/codeduel-platform/pkg/http/ws"
)

// Application aggregates shared infrastructure and the platform services.
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	dispatcher  *persist.Dispatcher
	matchmaking *matchmaker.Service
	fleet       *bots.Fleet
	cleaner     *cleanup.Worker

	bgCancels []context.CancelFunc
}

// New bootstraps logger, Redis, optional Postgres, and the full service graph.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	a := &Application{cfg: cfg, logger: logger, redis: rdb}

	// Durable archive is optional; without it settlement logs and drops.
	var store persist.Store
	if cfg.Postgres.Host != "" {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Postgres.User, cfg.Postgres.Password,
			cfg.Postgres.Host, cfg.Postgres.Port,
			cfg.Postgres.Database, cfg.Postgres.SSLMode,
		)
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		a.pool = pool
		store = persist.NewPostgresStore(pool, logger)
	}

	m := metrics.NewService()

	var archive match.ArchiveSink
	var ratings matchmaker.RatingSource
	if store != nil {
		a.dispatcher = persist.NewDispatcher(store, logger, persist.DispatcherOptions{
			OnRetry: m.PersistRetries.Inc,
		})
		archive = a.dispatcher
		ratings = store
	}

	q := queue.New(rdb, logger, queue.Options{
		JoinedTTL: cfg.Matchmaking.QueueStaleAfter * 3,
	})
	resStore := reservation.NewStore(rdb, logger)
	tokens := reservation.NewTokenManager(resStore, reservation.TokenConfig{
		Secret: []byte(cfg.Security.ReservationSecret),
		TTL:    cfg.Match.MaxDuration + cfg.Match.SettleBuffer,
		Issuer: cfg.Name,
	})
	tracker := presence.NewTracker(rdb)
	catalog := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{})

	if cfg.Judge.SandboxURL == "" {
		return nil, fmt.Errorf("judge sandbox url is required")
	}
	runner := judge.NewClient(cfg.Judge.SandboxURL, cfg.Judge.RequestTimeout, logger)
	var analyzer judge.Analyzer
	if cfg.Judge.AnalyzerURL != "" {
		analyzer = judge.NewAnalyzerClient(cfg.Judge.AnalyzerURL, cfg.Judge.AnalyzerTimeout, logger)
	}

	state := match.NewStateManager(rdb, logger, cfg.Match.MaxDuration+cfg.Match.SettleBuffer)
	engine := match.NewEngine(state, runner, analyzer, catalog, resStore, archive, tracker, m,
		match.EngineOptions{
			MaxDuration: cfg.Match.MaxDuration,
			RatingConfig: match.RatingConfig{
				KNew:    cfg.Match.KFactorNew,
				KMid:    cfg.Match.KFactorMid,
				KStable: cfg.Match.KFactorStable,
			},
		}, logger)

	a.matchmaking = matchmaker.NewService(q, resStore, tokens, catalog, engine, tracker, ratings, m,
		matchmaker.Options{
			RatingWindow:    cfg.Matchmaking.RatingWindow,
			PairInterval:    cfg.Matchmaking.PairInterval,
			CreatingTTL:     cfg.Matchmaking.CreatingTTL,
			ReservationTTL:  cfg.Match.MaxDuration + cfg.Match.SettleBuffer,
			BackfillTimeout: cfg.Matchmaking.BackfillTimeout,
		}, logger)

	a.fleet = bots.NewFleet(rdb, a.matchmaking, q, engine, m, bots.Options{
		MaxDeployed:   cfg.Bots.MaxDeployed,
		CycleInterval: cfg.Bots.CycleInterval,
		RatingWindow:  cfg.Bots.RatingWindow,
		PointerTTL:    cfg.Match.MaxDuration + cfg.Match.SettleBuffer,
	}, logger)
	a.matchmaking.SetBackfill(a.fleet)
	if err := a.fleet.Init(ctx); err != nil {
		return nil, fmt.Errorf("fleet init: %w", err)
	}

	a.cleaner = cleanup.NewWorker(q, resStore, tracker, state, engine, a.fleet, m,
		cleanup.Options{
			Interval:          cfg.Cleanup.Interval,
			QueueStaleAfter:   cfg.Matchmaking.QueueStaleAfter,
			MatchOverdueAfter: cfg.Match.MaxDuration + cfg.Match.SettleBuffer,
		}, logger)

	hub := ws.NewHub(logger)
	roomHandler := match.NewHandler(engine, hub, tokens, tracker, logger)

	a.http = server.NewHTTPServer(cfg, logger, rdb, server.Handlers{
		Matchmaker: matchmaker.NewHandler(a.matchmaking, tokens, logger),
		Bots:       bots.NewHandler(a.fleet, logger),
		RoomWS:     roomHandler.HandleWebSocket,
	})

	return a, nil
}

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal arrives.
func (a *Application) Run(ctx context.Context) error {
	a.startBackgroundWorkers(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	return a.shutdown()
}

func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	for _, cancel := range a.bgCancels {
		cancel()
	}

	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Error().Err(err).Msg("redis shutdown error")
	}

	a.logger.Info().Msg("shutdown complete")
	return nil
}

type worker interface {
	Run(ctx context.Context) error
}

func (a *Application) startBackgroundWorkers(ctx context.Context) {
	workers := map[string]worker{
		"matchmaker": a.matchmaking,
		"bot_fleet":  a.fleet,
		"cleanup":    a.cleaner,
	}
	if a.dispatcher != nil {
		workers["persist_dispatcher"] = a.dispatcher
	}

	for name, w := range workers {
		bgCtx, cancel := context.WithCancel(ctx)
		a.bgCancels = append(a.bgCancels, cancel)
		go func(name string, w worker) {
			if err := w.Run(bgCtx); err != nil && err != context.Canceled {
				a.logger.Warn().Err(err).Str("worker", name).Msg("background worker stopped")
			}
		}(name, w)
	}
}
