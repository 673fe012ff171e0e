package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"codeduel-platform"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`

	Postgres    Postgres
	Redis       Redis
	Security    Security
	Matchmaking Matchmaking
	Match       Match
	Bots        Bots
	Cleanup     Cleanup
	Judge       Judge
}

// Postgres captures connection info for the durable match archive.
// Optional: when Host is empty the archive collaborator is disabled and
// settlement handoff falls back to log-and-drop.
type Postgres struct {
	Host     string `env:"PG_HOST"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER"`
	Password string `env:"PG_PASSWORD"`
	Database string `env:"PG_DATABASE"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
}

// Redis holds the coordination store configuration.
type Redis struct {
	Addr     string `env:"REDIS_ADDR,notEmpty"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Security stores secrets for reservation token signing.
type Security struct {
	ReservationSecret string `env:"RESERVATION_TOKEN_SECRET,notEmpty"`
}

// Matchmaking groups queue and pairing behavior.
type Matchmaking struct {
	RatingWindow    int           `env:"MM_RATING_WINDOW" envDefault:"200"`
	PairInterval    time.Duration `env:"MM_PAIR_INTERVAL" envDefault:"2s"`
	CreatingTTL     time.Duration `env:"MM_CREATING_TTL" envDefault:"30s"`
	BackfillTimeout time.Duration `env:"MM_BACKFILL_TIMEOUT" envDefault:"5s"`
	QueueStaleAfter time.Duration `env:"MM_QUEUE_STALE_AFTER" envDefault:"10m"`
}

// Match groups live match behavior and the rating update curve.
type Match struct {
	MaxDuration   time.Duration `env:"MATCH_MAX_DURATION" envDefault:"45m"`
	SettleBuffer  time.Duration `env:"MATCH_SETTLE_BUFFER" envDefault:"2m"`
	KFactorNew    float64       `env:"MATCH_K_NEW" envDefault:"40"`
	KFactorMid    float64       `env:"MATCH_K_MID" envDefault:"32"`
	KFactorStable float64       `env:"MATCH_K_STABLE" envDefault:"24"`
}

// Bots configures the bot fleet rotation.
type Bots struct {
	MaxDeployed   int           `env:"BOTS_MAX_DEPLOYED" envDefault:"4"`
	CycleInterval time.Duration `env:"BOTS_CYCLE_INTERVAL" envDefault:"3s"`
	RatingWindow  int           `env:"BOTS_RATING_WINDOW" envDefault:"300"`
}

// Cleanup configures the reconciliation sweep.
type Cleanup struct {
	Interval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
}

// Judge configures the external judging sandbox and complexity analyzer.
type Judge struct {
	SandboxURL      string        `env:"JUDGE_SANDBOX_URL"`
	AnalyzerURL     string        `env:"COMPLEXITY_ANALYZER_URL"`
	RequestTimeout  time.Duration `env:"JUDGE_REQUEST_TIMEOUT" envDefault:"30s"`
	AnalyzerTimeout time.Duration `env:"COMPLEXITY_TIMEOUT" envDefault:"10s"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
