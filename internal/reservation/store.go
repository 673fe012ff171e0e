package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Reservation statuses.
const (
	StatusCreating  = "creating"
	StatusCommitted = "committed"
)

var (
	// ErrNotFound is returned when no live reservation exists for a player.
	ErrNotFound = errors.New("reservation not found")
	// ErrAlreadyReserved is returned when a check-and-set finds an existing
	// reservation. The caller lost the pairing race and must abort.
	ErrAlreadyReserved = errors.New("player already reserved")
)

// Reservation binds a player to a specific room/match. At most one exists per
// player at a time; it is the single source of truth that a player has been
// paired and must not be paired again.
type Reservation struct {
	RoomID    string `json:"room_id"`
	RoomName  string `json:"room_name"`
	MatchID   string `json:"match_id"`
	ProblemID string `json:"problem_id"`
	Status    string `json:"status"`
}

func (r *Reservation) validate() error {
	if r.RoomID == "" || r.MatchID == "" {
		return fmt.Errorf("reservation missing room or match id")
	}
	switch r.Status {
	case StatusCreating, StatusCommitted:
		return nil
	default:
		return fmt.Errorf("unknown reservation status %q", r.Status)
	}
}

// Store keeps reservations in Redis, one key per player, created only through
// check-and-set so pairing paths can never double-book.
type Store struct {
	redis  *redis.Client
	logger zerolog.Logger
	prefix string
}

// NewStore creates a reservation store.
func NewStore(rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		redis:  rdb,
		logger: logger.With().Str("component", "reservation").Logger(),
		prefix: "rsv:",
	}
}

func (s *Store) key(playerID string) string {
	return s.prefix + playerID
}

// PutIfAbsent atomically writes a reservation only when the player has none.
// Returns ErrAlreadyReserved when a reservation already exists.
func (s *Store) PutIfAbsent(ctx context.Context, playerID string, res Reservation, ttl time.Duration) error {
	if res.Status == "" {
		res.Status = StatusCreating
	}
	if err := res.validate(); err != nil {
		return fmt.Errorf("put reservation: %w", err)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, s.key(playerID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("put reservation: %w", err)
	}
	if !ok {
		return ErrAlreadyReserved
	}

	s.logger.Info().
		Str("player_id", playerID).
		Str("match_id", res.MatchID).
		Str("room_id", res.RoomID).
		Msg("reservation created")
	return nil
}

// Get returns the live reservation for a player, rejecting malformed shapes.
func (s *Store) Get(ctx context.Context, playerID string) (*Reservation, error) {
	data, err := s.redis.Get(ctx, s.key(playerID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	var res Reservation
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal reservation: %w", err)
	}
	if err := res.validate(); err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &res, nil
}

// Commit marks the reservation committed and extends its TTL to the match's
// maximum duration. Only the pairing path that created it calls this; the key
// must already exist.
func (s *Store) Commit(ctx context.Context, playerID string, ttl time.Duration) error {
	res, err := s.Get(ctx, playerID)
	if err != nil {
		return err
	}
	res.Status = StatusCommitted

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	ok, err := s.redis.SetXX(ctx, s.key(playerID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Clear deletes the reservation unconditionally (cancel or settlement).
func (s *Store) Clear(ctx context.Context, playerID string) error {
	if err := s.redis.Del(ctx, s.key(playerID)).Err(); err != nil {
		return fmt.Errorf("clear reservation: %w", err)
	}
	return nil
}

// PlayerIDs returns every player currently holding a reservation. Used by the
// cleanup worker to scan for orphans.
func (s *Store) PlayerIDs(ctx context.Context) ([]string, error) {
	keys, err := s.redis.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(s.prefix):])
	}
	return ids, nil
}
