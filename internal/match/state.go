package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrRecordNotFound is returned when no live record exists for a match id.
	ErrRecordNotFound = errors.New("match record not found")
	// ErrLockHeld is returned when the per-match lock is already taken.
	ErrLockHeld = errors.New("match lock already held")
)

// StateManager keeps live match records and the active-match set in Redis,
// with per-match distributed locks for state transitions.
type StateManager struct {
	redis     *redis.Client
	logger    zerolog.Logger
	recordTTL time.Duration
}

// NewStateManager creates a state manager backed by Redis. recordTTL bounds
// how long a record can outlive its match before Redis reaps it.
func NewStateManager(rdb *redis.Client, logger zerolog.Logger, recordTTL time.Duration) *StateManager {
	if recordTTL <= 0 {
		recordTTL = 2 * time.Hour
	}
	return &StateManager{
		redis:     rdb,
		logger:    logger.With().Str("component", "match_state").Logger(),
		recordTTL: recordTTL,
	}
}

const activeSetKey = "match:active"

func recordKey(matchID string) string {
	return "match:record:" + matchID
}

// unlockScript ensures we only ever delete our own lock.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock acquires the distributed lock for a match. Returns the unlock function.
// The lock expires after 30s as a crash backstop.
func (s *StateManager) Lock(ctx context.Context, matchID string) (func() error, error) {
	key := "match:lock:" + matchID
	lockValue := uuid.New().String()

	acquired, err := s.redis.SetNX(ctx, key, lockValue, 30*time.Second).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	unlock := func() error {
		return unlockScript.Run(ctx, s.redis, []string{key}, lockValue).Err()
	}
	return unlock, nil
}

// PutRecord writes the full match record.
func (s *StateManager) PutRecord(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.redis.Set(ctx, recordKey(rec.MatchID), data, s.recordTTL).Err(); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord loads and validates a match record.
func (s *StateManager) GetRecord(ctx context.Context, matchID string) (*Record, error) {
	data, err := s.redis.Get(ctx, recordKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if err := rec.validate(); err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

// DeleteRecord removes a record outright. Used by cleanup for disposable
// terminal records.
func (s *StateManager) DeleteRecord(ctx context.Context, matchID string) error {
	if err := s.redis.Del(ctx, recordKey(matchID)).Err(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// AddActive mirrors the match into the active set for O(1) enumeration.
func (s *StateManager) AddActive(ctx context.Context, matchID string) error {
	if err := s.redis.SAdd(ctx, activeSetKey, matchID).Err(); err != nil {
		return fmt.Errorf("add active: %w", err)
	}
	return nil
}

// RemoveActive drops the match from the active set.
func (s *StateManager) RemoveActive(ctx context.Context, matchID string) error {
	if err := s.redis.SRem(ctx, activeSetKey, matchID).Err(); err != nil {
		return fmt.Errorf("remove active: %w", err)
	}
	return nil
}

// ActiveIDs enumerates the active match set.
func (s *StateManager) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active ids: %w", err)
	}
	return ids, nil
}

// IsActive reports membership in the active set.
func (s *StateManager) IsActive(ctx context.Context, matchID string) (bool, error) {
	ok, err := s.redis.SIsMember(ctx, activeSetKey, matchID).Result()
	if err != nil {
		return false, fmt.Errorf("is active: %w", err)
	}
	return ok, nil
}
