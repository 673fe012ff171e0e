package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records which rooms currently exist. Rooms touch their key while
// alive; the cleanup worker treats a missing key as "room is gone".
type Tracker struct {
	redis  *redis.Client
	prefix string
}

// NewTracker creates a Redis-backed presence tracker.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{redis: rdb, prefix: "presence:room:"}
}

// Touch marks a room alive for ttl.
func (t *Tracker) Touch(ctx context.Context, roomID string, ttl time.Duration) error {
	if err := t.redis.Set(ctx, t.prefix+roomID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// Forget drops the room's presence immediately.
func (t *Tracker) Forget(ctx context.Context, roomID string) error {
	if err := t.redis.Del(ctx, t.prefix+roomID).Err(); err != nil {
		return fmt.Errorf("presence forget: %w", err)
	}
	return nil
}

// RoomExists reports whether the room is still tracked.
func (t *Tracker) RoomExists(ctx context.Context, roomID string) (bool, error) {
	n, err := t.redis.Exists(ctx, t.prefix+roomID).Result()
	if err != nil {
		return false, fmt.Errorf("presence check: %w", err)
	}
	return n > 0, nil
}
