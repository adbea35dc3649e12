package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// VelocityTracker counts committed operations per identity over a sliding
// window, backed by redis counters. Callers read the count before policy
// evaluation (the snapshot goes into Context.VelocityLastHour) and increment
// only after a successful commit.
type VelocityTracker struct {
	redis  *redis.Client
	window time.Duration
	log    *logrus.Logger
}

// NewVelocityTracker returns a tracker over rdb. A nil client disables
// tracking: counts read as zero and increments are dropped, matching the
// service's ability to run without redis.
func NewVelocityTracker(rdb *redis.Client, window time.Duration, log *logrus.Logger) *VelocityTracker {
	if window <= 0 {
		window = time.Hour
	}
	return &VelocityTracker{redis: rdb, window: window, log: log}
}

func velocityKey(identity string) string {
	return fmt.Sprintf("velocity:%s", identity)
}

// Count returns the identity's operation count in the current window.
func (t *VelocityTracker) Count(ctx context.Context, identity string) (int, error) {
	if t.redis == nil {
		return 0, nil
	}
	val, err := t.redis.Get(ctx, velocityKey(identity)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read velocity counter: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt velocity counter for %s: %w", identity, err)
	}
	return count, nil
}

// Increment bumps the identity's counter, starting the window on first use.
func (t *VelocityTracker) Increment(ctx context.Context, identity string) error {
	if t.redis == nil {
		return nil
	}
	key := velocityKey(identity)
	pipeline := t.redis.Pipeline()
	incr := pipeline.Incr(ctx, key)
	pipeline.Expire(ctx, key, t.window)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment velocity counter: %w", err)
	}

	t.log.WithFields(logrus.Fields{
		"identity": identity,
		"count":    incr.Val(),
	}).Debug("[POLICY] velocity incremented")
	return nil
}
