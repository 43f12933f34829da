package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/redis"
)

const (
	guardKeyPrefix = "jobs:guard:"
	// guardTTL bounds how long a dedup claim survives a process that died
	// without releasing it.
	guardTTL = 24 * time.Hour
)

// RunGuard prevents two concurrent jobs over the same input using a Redis
// SetNX claim keyed by a caller-supplied dedup key. It is optional: a nil
// client makes every call a no-op so the registry works without Redis.
type RunGuard struct {
	redis *redis.RedisClient
}

// NewRunGuard creates a guard. client may be nil.
func NewRunGuard(client *redis.RedisClient) *RunGuard {
	return &RunGuard{redis: client}
}

func guardKey(dedupKey string) string {
	return fmt.Sprintf("%s%s", guardKeyPrefix, dedupKey)
}

// Acquire claims dedupKey for jobID. A conflicting claim surfaces as a
// validation error so the caller's construction fails synchronously.
func (g *RunGuard) Acquire(ctx context.Context, dedupKey, jobID string) error {
	if g.redis == nil || dedupKey == "" {
		return nil
	}
	ok, err := g.redis.SetNX(ctx, guardKey(dedupKey), jobID, guardTTL)
	if err != nil {
		return fmt.Errorf("acquiring run guard for %s: %w", dedupKey, err)
	}
	if !ok {
		return NewValidationError("a job for %q is already running", dedupKey)
	}
	return nil
}

// Release drops the claim. Only the claim owner releases; a mismatched or
// missing claim is logged and ignored.
func (g *RunGuard) Release(ctx context.Context, dedupKey, jobID string) {
	if g.redis == nil || dedupKey == "" {
		return
	}
	key := guardKey(dedupKey)
	owner, err := g.redis.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redisv9.Nil) {
			log.Warn().Err(err).Str("dedupKey", dedupKey).Msg("failed to read run guard")
		}
		return
	}
	if owner != jobID {
		log.Warn().Str("dedupKey", dedupKey).Str("owner", owner).Str("jobID", jobID).Msg("run guard held by another job, leaving it")
		return
	}
	if err := g.redis.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("dedupKey", dedupKey).Msg("failed to release run guard")
	}
}
