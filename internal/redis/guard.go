package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ResultTTL is how long a finished chunk result stays replayable.
	ResultTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed invocation blocks its key.
	processingTTL = 15 * time.Minute

	processingMarker = "processing"
)

var releaseIfValue = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// InvocationGuard deduplicates independently invoked units of work. Chunk
// keys move from a "processing" marker to a cached result; lease keys hold a
// random owner token for the duration of one retry stage.
type InvocationGuard struct {
	client *Client
	logger *zap.Logger
}

func NewInvocationGuard(client *Client, logger *zap.Logger) *InvocationGuard {
	return &InvocationGuard{
		client: client,
		logger: logger,
	}
}

func chunkKey(key string) string { return "bulletin:chunk:" + key }
func leaseKey(key string) string { return "bulletin:lease:" + key }

// Acquire reserves key for the caller. It returns acquired=true when the
// caller should do the work, a non-nil cached result when the work already
// finished, and neither when another invocation is still processing it.
func (g *InvocationGuard) Acquire(ctx context.Context, key string) ([]byte, bool, error) {
	k := chunkKey(key)

	set, err := g.client.rdb.SetNX(ctx, k, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return nil, true, nil
	}

	val, err := g.client.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		set, err := g.client.rdb.SetNX(ctx, k, processingMarker, processingTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx failed: %w", err)
		}
		return nil, set, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	if string(val) == processingMarker {
		return nil, false, nil
	}

	g.logger.Debug("chunk replay cache hit", zap.String("key", key))
	return val, false, nil
}

// Complete stores the finished result under key.
func (g *InvocationGuard) Complete(ctx context.Context, key string, result []byte) error {
	if err := g.client.rdb.Set(ctx, chunkKey(key), result, ResultTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a processing marker so the work can be retried. A stored
// result is left in place.
func (g *InvocationGuard) Release(ctx context.Context, key string) error {
	if err := releaseIfValue.Run(ctx, g.client.rdb, []string{chunkKey(key)}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Lease takes an exclusive, expiring lease on key. The returned token must be
// passed to Unlease.
func (g *InvocationGuard) Lease(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate lease token: %w", err)
	}
	token := hex.EncodeToString(buf)

	ok, err := g.client.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlease releases the lease only if token still owns it.
func (g *InvocationGuard) Unlease(ctx context.Context, key, token string) error {
	if err := releaseIfValue.Run(ctx, g.client.rdb, []string{leaseKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis unlease failed: %w", err)
	}
	return nil
}
