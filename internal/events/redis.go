package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/redis/go-redis/v9"
)

// LatestTTL bounds how long the last update of a session stays readable.
const LatestTTL = time.Hour

// Channel is the Redis pub/sub channel of one session.
func Channel(sessionID string) string {
	return "groove:session:" + sessionID
}

// LatestKey holds the most recent update of a session as JSON.
func LatestKey(sessionID string) string {
	return Channel(sessionID) + ":latest"
}

// NewRedisClient parses a redis:// URL, falling back to treating it as host:port.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opt.Addr, err)
	}
	return rdb, nil
}

// ForwardToRedis republishes updates on the session channel and keeps the
// latest one under LatestKey, until updates closes or ctx is done. Redis
// errors are logged and do not stop forwarding.
func ForwardToRedis(ctx context.Context, updates <-chan session.Update, rdb *redis.Client, log logger.Logger) {
	if log == nil {
		log = logger.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				continue
			}
			pipe := rdb.TxPipeline()
			pipe.Publish(ctx, Channel(u.SessionID), payload)
			pipe.Set(ctx, LatestKey(u.SessionID), payload, LatestTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				log.Warn("Events", "Redis forward failed", map[string]interface{}{"session_id": u.SessionID, "error": err.Error()})
			}
		}
	}
}
