// Package loader provides a reference graphcache.Loader backed by Redis: the
// follow list for a user is stored as a hash at key "follows:{id}", mapping
// the followed user's id to their display name.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaygrid/followcache/pkg/graphcache"
)

// hashGetter is the narrow slice of *redis.Client this package actually
// calls, so tests can substitute a fake without standing up a real server.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisLoader implements graphcache.Loader against a Redis hash per user.
type RedisLoader struct {
	client hashGetter
	logger zerolog.Logger
}

// NewRedisLoader connects to Redis at addr and pings it to confirm
// reachability before returning.
func NewRedisLoader(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*RedisLoader, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("followcache: connect to redis at %s: %w", addr, err)
	}
	logger.Info().Str("redis_addr", addr).Msg("connected to redis follow store")
	return &RedisLoader{
		client: rdb,
		logger: logger.With().Str("component", "redisloader").Logger(),
	}, nil
}

// newRedisLoaderWithClient builds a RedisLoader over an arbitrary hashGetter,
// used by tests to avoid a real Redis dependency.
func newRedisLoaderWithClient(client hashGetter, logger zerolog.Logger) *RedisLoader {
	return &RedisLoader{client: client, logger: logger}
}

// Load satisfies graphcache.Loader. Both returned channels are closed after
// a single synchronous HGETALL; an empty hash produces no error and no
// records, which Followed correctly treats as "tracked, follows nobody".
func (l *RedisLoader) Load(ctx context.Context, id graphcache.UserID) (<-chan graphcache.FollowRecord, <-chan error) {
	recCh := make(chan graphcache.FollowRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		key := followsKey(id)
		fields, err := l.client.HGetAll(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Error().Err(err).Str("key", key).Msg("failed to load follow list")
			errCh <- fmt.Errorf("followcache: hgetall %s: %w", key, err)
			return
		}

		for idStr, username := range fields {
			followedID, parseErr := uuid.Parse(idStr)
			if parseErr != nil {
				l.logger.Warn().Str("field", idStr).Err(parseErr).Msg("skipping malformed followed-user id")
				continue
			}
			select {
			case recCh <- graphcache.FollowRecord{ID: followedID, Username: username}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return recCh, errCh
}

func followsKey(id graphcache.UserID) string {
	return fmt.Sprintf("follows:%s", id)
}
