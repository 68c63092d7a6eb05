package pending

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultRedisPrefix = "glitchcube:pending:"
	// processed results are kept per session for inspection, newest first
	processedKeep = 50
)

// RedisStore keeps one list per session. Drain runs LRANGE and DEL inside
// MULTI/EXEC, so a result is either returned and removed or left in place.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisTTL bounds how long an undrained session list is retained.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix, ttl: 7 * 24 * time.Hour}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) processedKey(sessionID string) string {
	return s.prefix + "processed:" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, r Result) error {
	id, err := s.rdb.Incr(ctx, s.prefix+"seq").Result()
	if err != nil {
		return errors.Wrap(err, "allocate pending id")
	}
	r.ID = id
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode pending result")
	}
	key := s.key(r.SessionID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, b)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return errors.Wrap(err, "append pending result")
}

func (s *RedisStore) Drain(ctx context.Context, sessionID string) ([]Result, error) {
	key := s.key(sessionID)
	var lrange *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "drain pending results")
	}

	raw := lrange.Val()
	if len(raw) == 0 {
		return nil, nil
	}
	ret := make([]Result, 0, len(raw))
	for _, item := range raw {
		var r Result
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping undecodable pending result")
			continue
		}
		ret = append(ret, r)
	}

	// best effort history of what was delivered
	pk := s.processedKey(sessionID)
	args := make([]any, len(raw))
	for i, item := range raw {
		args[i] = item
	}
	if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, pk, args...)
		pipe.LTrim(ctx, pk, 0, processedKeep-1)
		pipe.Expire(ctx, pk, s.ttl)
		return nil
	}); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("could not record processed results")
	}
	return ret, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
