package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// KeyPrefix namespaces all session hashes. Defaults to "stepflow:".
	KeyPrefix string

	// TTL expires the session hash after the run ends. Zero means no expiry.
	TTL time.Duration

	// Strict rejects overwrites of existing keys.
	Strict bool
}

// RedisStore persists one session's state in a Redis hash, keyed
// "<prefix>state:<session>". Values are JSON-encoded, so only
// JSON-serializable worker outputs can cross into a RedisStore.
// Suitable for distributed deployments where a run's intermediate
// state must survive process restarts.
type RedisStore struct {
	client    *redis.Client
	key       string
	ttl       time.Duration
	strict    bool
	logger    *zap.Logger
	ownClient bool
}

// NewRedisStore connects to Redis and binds a store to the session.
func NewRedisStore(opts RedisOptions, sessionID string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStateUnavailable, "failed to connect to Redis").WithCause(err)
	}

	s := NewRedisStoreWithClient(client, opts, sessionID, logger)
	s.ownClient = true
	return s, nil
}

// NewRedisStoreWithClient binds a store to the session using an existing
// client. The caller keeps ownership of the client.
func NewRedisStoreWithClient(client *redis.Client, opts RedisOptions, sessionID string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisStore{
		client: client,
		key:    prefix + "state:" + sessionID,
		ttl:    opts.TTL,
		strict: opts.Strict,
		logger: logger.With(zap.String("component", "redis_state"), zap.String("session_id", sessionID)),
	}
}

// Close releases the client when this store created it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get implements Reader. A missing key or an unreachable store yields
// the default; infrastructure failures are logged, never surfaced.
func (s *RedisStore) Get(ctx context.Context, key string, def any) any {
	data, err := s.client.HGet(ctx, s.key, key).Bytes()
	if err == redis.Nil {
		return def
	}
	if err != nil {
		s.logger.Warn("state read failed, returning default",
			zap.String("key", key),
			zap.Error(err),
		)
		return def
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		s.logger.Warn("state value decode failed, returning default",
			zap.String("key", key),
			zap.Error(err),
		)
		return def
	}
	return value
}

// Has implements Reader.
func (s *RedisStore) Has(ctx context.Context, key string) bool {
	ok, err := s.client.HExists(ctx, s.key, key).Result()
	if err != nil {
		s.logger.Warn("state exists check failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// Keys implements Reader.
func (s *RedisStore) Keys(ctx context.Context) []string {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		s.logger.Warn("state keys listing failed", zap.Error(err))
		return nil
	}
	return keys
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	if s.strict {
		exists, err := s.client.HExists(ctx, s.key, key).Result()
		if err != nil {
			return types.NewError(types.ErrStateUnavailable, "overwrite check failed").WithCause(err).WithRetryable(true)
		}
		if exists {
			return types.NewError(types.ErrKeyOverwrite, "key already written: "+key)
		}
	}

	data, err := json.Marshal(value)
	if err != nil {
		return types.NewError(types.ErrStateEncoding, fmt.Sprintf("value for key %q is not JSON-serializable", key)).WithCause(err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStateUnavailable, "state write failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// Snapshot implements Store. On infrastructure failure an empty snapshot
// is returned; Get semantics degrade to defaults either way.
func (s *RedisStore) Snapshot(ctx context.Context) Snapshot {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		s.logger.Warn("state snapshot failed, returning empty", zap.Error(err))
		return Snapshot{}
	}

	snap := make(Snapshot, len(entries))
	for k, raw := range entries {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			s.logger.Warn("state value decode failed, skipping", zap.String("key", k), zap.Error(err))
			continue
		}
		snap[k] = value
	}
	return snap
}
