package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "session:"
	redisOpTimeout  = 500 * time.Millisecond
	redisPingBudget = time.Second
)

// RedisStore layers Redis write-through over a MemoryStore. The in-process
// shards stay authoritative for the hot path — no network hop on bypass —
// while every write is mirrored to Redis with the session TTL so bindings
// survive a restart and can be shared by a replacement process.
//
// All Redis failures degrade gracefully: reads fall back to the local copy,
// writes are logged at WARN and dropped, and Healthy reports false so the
// health endpoint can surface the degradation. Requests keep succeeding;
// only cross-restart affinity is lost.
type RedisStore struct {
	local  *MemoryStore
	client *redis.Client
	log    *slog.Logger
}

// NewRedisStore parses url, verifies connectivity with a PING and returns a
// ready store. The caller owns Close.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration, log *slog.Logger) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("session: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("session: ping: %w", err)
	}

	return &RedisStore{
		local:  NewMemoryStore(ttl),
		client: cli,
		log:    log,
	}, nil
}

func (s *RedisStore) TTL() time.Duration { return s.local.ttl }

func (s *RedisStore) Get(ctx context.Context, id string) (Binding, bool) {
	if b, ok := s.local.Get(ctx, id); ok {
		return b, true
	}

	// Local miss — the binding may have been written by a previous process.
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("session_redis_get_error",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
		return Binding{}, false
	}

	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		s.log.Warn("session_redis_decode_error",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return Binding{}, false
	}

	if b.Expired(time.Now(), s.local.ttl) {
		_ = s.Delete(ctx, id)
		return Binding{}, false
	}

	// Adopt into the local shards so subsequent reads stay in-process.
	_ = s.local.Put(ctx, b)
	return b, true
}

func (s *RedisStore) Put(ctx context.Context, b Binding) error {
	if err := s.local.Put(ctx, b); err != nil {
		return err
	}
	s.writeThrough(ctx, b)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(old *Binding) Binding) (Binding, error) {
	// Seed the local shard from Redis first so a restarted process does not
	// treat a durable binding as absent.
	if _, ok := s.local.Get(ctx, id); !ok {
		if b, ok := s.Get(ctx, id); ok {
			_ = s.local.Put(ctx, b)
		}
	}

	next, err := s.local.Update(ctx, id, fn)
	if err != nil {
		return Binding{}, err
	}
	s.writeThrough(ctx, next)
	return next, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_ = s.local.Delete(ctx, id)

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Del(opCtx, redisKeyPrefix+id).Err(); err != nil {
		s.log.Warn("session_redis_del_error",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *RedisStore) Sweep(ctx context.Context, now time.Time) int {
	// Redis evicts its copies on its own via the key TTL; only the local
	// shards need an explicit sweep.
	return s.local.Sweep(ctx, now)
}

func (s *RedisStore) Len() int { return s.local.Len() }

// Healthy pings Redis with a short budget. A false result means bindings are
// currently ephemeral, not that requests are failing.
func (s *RedisStore) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, redisPingBudget)
	defer cancel()
	return s.client.Ping(pingCtx).Err() == nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// writeThrough mirrors b to Redis with the session TTL. Best effort: errors
// are logged and swallowed so the hot path never fails on the durable tier.
func (s *RedisStore) writeThrough(ctx context.Context, b Binding) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Set(opCtx, redisKeyPrefix+b.SessionID, raw, s.local.ttl).Err(); err != nil {
		s.log.Warn("session_redis_set_error",
			slog.String("session_id", b.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
