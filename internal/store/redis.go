package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/pagesmith/internal/domain"
)

const (
	redisSessionPrefix = "pagesmith:session:"
	redisUpdatedIndex  = "pagesmith:sessions:updated"
)

// RedisStore implements Repository on Redis. Each session is a JSON value
// with a TTL; a sorted set indexes open sessions by update time.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps an existing client. A zero ttl keeps sessions forever.
func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// DialRedis connects and pings a Redis server.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(rdb, ttl), nil
}

func redisKey(id string) string { return redisSessionPrefix + id }

// Create implements Repository.
func (r *RedisStore) Create(ctx context.Context, s *domain.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, redisKey(s.ID), doc, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return r.index(ctx, s)
}

// Get implements Repository.
func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	doc, err := r.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

// Replace implements Repository.
func (r *RedisStore) Replace(ctx context.Context, s *domain.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.rdb.SetXX(ctx, redisKey(s.ID), doc, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return r.index(ctx, s)
}

// index keeps open sessions in the idle index and drops closed ones.
func (r *RedisStore) index(ctx context.Context, s *domain.Session) error {
	var err error
	if s.Status.Closed() {
		err = r.rdb.ZRem(ctx, redisUpdatedIndex, s.ID).Err()
	} else {
		err = r.rdb.ZAdd(ctx, redisUpdatedIndex, redis.Z{
			Score:  float64(s.UpdatedAt.UnixMilli()),
			Member: s.ID,
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// Delete implements Repository.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey(id))
		p.ZRem(ctx, redisUpdatedIndex, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListIdle implements IdleLister. Index entries whose value expired are
// pruned as they are found.
func (r *RedisStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, redisUpdatedIndex, by).Result()
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		n, err := r.rdb.Exists(ctx, redisKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check session %s: %w", id, err)
		}
		if n == 0 {
			r.rdb.ZRem(ctx, redisUpdatedIndex, id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Ping implements Repository.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close implements Repository.
func (r *RedisStore) Close() error {
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
