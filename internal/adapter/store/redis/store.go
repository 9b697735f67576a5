// Package redisadp implements the domain Store on a Redis connection.
package redisadp

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// Store adapts a go-redis client to the domain Store port. All values are
// strings; missing keys and hash fields map to domain.ErrNotFound.
type Store struct{ RDB *redis.Client }

// New wraps an existing client.
func New(rdb *redis.Client) *Store { return &Store{RDB: rdb} }

// Open dials Redis and verifies the connection with a ping.
func Open(ctx domain.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=store.open: %w", err)
	}
	return &Store{RDB: rdb}, nil
}

func (s *Store) Get(ctx domain.Context, key string) (string, error) {
	v, err := s.RDB.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("op=store.get: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=store.get: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx domain.Context, key, value string, ttl time.Duration) error {
	if err := s.RDB.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=store.set: %w", err)
	}
	return nil
}

func (s *Store) SetNX(ctx domain.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.RDB.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=store.setnx: %w", err)
	}
	return ok, nil
}

func (s *Store) Del(ctx domain.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.RDB.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=store.del: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx domain.Context, key string) (int64, error) {
	n, err := s.RDB.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=store.incr: %w", err)
	}
	return n, nil
}

func (s *Store) IncrByFloat(ctx domain.Context, key string, delta float64) (float64, error) {
	n, err := s.RDB.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("op=store.incrbyfloat: %w", err)
	}
	return n, nil
}

func (s *Store) Expire(ctx domain.Context, key string, ttl time.Duration) error {
	if err := s.RDB.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=store.expire: %w", err)
	}
	return nil
}

func (s *Store) LPush(ctx domain.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.RDB.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("op=store.lpush: %w", err)
	}
	return nil
}

func (s *Store) LRange(ctx domain.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.RDB.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.lrange: %w", err)
	}
	return vs, nil
}

func (s *Store) LTrim(ctx domain.Context, key string, start, stop int64) error {
	if err := s.RDB.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("op=store.ltrim: %w", err)
	}
	return nil
}

func (s *Store) ZAdd(ctx domain.Context, key string, score float64, member string) error {
	if err := s.RDB.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("op=store.zadd: %w", err)
	}
	return nil
}

func (s *Store) ZRangeByScore(ctx domain.Context, key string, min, max float64) ([]string, error) {
	vs, err := s.RDB.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.zrangebyscore: %w", err)
	}
	return vs, nil
}

func (s *Store) HSet(ctx domain.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := s.RDB.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("op=store.hset: %w", err)
	}
	return nil
}

func (s *Store) HGet(ctx domain.Context, key, field string) (string, error) {
	v, err := s.RDB.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("op=store.hget: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=store.hget: %w", err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx domain.Context, key string) (map[string]string, error) {
	m, err := s.RDB.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.hgetall: %w", err)
	}
	return m, nil
}

func (s *Store) HDel(ctx domain.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.RDB.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("op=store.hdel: %w", err)
	}
	return nil
}

func (s *Store) SAdd(ctx domain.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.RDB.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("op=store.sadd: %w", err)
	}
	return nil
}

func (s *Store) SMembers(ctx domain.Context, key string) ([]string, error) {
	vs, err := s.RDB.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.smembers: %w", err)
	}
	return vs, nil
}

func (s *Store) Publish(ctx domain.Context, channel, payload string) error {
	if err := s.RDB.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("op=store.publish: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub stream and confirms the subscription before
// returning, so a subsequent Publish is observable by the caller.
func (s *Store) Subscribe(ctx domain.Context, channel string) (domain.Subscription, error) {
	ps := s.RDB.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=store.subscribe: %w", err)
	}
	sub := &subscription{ps: ps, out: make(chan string, 64)}
	go sub.pump()
	return sub, nil
}

func (s *Store) ScanPrefix(ctx domain.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.RDB.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=store.scan: %w", err)
	}
	return keys, nil
}

func (s *Store) Ping(ctx domain.Context) error {
	if err := s.RDB.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=store.ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.RDB.Close() }

type subscription struct {
	ps  *redis.PubSub
	out chan string
}

func (s *subscription) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		s.out <- m.Payload
	}
}

func (s *subscription) Messages() <-chan string { return s.out }

func (s *subscription) Close() error { return s.ps.Close() }

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
