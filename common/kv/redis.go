package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as plain redis strings. ScanPrefix collects keys
// with SCAN MATCH and sorts client-side; redis key iteration is unordered.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects using params addr (default localhost:6379),
// password and db.
func NewRedisStore(params map[string]string) (*RedisStore, error) {
	addr := params["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if v := params["db"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db: %w", err)
		}
		db = n
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: params["password"],
		DB:       db,
	})
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]Pair, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	pairs := make([]Pair, 0, len(keys))
	if len(keys) == 0 {
		return pairs, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET; skip.
			continue
		}
		pairs = append(pairs, Pair{Key: keys[i], Value: []byte(str)})
	}
	return pairs, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
