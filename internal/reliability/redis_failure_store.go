package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisFailureStore persists failure records in Redis. Each record is a JSON
// string key; a sorted set scored by failure time indexes them.
type RedisFailureStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisFailureStoreOption configures the Redis failure store
type RedisFailureStoreOption func(*RedisFailureStore)

// WithKeyPrefix sets the key prefix
func WithKeyPrefix(prefix string) RedisFailureStoreOption {
	return func(s *RedisFailureStore) {
		s.prefix = prefix
	}
}

// WithRecordTTL expires individual records after ttl
func WithRecordTTL(ttl time.Duration) RedisFailureStoreOption {
	return func(s *RedisFailureStore) {
		s.ttl = ttl
	}
}

// NewRedisFailureStore creates a store on an existing client
func NewRedisFailureStore(client redis.UniversalClient, options ...RedisFailureStoreOption) *RedisFailureStore {
	s := &RedisFailureStore{
		client: client,
		prefix: "meshsched:failures:",
		ttl:    7 * 24 * time.Hour,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// DialRedisFailureStore connects to addr and verifies the connection
func DialRedisFailureStore(ctx context.Context, addr, password string, db int, options ...RedisFailureStoreOption) (*RedisFailureStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return NewRedisFailureStore(client, options...), nil
}

func (s *RedisFailureStore) recordKey(id string) string {
	return s.prefix + "rec:" + id
}

func (s *RedisFailureStore) indexKey() string {
	return s.prefix + "index"
}

// Store saves a failure record
func (s *RedisFailureStore) Store(ctx context.Context, rec *FailureRecord) error {
	if rec == nil {
		return &FailureStoreError{Op: "store", Err: ErrInvalidFailure}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &FailureStoreError{Op: "store", MessageID: rec.MessageID, Err: err}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(rec.FailedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return &FailureStoreError{Op: "store", MessageID: rec.MessageID, Err: err}
	}
	return nil
}

// Get retrieves a record by ID
func (s *RedisFailureStore) Get(ctx context.Context, id string) (*FailureRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &FailureStoreError{Op: "get", Err: fmt.Errorf("%w: %s", ErrFailureNotFound, id)}
	}
	if err != nil {
		return nil, &FailureStoreError{Op: "get", Err: err}
	}

	var rec FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &FailureStoreError{Op: "get", Err: fmt.Errorf("%w: %v", ErrInvalidFailure, err)}
	}
	return &rec, nil
}

// List returns the most recent records first. Index entries whose record
// has expired are skipped.
func (s *RedisFailureStore) List(ctx context.Context, limit int) ([]*FailureRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, &FailureStoreError{Op: "list", Err: err}
	}
	if len(ids) == 0 {
		return []*FailureRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &FailureStoreError{Op: "list", Err: err}
	}

	out := make([]*FailureRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec FailureRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sortByFailedAtDesc(out)
	return out, nil
}

// Stats returns failure statistics
func (s *RedisFailureStore) Stats(ctx context.Context) (*FailureStats, error) {
	recs, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	stats := &FailureStats{
		Total:       len(recs),
		ByCode:      make(map[string]int),
		LastUpdated: time.Now(),
	}
	for _, rec := range recs {
		stats.ByCode[rec.Code]++
	}
	return stats, nil
}

// Cleanup removes records older than the given age
func (s *RedisFailureStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	upper := "(" + strconv.FormatInt(cutoff, 10)

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, &FailureStoreError{Op: "cleanup", Err: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.recordKey(id))
		}
		pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", upper)
		return nil
	})
	if err != nil {
		return 0, &FailureStoreError{Op: "cleanup", Err: err}
	}
	return len(ids), nil
}

// Close closes the underlying client
func (s *RedisFailureStore) Close() error {
	return s.client.Close()
}
