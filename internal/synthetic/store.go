package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistorySize is the number of results kept and reported.
const HistorySize = 100

// Result is the outcome of one check run.
type Result struct {
	Check     string    `json:"check"`
	Status    int       `json:"status"`
	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Store keeps recent results, newest first.
type Store interface {
	Add(ctx context.Context, results ...Result) error
	Recent(ctx context.Context, limit int) ([]Result, error)
}

// MemoryStore is a bounded in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	results []Result
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add records results.
func (s *MemoryStore) Add(_ context.Context, results ...Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		s.results = append([]Result{r}, s.results...)
	}
	if len(s.results) > HistorySize {
		s.results = s.results[:HistorySize]
	}
	return nil
}

// Recent returns up to limit results, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.results) {
		limit = len(s.results)
	}
	out := make([]Result, limit)
	copy(out, s.results[:limit])
	return out, nil
}

const redisResultsKey = "synthetic:results"

// RedisStore keeps results in a capped Redis list so every instance reports
// the same history.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Add pushes results and trims the list to HistorySize.
func (s *RedisStore) Add(ctx context.Context, results ...Result) error {
	if len(results) == 0 {
		return nil
	}

	values := make([]any, 0, len(results))
	for _, r := range results {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		values = append(values, b)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisResultsKey, values...)
	pipe.LTrim(ctx, redisResultsKey, 0, HistorySize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store results: %w", err)
	}
	return nil
}

// Recent returns up to limit results, newest first.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 || limit > HistorySize {
		limit = HistorySize
	}

	raw, err := s.client.LRange(ctx, redisResultsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}

	results := make([]Result, 0, len(raw))
	for _, item := range raw {
		var r Result
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
