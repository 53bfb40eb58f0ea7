package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRecordScript increments a plan's cost and call counters atomically.
// KEYS[1] = usage key
// ARGV[1] = cost in cents
// ARGV[2] = key TTL in seconds
var redisRecordScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local total = redis.call("HINCRBY", key, "cost_cents", cost)
local calls = redis.call("HINCRBY", key, "calls", 1)
redis.call("EXPIRE", key, ttl)

return {total, calls}
`)

// RedisStore keeps usage counters in Redis so budgets hold across
// processes sharing one plan.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store. Counters expire ttl after the last
// recorded call; a zero ttl defaults to 24h.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, ttl: ttl}
}

func usageKey(planID string) string {
	return fmt.Sprintf("quota:plan:%s", planID)
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, planID string) (Usage, error) {
	vals, err := s.client.HMGet(ctx, usageKey(planID), "cost_cents", "calls").Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis quota read: %w", err)
	}
	var u Usage
	if len(vals) == 2 {
		u.CostCents = parseCounter(vals[0])
		u.Calls = parseCounter(vals[1])
	}
	return u, nil
}

// Record implements Store.
func (s *RedisStore) Record(ctx context.Context, planID string, costCents int64) (Usage, error) {
	res, err := redisRecordScript.Run(ctx, s.client,
		[]string{usageKey(planID)}, costCents, int(s.ttl.Seconds())).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("redis quota record: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Usage{}, fmt.Errorf("invalid response from quota script")
	}
	total, _ := results[0].(int64)
	calls, _ := results[1].(int64)
	return Usage{CostCents: total, Calls: calls}, nil
}

// Close releases the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseCounter(v any) int64 {
	switch t := v.(type) {
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	case int64:
		return t
	default:
		return 0
	}
}
