package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatusStore is a Redis-backed StatusStore + RunIndex: a run's
// status lives at "<prefix>:status:<runID>" and its FinalResult (once
// published) at "<prefix>:final:<runID>", with every run ID recorded in
// a set at "<prefix>:running" while status is "running" so ListRunning
// doesn't need a KEYS scan.
type RedisStatusStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStatusStore wraps an existing go-redis client. prefix defaults
// to "flowcraft".
func NewRedisStatusStore(client *redis.Client, prefix string) *RedisStatusStore {
	if prefix == "" {
		prefix = "flowcraft"
	}
	return &RedisStatusStore{client: client, prefix: prefix}
}

func (s *RedisStatusStore) statusKey(runID string) string { return s.prefix + ":status:" + runID }
func (s *RedisStatusStore) finalKey(runID string) string  { return s.prefix + ":final:" + runID }
func (s *RedisStatusStore) runningSetKey() string         { return s.prefix + ":running" }

func (s *RedisStatusStore) SetStatus(ctx context.Context, runID string, status Status) error {
	if err := s.client.Set(ctx, s.statusKey(runID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("flow/distributed: set status: %w", err)
	}
	if status == StatusRunning {
		return s.client.ZAdd(ctx, s.runningSetKey(), redis.Z{Score: float64(time.Now().Unix()), Member: runID}).Err()
	}
	return s.client.ZRem(ctx, s.runningSetKey(), runID).Err()
}

func (s *RedisStatusStore) GetStatus(ctx context.Context, runID string) (Status, bool, error) {
	v, err := s.client.Get(ctx, s.statusKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Status(v), true, nil
}

func (s *RedisStatusStore) PublishFinalResult(ctx context.Context, runID string, result FinalResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("flow/distributed: encode final result: %w", err)
	}
	return s.client.Set(ctx, s.finalKey(runID), string(raw), 0).Err()
}

// FinalResult reads back runID's published result, if any.
func (s *RedisStatusStore) FinalResult(ctx context.Context, runID string) (FinalResult, bool, error) {
	raw, err := s.client.Get(ctx, s.finalKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return FinalResult{}, false, nil
	}
	if err != nil {
		return FinalResult{}, false, err
	}
	var result FinalResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return FinalResult{}, false, fmt.Errorf("flow/distributed: decode final result: %w", err)
	}
	return result, true, nil
}

// ListRunning reports run IDs whose SetStatus(..., StatusRunning) call
// predates olderThan, via the ZSet's score.
func (s *RedisStatusStore) ListRunning(ctx context.Context, olderThan time.Time) ([]RunRef, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.runningSetKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", olderThan.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("flow/distributed: list running: %w", err)
	}
	out := make([]RunRef, len(ids))
	for i, id := range ids {
		out[i] = RunRef{RunID: id}
	}
	return out, nil
}
