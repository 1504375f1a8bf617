// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/pipeflow/types"
)

// RedisStore is a Redis-based implementation of Store, suitable for
// distributed deployments. Each workflow's history lives in a list keyed by
// workflow ID; LLEN doubles as the latest version, which makes the
// compare-and-append a single Lua script (LLEN check + RPUSH).
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	batchSize int64
}

// saveScript appends the checkpoint only when the list length still equals
// the caller's expected version. Returns the new version, or -1 on conflict.
var saveScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if len ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return len + 1
`)

// RedisConfig Redis 存储配置
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
}

// NewRedisStore creates a Redis-backed checkpoint store and verifies the
// connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "pipeflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		batchSize: 64,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests (miniredis).
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "pipeflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		batchSize: 64,
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) historyKey(workflowID string) string {
	return s.keyPrefix + "history:" + workflowID
}

// Save implements Store via the compare-and-append Lua script.
func (s *RedisStore) Save(ctx context.Context, state *types.WorkflowState, expectedVersion int) (int, error) {
	version := expectedVersion + 1
	snapshot := state.Clone()
	snapshot.Version = version

	payload, err := json.Marshal(&types.Checkpoint{
		WorkflowID: state.WorkflowID,
		Version:    version,
		State:      snapshot,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	res, err := saveScript.Run(ctx, s.client,
		[]string{s.historyKey(state.WorkflowID)},
		expectedVersion, payload).Int64()
	if err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	if res < 0 {
		latest, lerr := s.client.LLen(ctx, s.historyKey(state.WorkflowID)).Result()
		if lerr != nil {
			latest = -1
		}
		return 0, errVersionConflict(state.WorkflowID, expectedVersion, int(latest))
	}
	return int(res), nil
}

// Latest implements Store.
func (s *RedisStore) Latest(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	raw, err := s.client.LIndex(ctx, s.historyKey(workflowID), -1).Result()
	if err == redis.Nil {
		return nil, errNotFound(workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return decodeCheckpoint(raw)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, workflowID string, version int) (*types.Checkpoint, error) {
	if version < 1 {
		return nil, errNotFound(workflowID)
	}
	raw, err := s.client.LIndex(ctx, s.historyKey(workflowID), int64(version-1)).Result()
	if err == redis.Nil {
		return nil, errNotFound(workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint v%d: %w", version, err)
	}
	return decodeCheckpoint(raw)
}

// History implements Store with LRANGE pagination.
func (s *RedisStore) History(ctx context.Context, workflowID string) Iterator {
	return &redisIterator{store: s, workflowID: workflowID}
}

type redisIterator struct {
	store      *RedisStore
	workflowID string
	cursor     int64 // index of the next element to fetch
	buf        []*types.Checkpoint
}

func (it *redisIterator) Next(ctx context.Context) (*types.Checkpoint, bool, error) {
	if len(it.buf) == 0 {
		raws, err := it.store.client.LRange(ctx,
			it.store.historyKey(it.workflowID),
			it.cursor, it.cursor+it.store.batchSize-1).Result()
		if err != nil {
			return nil, false, fmt.Errorf("load checkpoint history: %w", err)
		}
		if len(raws) == 0 {
			return nil, false, nil
		}
		for _, raw := range raws {
			cp, derr := decodeCheckpoint(raw)
			if derr != nil {
				return nil, false, derr
			}
			it.buf = append(it.buf, cp)
		}
		it.cursor += int64(len(raws))
	}

	cp := it.buf[0]
	it.buf = it.buf[1:]
	return cp, true, nil
}

func (it *redisIterator) Reset() {
	it.cursor = 0
	it.buf = nil
}

func decodeCheckpoint(raw string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
