package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/repository"
)

// RedisModelRegistry keeps model entries in a hash keyed by model key plus a
// sorted set ordered by creation time for Latest.
type RedisModelRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisModelRegistry creates a registry under <prefix>:models.
func NewRedisModelRegistry(client *redis.Client, prefix string) repository.ModelRegistry {
	if prefix == "" {
		prefix = "cnnforecast"
	}
	return &RedisModelRegistry{client: client, prefix: prefix}
}

func (r *RedisModelRegistry) hashKey() string  { return r.prefix + ":models" }
func (r *RedisModelRegistry) orderKey() string { return r.prefix + ":models:by_time" }

func (r *RedisModelRegistry) Register(ctx context.Context, info models.ModelInfo) error {
	if info.Key == "" {
		return fmt.Errorf("register model: empty key")
	}
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("register model %s: %w", info.Key, err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.hashKey(), info.Key, b)
	pipe.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(info.CreatedAt.UnixMilli()), Member: info.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register model %s: %w", info.Key, err)
	}
	return nil
}

func (r *RedisModelRegistry) Get(ctx context.Context, key string) (models.ModelInfo, error) {
	b, err := r.client.HGet(ctx, r.hashKey(), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ModelInfo{}, fmt.Errorf("%w: %s", repository.ErrModelNotFound, key)
		}
		return models.ModelInfo{}, fmt.Errorf("get model %s: %w", key, err)
	}
	var info models.ModelInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return models.ModelInfo{}, fmt.Errorf("decode model %s: %w", key, err)
	}
	return info, nil
}

func (r *RedisModelRegistry) Latest(ctx context.Context) (models.ModelInfo, error) {
	keys, err := r.client.ZRevRange(ctx, r.orderKey(), 0, 0).Result()
	if err != nil {
		return models.ModelInfo{}, fmt.Errorf("latest model: %w", err)
	}
	if len(keys) == 0 {
		return models.ModelInfo{}, repository.ErrModelNotFound
	}
	return r.Get(ctx, keys[0])
}

// List returns every registered model, newest first.
func (r *RedisModelRegistry) List(ctx context.Context) ([]models.ModelInfo, error) {
	all, err := r.client.HGetAll(ctx, r.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]models.ModelInfo, 0, len(all))
	for _, v := range all {
		var info models.ModelInfo
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sortNewestFirst(out)
	return out, nil
}

// MemoryModelRegistry is an in-process registry for runs without Redis.
type MemoryModelRegistry struct {
	mu     sync.RWMutex
	models map[string]models.ModelInfo
}

// NewMemoryModelRegistry creates an empty in-process registry.
func NewMemoryModelRegistry() repository.ModelRegistry {
	return &MemoryModelRegistry{models: make(map[string]models.ModelInfo)}
}

func (r *MemoryModelRegistry) Register(_ context.Context, info models.ModelInfo) error {
	if info.Key == "" {
		return fmt.Errorf("register model: empty key")
	}
	r.mu.Lock()
	r.models[info.Key] = info
	r.mu.Unlock()
	return nil
}

func (r *MemoryModelRegistry) Get(_ context.Context, key string) (models.ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.models[key]
	if !ok {
		return models.ModelInfo{}, fmt.Errorf("%w: %s", repository.ErrModelNotFound, key)
	}
	return info, nil
}

func (r *MemoryModelRegistry) Latest(ctx context.Context) (models.ModelInfo, error) {
	all, _ := r.List(ctx)
	if len(all) == 0 {
		return models.ModelInfo{}, repository.ErrModelNotFound
	}
	return all[0], nil
}

func (r *MemoryModelRegistry) List(_ context.Context) ([]models.ModelInfo, error) {
	r.mu.RLock()
	out := make([]models.ModelInfo, 0, len(r.models))
	for _, v := range r.models {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(infos []models.ModelInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
}
