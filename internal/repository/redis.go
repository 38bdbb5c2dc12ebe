package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the pending queue in a single hash keyed by operation id.
type RedisStore struct {
	client *redis.Client
	key    string
}

// redisRecord stores the payload as a string so it is not re-encoded on the way in.
type redisRecord struct {
	ID         string               `json:"id"`
	Kind       models.OperationKind `json:"kind"`
	Resource   string               `json:"resource"`
	Payload    string               `json:"payload"`
	EnqueuedAt int64                `json:"enqueued_at"`
	RetryCount int                  `json:"retry_count"`
}

func newRedisRecord(op models.PendingOperation) redisRecord {
	return redisRecord{
		ID:         op.ID,
		Kind:       op.Kind,
		Resource:   op.Resource,
		Payload:    string(op.Payload),
		EnqueuedAt: op.EnqueuedAt,
		RetryCount: op.RetryCount,
	}
}

func (r redisRecord) operation() models.PendingOperation {
	return models.PendingOperation{
		ID:         r.ID,
		Kind:       r.Kind,
		Resource:   r.Resource,
		Payload:    json.RawMessage(r.Payload),
		EnqueuedAt: r.EnqueuedAt,
		RetryCount: r.RetryCount,
	}
}

// NewRedisClient builds a client from the redis config section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = models.DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		key:    prefix + ":ops",
	}
}

// Key returns the hash holding the queue.
func (r *RedisStore) Key() string {
	return r.key
}

func (r *RedisStore) LoadAll(ctx context.Context) ([]models.PendingOperation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load operations from redis: %w", err)
	}

	ops := make([]models.PendingOperation, 0, len(fields))
	for id, raw := range fields {
		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation %s: %w", id, err)
		}
		ops = append(ops, rec.operation())
	}

	// Hash iteration order is random; ties on EnqueuedAt fall back to id.
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].EnqueuedAt != ops[j].EnqueuedAt {
			return ops[i].EnqueuedAt < ops[j].EnqueuedAt
		}
		return ops[i].ID < ops[j].ID
	})

	return ops, nil
}

// SaveAll replaces the hash contents inside MULTI/EXEC.
func (r *RedisStore) SaveAll(ctx context.Context, ops []models.PendingOperation) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	values := make([]interface{}, 0, len(ops)*2)
	seen := make(map[string]struct{}, len(ops))
	for i := range ops {
		if _, dup := seen[ops[i].ID]; dup {
			return fmt.Errorf("duplicate operation id %s", ops[i].ID)
		}
		seen[ops[i].ID] = struct{}{}

		data, err := json.Marshal(newRedisRecord(ops[i]))
		if err != nil {
			return fmt.Errorf("failed to marshal operation %s: %w", ops[i].ID, err)
		}
		values = append(values, ops[i].ID, data)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(values) > 0 {
			pipe.HSet(ctx, r.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save operations to redis: %w", err)
	}

	return nil
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
