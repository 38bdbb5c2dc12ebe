package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeadLetterEntry is the record kept for an evicted operation.
type DeadLetterEntry struct {
	Operation events.OperationEventPayload `json:"operation"`
	EvictedAt time.Time                    `json:"evicted_at"`
}

// DeadLetterSink keeps a capped redis list of evicted operations for operators.
type DeadLetterSink struct {
	client *redis.Client
	key    string
	limit  int64
	logger *zerolog.Logger
}

func NewDeadLetterSink(client *redis.Client, prefix string, limit int, logger *zerolog.Logger) *DeadLetterSink {
	if prefix == "" {
		prefix = models.DefaultRedisPrefix
	}
	if limit <= 0 {
		limit = models.DeadLetterLimit
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DeadLetterSink{
		client: client,
		key:    prefix + ":deadletter",
		limit:  int64(limit),
		logger: logger,
	}
}

// Key returns the redis list holding dead letters, newest first.
func (s *DeadLetterSink) Key() string {
	return s.key
}

func (s *DeadLetterSink) Push(ctx context.Context, op events.OperationEventPayload) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	data, err := json.Marshal(DeadLetterEntry{Operation: op, EvictedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, 0, s.limit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List returns up to n dead letters, newest first.
func (s *DeadLetterSink) List(ctx context.Context, n int64) ([]DeadLetterEntry, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if n <= 0 {
		n = s.limit
	}

	raws, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	entries := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Attach subscribes the sink to eviction events on bus.
func (s *DeadLetterSink) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventOperationEvicted, func(ev *events.Event) error {
		payload, err := events.DecodeOperation(ev)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to decode eviction event")
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Push(ctx, payload); err != nil {
			s.logger.Error().Err(err).Str("operation_id", payload.OperationID).Msg("Failed to store dead letter")
			return err
		}
		return nil
	})
}
