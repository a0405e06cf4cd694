package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSlot stores the active session under a single Redis key so that it
// survives a process restart and can be inspected by other instances.
type RedisSlot struct {
	client *redis.Client
	key    string
}

var _ Slot = (*RedisSlot)(nil)

// RedisConfig holds connection settings for [NewRedisSlot].
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Key defaults to [DefaultSlotKey].
	Key string
}

// NewRedisSlot connects to Redis and verifies the connection with PING.
func NewRedisSlot(ctx context.Context, cfg RedisConfig) (*RedisSlot, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: connect to redis at %s: %w", cfg.Addr, err)
	}
	key := cfg.Key
	if key == "" {
		key = DefaultSlotKey
	}
	return &RedisSlot{client: client, key: key}, nil
}

func (r *RedisSlot) Claim(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("session: claim slot: %w", err)
	}
	if !ok {
		return ErrSessionActive
	}
	return nil
}

func (r *RedisSlot) Load(ctx context.Context) (Record, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("session: load slot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("session: decode record: %w", err)
	}
	return rec, true, nil
}

func (r *RedisSlot) Save(ctx context.Context, rec Record) error {
	cur, ok, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if !ok || cur.ID != rec.ID {
		return ErrNoActiveSession
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	if err := r.client.SetXX(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("session: save slot: %w", err)
	}
	return nil
}

func (r *RedisSlot) Clear(ctx context.Context, id string) error {
	cur, ok, err := r.Load(ctx)
	if err != nil || !ok || cur.ID != id {
		return err
	}
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("session: clear slot: %w", err)
	}
	return nil
}

func (r *RedisSlot) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (r *RedisSlot) Close() error {
	return r.client.Close()
}
