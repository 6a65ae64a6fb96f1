// ABOUTME: Redis implementation of the session Store for multi-process deployments.
// ABOUTME: Snapshots are CBOR strings, message logs are lists, alarms live in a sorted set.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-relay/internal/codec"
	"github.com/2389/coven-relay/internal/llm"
)

// DefaultRedisPrefix namespaces every key.
const DefaultRedisPrefix = "coven-relay:"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) stateKey(key string) string    { return r.prefix + "state:" + key }
func (r *RedisStore) messagesKey(key string) string { return r.prefix + "messages:" + key }
func (r *RedisStore) indexKey() string              { return r.prefix + "sessions" }
func (r *RedisStore) alarmsKey() string             { return r.prefix + "alarms" }
func (r *RedisStore) configKey() string             { return r.prefix + "config" }

// LoadSnapshot returns the stored snapshot or ErrNotFound.
func (r *RedisStore) LoadSnapshot(ctx context.Context, key string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.stateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap Snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot writes the snapshot, its index entry, and its alarm atomically.
func (r *RedisStore) SaveSnapshot(ctx context.Context, key string, snap *Snapshot) error {
	data, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.stateKey(key), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: key})
		if snap.AlarmAt.IsZero() {
			pipe.ZRem(ctx, r.alarmsKey(), key)
		} else {
			pipe.ZAdd(ctx, r.alarmsKey(), redis.Z{Score: float64(snap.AlarmAt.UnixMilli()), Member: key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Messages returns the full log in index order.
func (r *RedisStore) Messages(ctx context.Context, key string) ([]llm.Message, error) {
	items, err := r.client.LRange(ctx, r.messagesKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	out := make([]llm.Message, 0, len(items))
	for _, it := range items {
		var m llm.Message
		if err := json.Unmarshal([]byte(it), &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendMessage pushes msg and returns its index.
func (r *RedisStore) AppendMessage(ctx context.Context, key string, msg llm.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}
	n, err := r.client.RPush(ctx, r.messagesKey(key), data).Result()
	if err != nil {
		return 0, fmt.Errorf("appending message: %w", err)
	}
	return int(n) - 1, nil
}

// ReplaceMessages rewrites the list in a MULTI block.
func (r *RedisStore) ReplaceMessages(ctx context.Context, key string, msgs []llm.Message) error {
	encoded := make([]any, 0, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding message %d: %w", i, err)
		}
		encoded = append(encoded, data)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.messagesKey(key))
		if len(encoded) > 0 {
			pipe.RPush(ctx, r.messagesKey(key), encoded...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replacing messages: %w", err)
	}
	return nil
}

// ListSessions returns every session's metadata, most recently updated first.
func (r *RedisStore) ListSessions(ctx context.Context) ([]Meta, error) {
	keys, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]Meta, 0, len(keys))
	for _, k := range keys {
		snap, err := r.LoadSnapshot(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Meta)
	}
	return out, nil
}

// ListAlarms returns every armed alarm.
func (r *RedisStore) ListAlarms(ctx context.Context) (map[string]time.Time, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.alarmsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing alarms: %w", err)
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out[member] = time.UnixMilli(int64(z.Score)).UTC()
	}
	return out, nil
}

// GetConfig returns a runtime setting or ErrNotFound.
func (r *RedisStore) GetConfig(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.configKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading config %s: %w", key, err)
	}
	return v, nil
}

// SetConfig writes a runtime setting.
func (r *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.configKey(), key, value).Err(); err != nil {
		return fmt.Errorf("writing config %s: %w", key, err)
	}
	return nil
}

// ListConfig returns every runtime setting.
func (r *RedisStore) ListConfig(ctx context.Context) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, r.configKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing config: %w", err)
	}
	return m, nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
