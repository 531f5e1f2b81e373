package redis

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"covdev/internal/storage"
)

// defaultPrefix namespaces every key written by the timeline tool.
const defaultPrefix = "covdev"

// KV stores client-local state in Redis.
type KV struct {
	conn   *redis.Client
	prefix string
}

// NewKV connects to the Redis instance at url and verifies it with a ping.
func NewKV(ctx context.Context, url, prefix string) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	conn := redis.NewClient(opts)
	if err := conn.Ping(ctx).Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewKVFromClient(conn, prefix), nil
}

// NewKVFromClient wraps an existing client.
func NewKVFromClient(conn *redis.Client, prefix string) *KV {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &KV{conn: conn, prefix: prefix}
}

// Close closes the underlying connection.
func (k *KV) Close() error {
	return k.conn.Close()
}

// key builds the namespaced key, e.g. "covdev:state:eth_price_eur".
func (k *KV) key(name string) string {
	return fmt.Sprintf("%s:state:%s", k.prefix, name)
}

func (k *KV) Get(ctx context.Context, key string) (string, error) {
	val, err := k.conn.Get(ctx, k.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return val, nil
}

func (k *KV) Set(ctx context.Context, key, value string) error {
	return k.conn.Set(ctx, k.key(key), value, 0).Err()
}

func (k *KV) Delete(ctx context.Context, key string) error {
	return k.conn.Del(ctx, k.key(key)).Err()
}
