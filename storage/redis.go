package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

// RedisBackend keeps each namespace in one Redis hash named <prefix>:<namespace>.
type RedisBackend struct {
	client      *redis.Client
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewRedisBackend connects to the server described by a redis:// or rediss://
// URI. The optional "prefix" query parameter namespaces the hashes (default
// "enroll"); every other parameter is handed to redis.ParseURL.
func NewRedisBackend(rawURI string, log *slog.Logger) (*RedisBackend, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	query := u.Query()
	prefix := query.Get("prefix")
	if prefix == "" {
		prefix = "enroll"
	}
	query.Del("prefix")
	u.RawQuery = query.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	redacted := *u
	if _, hasPassword := redacted.User.Password(); hasPassword {
		redacted.User = url.UserPassword(redacted.User.Username(), "***")
	}

	return &RedisBackend{
		client:      redis.NewClient(opts),
		prefix:      prefix,
		log:         log,
		locationURI: redacted.String(),
	}, nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client, prefix string, log *slog.Logger) *RedisBackend {
	return &RedisBackend{
		client:      client,
		prefix:      prefix,
		log:         log,
		locationURI: "redis://" + client.Options().Addr,
	}
}

func (b *RedisBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	data, err := b.client.HGet(ctx, b.hashName(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Redis", slog.String("hash", b.hashName(ns)), "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return data, nil
}

func (b *RedisBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	if err := b.client.HSet(ctx, b.hashName(ns), key, data).Err(); err != nil {
		b.log.Error("Failed to write to Redis", slog.String("hash", b.hashName(ns)), "err", err)
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Stored record in Redis", slog.String("hash", b.hashName(ns)))
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	if err := b.client.HDel(ctx, b.hashName(ns), key).Err(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	keys, err := b.client.HKeys(ctx, b.hashName(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available pings the server.
func (b *RedisBackend) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.client.Ping(pingCtx).Err(); err != nil {
		b.log.Debug("Redis backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *RedisBackend) Name() string {
	return fmt.Sprintf("redis-%s", b.prefix)
}

func (b *RedisBackend) LocationURI() string {
	return b.locationURI
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) hashName(ns interfaces.Namespace) string {
	return b.prefix + ":" + ns.String()
}
