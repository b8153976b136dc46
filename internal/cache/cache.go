package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/config"
)

var cacheMeter = otel.Meter("github.com/Additional-Code/cellar/cache")

// Store is the read-side order cache. Values are opaque bytes; the order service owns
// the encoding. Entries carry the order version they were built from.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value unless the entry under key already holds version or a newer one,
	// in which case it returns ErrStale.
	Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

var (
	// ErrCacheMiss indicates the key is absent from the cache.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStale indicates a write lost against an entry of the same or a newer version.
	ErrStale = errors.New("cache entry is not older than the write")
)

// setIfNewer keeps the version and payload of an entry in one hash so the compare and
// the write happen atomically inside redis.
var setIfNewer = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'v')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// fieldData is the hash field setIfNewer stores the payload under.
const fieldData = "d"

// Module provides the cache store to the Fx graph.
var Module = fx.Provide(NewStore)

// NewStore initialises the configured cache store (redis or noop).
func NewStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Cache.Driver {
	case "noop":
		logger.Info("order cache disabled; using noop store")
		return noopStore{}, nil
	case "redis":
		return newRedisStore(lc, cfg.Cache, logger)
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}

type noopStore struct{}

func (noopStore) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (noopStore) Set(context.Context, string, int64, []byte, time.Duration) error {
	return nil
}

func (noopStore) Delete(context.Context, string) error {
	return nil
}

type redisStore struct {
	client     *goredis.Client
	prefix     string
	defaultTTL time.Duration
	lookups    metric.Int64Counter
}

func newRedisStore(lc fx.Lifecycle, cfg config.Cache, logger *zap.Logger) (Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lookups, err := cacheMeter.Int64Counter("cellar.cache.lookups",
		metric.WithDescription("Order cache lookups by result"))
	if err != nil {
		logger.Warn("cache lookup counter unavailable", zap.Error(err))
	}

	store := &redisStore{
		client:     client,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		lookups:    lookups,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("ping redis: %w", err)
			}
			logger.Info("redis order cache connected",
				zap.String("addr", cfg.Redis.Addr),
				zap.String("prefix", cfg.KeyPrefix),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis order cache")
			return client.Close()
		},
	})

	return store, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrCacheMiss
	}
	res, err := s.client.HGet(ctx, namespaced(s.prefix, key), fieldData).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		s.observe(ctx, "miss")
		return nil, ErrCacheMiss
	case err != nil:
		s.observe(ctx, "error")
		return nil, err
	}
	s.observe(ctx, "hit")
	return res, nil
}

func (s *redisStore) Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	stored, err := setIfNewer.Run(ctx, s.client, []string{namespaced(s.prefix, key)},
		version, value, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if stored == 0 {
		return ErrStale
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return s.client.Del(ctx, namespaced(s.prefix, key)).Err()
}

func (s *redisStore) observe(ctx context.Context, result string) {
	if s.lookups == nil {
		return
	}
	s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// namespaced scopes key under prefix so several deployments can share one redis.
func namespaced(prefix, key string) string {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
