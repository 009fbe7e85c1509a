package nonce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient is the subset of redis.Client the store needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisStore is a Store shared across gateway instances, backed by Redis
// SET NX with a TTL so the first-use check stays atomic under concurrent
// delivery to different instances.
type RedisStore struct {
	client     RedisClient
	keyPrefix  string
	ownsClient bool
	logger     *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an externally owned Redis client. Close will not close
// the client.
func NewRedisStore(client RedisClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// NewRedisStoreFromConfig creates its own Redis client from cfg. Close will
// close it.
func NewRedisStoreFromConfig(cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		ownsClient: true,
		logger:     logger,
	}
}

func (s *RedisStore) buildKey(nonce string) string {
	return fmt.Sprintf("%s:webhook:nonce:%s", s.keyPrefix, nonce)
}

// TryRemember records nonce until expiresAt via SETNX. A Redis failure is
// surfaced as an unavailable error so operators can tell a dependency outage
// apart from an actual replay.
func (s *RedisStore) TryRemember(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(nonce) == "" {
		return false, ErrBlankNonce
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	ok, err := s.client.SetNX(ctx, s.buildKey(nonce), "1", ttl).Result()
	if err != nil {
		s.logger.Error("nonce store unreachable", zap.Error(err))
		return false, errors.WrapAPIError(err, errors.CategoryUnavailable, "nonce store unavailable", "redis error")
	}

	if !ok {
		s.logger.Warn("nonce replay detected", zap.String("nonce", nonce))
	}

	return ok, nil
}

// Close closes the Redis client only when this store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
