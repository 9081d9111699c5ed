package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the shared Redis client, nil when Redis is not configured.
// Callers degrade to uncached operation in that case.
var RedisClient *redis.Client

// LoadRedis connects to Redis when REDIS_ADDR is set. A missing address is
// not an error; an unreachable Redis is.
func LoadRedis(log *slog.Logger) error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Warn("REDIS_ADDR not set, provider caching disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}

	RedisClient = client
	log.Info("connected to Redis", "addr", addr)
	return nil
}

// CloseRedis closes the Redis client.
func CloseRedis() {
	if RedisClient != nil {
		_ = RedisClient.Close()
	}
}
