package database

import (
	"context"
	"fmt"
	"time"

	"github.com/medrecnet/platform/pkg/common/config"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedis returns a client even when the ping fails; callers treat the cache
// as optional and fall through to the database.
func NewRedis(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.WithError(err).Error("Failed to connect to Redis")
	} else {
		logger.Log.Info("Connected to Redis")
	}

	return client
}

func CloseRedis(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
