package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0,
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// SetIfAbsent stores value under key only when the key does not exist yet.
// It reports whether this call created the key.
func SetIfAbsent(c context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return GetClient().SetNX(c, key, value, expiration).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

var deleteIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIfValue removes key only while it still holds value. It reports
// whether the key was deleted.
func DeleteIfValue(c context.Context, key, value string) (bool, error) {
	n, err := deleteIfValueScript.Run(c, GetClient(), []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
