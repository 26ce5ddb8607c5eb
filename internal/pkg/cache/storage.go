package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
)

// LimiterDatabase keeps rate limiter counters apart from queue keys in DB 0.
const LimiterDatabase = 1

// NewFiberStorage returns a fiber.Storage on the same Redis server as the
// cache client, using the given logical database.
func NewFiberStorage(database int) fiber.Storage {
	host, port := "localhost", 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: database,
		Reset:    false,
	})
}
