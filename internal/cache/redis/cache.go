// Package redis stores fetched images in Redis hashes.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/picfetch/internal/imagefetch"
)

const (
	fieldBody        = "body"
	fieldContentType = "content_type"
	fieldFinalURL    = "final_url"
	fieldStatus      = "status"
)

// Config captures the connection parameters.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// Cache implements imagefetch.Cache on top of a go-redis client.
type Cache struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// New dials Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Cache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "picfetch:"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Cache{client: client, prefix: prefix, timeout: timeout}
}

// Get returns the cached result. A missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) (imagefetch.FetchResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, c.prefix+key).Result()
	if err != nil {
		return imagefetch.FetchResult{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return imagefetch.FetchResult{}, false, nil
	}
	body := []byte(fields[fieldBody])
	status, _ := strconv.Atoi(fields[fieldStatus])
	return imagefetch.FetchResult{
		Body:        body,
		ContentType: fields[fieldContentType],
		ByteLength:  len(body),
		FinalURL:    fields[fieldFinalURL],
		StatusCode:  status,
	}, true, nil
}

// Set writes the result and its TTL in one transaction.
func (c *Cache) Set(ctx context.Context, key string, result imagefetch.FetchResult, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	redisKey := c.prefix + key
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey,
			fieldBody, result.Body,
			fieldContentType, result.ContentType,
			fieldFinalURL, result.FinalURL,
			fieldStatus, result.StatusCode,
		)
		if ttl > 0 {
			pipe.Expire(ctx, redisKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
