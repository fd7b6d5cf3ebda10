/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package rediscache stores call history pages in Redis so that several
// softphone processes for the same agent share one history cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tejzpr/agent-softphone/calling"
)

// Config holds the configuration for the Redis history cache
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces the keys, typically by agent identity
	Prefix string
	// TTL bounds how long a page is served from the cache. Zero keeps pages
	// until the next first-page fetch invalidates them.
	TTL time.Duration
}

// DefaultConfig returns the default configuration for the Redis history cache
func DefaultConfig() *Config {
	return &Config{
		Addr:   "localhost:6379",
		Prefix: "softphone:history",
		TTL:    10 * time.Minute,
	}
}

// Cache implements calling.HistoryCache on Redis. Pages are stored as JSON
// under "<prefix>:page:<cursor>".
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ calling.HistoryCache = (*Cache)(nil)

// New creates a cache with its own Redis client
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewWithClient(client, config)
}

// NewWithClient creates a cache on an existing Redis client
func NewWithClient(client *redis.Client, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	return &Cache{client: client, prefix: prefix, ttl: config.TTL}
}

// Ping checks that Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(cursor string) string {
	if cursor == "" {
		cursor = "first"
	}
	return c.prefix + ":page:" + cursor
}

// Get returns the cached page for cursor. A missing key is not an error.
func (c *Cache) Get(ctx context.Context, cursor string) (calling.HistoryPage, bool, error) {
	val, err := c.client.Get(ctx, c.key(cursor)).Bytes()
	if errors.Is(err, redis.Nil) {
		return calling.HistoryPage{}, false, nil
	}
	if err != nil {
		return calling.HistoryPage{}, false, fmt.Errorf("reading history page: %w", err)
	}

	var page calling.HistoryPage
	if err := json.Unmarshal(val, &page); err != nil {
		return calling.HistoryPage{}, false, fmt.Errorf("decoding history page: %w", err)
	}
	return page, true, nil
}

// Set stores page under cursor with the configured TTL
func (c *Cache) Set(ctx context.Context, cursor string, page calling.HistoryPage) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("encoding history page: %w", err)
	}
	if err := c.client.Set(ctx, c.key(cursor), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing history page: %w", err)
	}
	return nil
}

// Invalidate deletes every page under the prefix
func (c *Cache) Invalidate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+":page:*", 100).Result()
		if err != nil {
			return fmt.Errorf("scanning history pages: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting history pages: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}
