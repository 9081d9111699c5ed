// Package cache provides the namespaced Redis cache in front of the external
// providers. Every entry is JSON with a per-namespace TTL; a cache outage
// degrades to pass-through rather than failing the pipeline.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace prefixes and their TTLs.
const (
	NamespaceCNPJ     = "cnpj"
	NamespaceCPF      = "cpf"
	NamespaceGeocode  = "geocode"
	NamespacePlaces   = "places"
	NamespaceAnalysis = "analysis"
)

var namespaceTTL = map[string]time.Duration{
	NamespaceCNPJ:     30 * 24 * time.Hour,
	NamespaceCPF:      7 * 24 * time.Hour,
	NamespaceGeocode:  30 * 24 * time.Hour,
	NamespacePlaces:   30 * 24 * time.Hour,
	NamespaceAnalysis: 30 * 24 * time.Hour,
}

// Stats counts hits and misses since process start.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Cache is the provider-facing cache interface. A nil or degraded cache is
// always safe to call.
type Cache interface {
	Get(ctx context.Context, namespace, key string, out any) (bool, error)
	Set(ctx context.Context, namespace, key string, value any) error
	Invalidate(ctx context.Context, namespace, key string) error
	Stats() Stats
	Healthy(ctx context.Context) bool
}

// Redis is the go-redis backed implementation.
type Redis struct {
	log    *slog.Logger
	client redis.UniversalClient

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// NewRedis wraps an already-connected client.
func NewRedis(log *slog.Logger, client redis.UniversalClient) *Redis {
	return &Redis{log: log, client: client}
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get unmarshals the cached entry into out. The boolean reports whether the
// key was present. A Redis failure is returned as an error but also counted,
// so callers can treat it as a miss.
func (c *Redis) Get(ctx context.Context, namespace, key string, out any) (bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(namespace, key)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		c.errors.Add(1)
		return false, fmt.Errorf("failed to read cache key %s: %w", cacheKey(namespace, key), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.errors.Add(1)
		c.log.Warn("cache: dropping corrupt entry", "key", cacheKey(namespace, key), "error", err)
		_ = c.client.Del(ctx, cacheKey(namespace, key)).Err()
		return false, nil
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores value under the namespace's TTL.
func (c *Redis) Set(ctx context.Context, namespace, key string, value any) error {
	ttl, ok := namespaceTTL[namespace]
	if !ok {
		return fmt.Errorf("unknown cache namespace: %s", namespace)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(namespace, key), raw, ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to write cache key %s: %w", cacheKey(namespace, key), err)
	}
	return nil
}

// Invalidate removes a single entry.
func (c *Redis) Invalidate(ctx context.Context, namespace, key string) error {
	if err := c.client.Del(ctx, cacheKey(namespace, key)).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to invalidate cache key %s: %w", cacheKey(namespace, key), err)
	}
	return nil
}

func (c *Redis) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *Redis) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Noop is the degraded cache used when Redis is unreachable at startup.
// Every Get is a miss and every Set succeeds silently.
type Noop struct{}

func (Noop) Get(context.Context, string, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, string, any) error         { return nil }
func (Noop) Invalidate(context.Context, string, string) error       { return nil }
func (Noop) Stats() Stats                                           { return Stats{} }
func (Noop) Healthy(context.Context) bool                           { return false }
