package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mentormesh/core/pkg/kv"
)

// upstreamResponse is a fully buffered backend response. The same
// shape is proxied to the client and stored in the response cache.
type upstreamResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// ResponseCache stores GET responses in the shared store under
// gateway_cache:{method}:{path}. The query string is part of the key,
// otherwise filtered listings would shadow each other.
type ResponseCache struct {
	store  kv.Store
	logger *slog.Logger
}

// NewResponseCache creates the cache.
func NewResponseCache(store kv.Store) *ResponseCache {
	return &ResponseCache{
		store:  store,
		logger: slog.Default().With("component", "gateway.cache"),
	}
}

func cacheKey(method, requestURI string) string {
	return "gateway_cache:" + method + ":" + requestURI
}

// Lookup returns the cached response for the key, if any.
func (c *ResponseCache) Lookup(ctx context.Context, key string) (*upstreamResponse, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNil) {
			c.logger.Warn("Cache lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	var resp upstreamResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		_ = c.store.Del(ctx, key)
		return nil, false
	}
	return &resp, true
}

// Store caches the response for ttl. Failures only log; the client
// already has its answer.
func (c *ResponseCache) Store(ctx context.Context, key string, resp *upstreamResponse, ttl time.Duration) {
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("Cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(raw), ttl); err != nil {
		c.logger.Warn("Cache store failed", "key", key, "error", err)
	}
}

// Invalidate removes cached entries for the given keys.
func (c *ResponseCache) Invalidate(ctx context.Context, keys ...string) error {
	return c.store.Del(ctx, keys...)
}
