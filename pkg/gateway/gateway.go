package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/readthrough-gateway/pkg/cache"
	"github.com/Sternrassler/readthrough-gateway/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when a cacheable request does not set one.
const DefaultTTL = 600 * time.Second

// Method selects the upstream call a request is sent with.
type Method string

const (
	// MethodGet sends params as the query string.
	MethodGet Method = "GET"

	// MethodPost sends params as a JSON body.
	MethodPost Method = "POST"
)

// Upstream performs the real network calls. *client.Client implements it.
type Upstream interface {
	Get(ctx context.Context, endpoint string, params cache.Params) (any, error)
	Post(ctx context.Context, endpoint string, params cache.Params) (any, error)
}

// Request describes one logical upstream request.
type Request struct {
	Method    Method
	Endpoint  string
	Params    cache.Params
	Cacheable bool
	// TTL of the cached result; zero means the gateway default.
	TTL time.Duration
}

// Config holds the gateway configuration.
type Config struct {
	// Upstream performs cache misses and non-cacheable requests (required).
	Upstream Upstream

	// Store holds cached results (required).
	Store cache.Store

	// Policy controls which parameter values take part in the cache key.
	Policy cache.Policy

	// DefaultTTL applies when a request leaves TTL unset (default 600s).
	DefaultTTL time.Duration

	// Logger defaults to the global logger with component=gateway.
	Logger *zerolog.Logger
}

// Gateway is a read-through cache in front of an Upstream.
// At most one upstream fetch runs per cache key at any time; concurrent
// callers for the same key wait for that fetch and share its outcome.
type Gateway struct {
	upstream   Upstream
	store      cache.Store
	deriver    cache.Deriver
	defaultTTL time.Duration
	flights    singleflight.Group
	logger     zerolog.Logger
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("upstream is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("cache store is required")
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL == 0 {
		defaultTTL = DefaultTTL
	}
	if defaultTTL < time.Second {
		return nil, fmt.Errorf("default ttl must be at least 1s (got %v)", defaultTTL)
	}

	logger := log.With().Str("component", "gateway").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Gateway{
		upstream:   cfg.Upstream,
		store:      cfg.Store,
		deriver:    cache.Deriver{Policy: cfg.Policy},
		defaultTTL: defaultTTL,
		logger:     logger,
	}, nil
}

// RequestGet performs a GET through the cache. Requests are cacheable with
// the default TTL unless options say otherwise.
func (g *Gateway) RequestGet(ctx context.Context, endpoint string, params cache.Params, opts ...Option) (any, error) {
	return g.Request(ctx, g.newRequest(MethodGet, endpoint, params, opts))
}

// RequestPost performs a POST through the cache. Requests are cacheable with
// the default TTL unless options say otherwise.
func (g *Gateway) RequestPost(ctx context.Context, endpoint string, params cache.Params, opts ...Option) (any, error) {
	return g.Request(ctx, g.newRequest(MethodPost, endpoint, params, opts))
}

func (g *Gateway) newRequest(method Method, endpoint string, params cache.Params, opts []Option) Request {
	req := Request{
		Method:    method,
		Endpoint:  endpoint,
		Params:    params,
		Cacheable: true,
		TTL:       g.defaultTTL,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Request serves req from the cache or the upstream.
//
// Non-cacheable requests always go upstream and never touch the store.
// Cacheable requests return a stored value when present; on a miss one
// fetch runs per key, its result is stored for req.TTL and handed to
// every waiting caller. Failures are returned unchanged and never stored.
//
// A caller whose ctx ends stops waiting and gets ctx.Err(); the shared
// fetch carries on so other waiters and the cache still get its result.
func (g *Gateway) Request(ctx context.Context, req Request) (any, error) {
	if req.TTL == 0 {
		req.TTL = g.defaultTTL
	}
	if err := validate(req); err != nil {
		requestsTotal.WithLabelValues(string(req.Method), resultInvalid).Inc()
		return nil, err
	}

	if !req.Cacheable {
		requestsTotal.WithLabelValues(string(req.Method), resultBypass).Inc()
		g.logger.Debug().
			Str("method", string(req.Method)).
			Str("endpoint", req.Endpoint).
			Msg("Cache bypass")
		return g.call(ctx, req)
	}

	key := g.deriver.Key(req.Endpoint, req.Params, req.TTL)

	if value, ok := g.lookup(ctx, key); ok {
		requestsTotal.WithLabelValues(string(req.Method), resultHit).Inc()
		g.logger.Debug().
			Str("method", string(req.Method)).
			Str("key", key).
			Bool("cache_hit", true).
			Msg("Served from cache")
		return value, nil
	}

	ch := g.flights.DoChan(key, g.fetch(context.WithoutCancel(ctx), key, req))

	select {
	case res := <-ch:
		if res.Shared {
			sharedTotal.Inc()
		}
		if res.Err != nil {
			requestsTotal.WithLabelValues(string(req.Method), resultError).Inc()
			return nil, res.Err
		}
		requestsTotal.WithLabelValues(string(req.Method), resultMiss).Inc()
		g.logger.Debug().
			Str("method", string(req.Method)).
			Str("key", key).
			Bool("cache_hit", false).
			Bool("shared", res.Shared).
			Msg("Served from upstream")
		return res.Val, nil
	case <-ctx.Done():
		requestsTotal.WithLabelValues(string(req.Method), resultAbandoned).Inc()
		return nil, ctx.Err()
	}
}

// Key returns the cache key a cacheable request for (endpoint, params, ttl) uses.
func (g *Gateway) Key(endpoint string, params cache.Params, ttl time.Duration) string {
	if ttl == 0 {
		ttl = g.defaultTTL
	}
	return g.deriver.Key(endpoint, params, ttl)
}

// Invalidate removes the cached result for (endpoint, params, ttl).
func (g *Gateway) Invalidate(ctx context.Context, endpoint string, params cache.Params, ttl time.Duration) error {
	key := g.Key(endpoint, params, ttl)
	if err := g.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	g.logger.Debug().Str("key", key).Msg("Cache entry invalidated")
	return nil
}

// lookup reads key from the store. Store errors count as a miss.
func (g *Gateway) lookup(ctx context.Context, key string) (any, bool) {
	entry, err := g.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			g.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
		}
		return nil, false
	}
	return entry.Value, true
}

// fetch returns the single-flight body for key. ctx must not be cancellable
// by any one caller since the result is shared.
func (g *Gateway) fetch(ctx context.Context, key string, req Request) func() (any, error) {
	return func() (value any, err error) {
		inflightFetches.Inc()
		defer inflightFetches.Dec()

		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Str("key", key).Msg("Upstream fetch panicked")
				value, err = nil, fmt.Errorf("upstream fetch for %s panicked: %v", key, r)
			}
		}()

		// A flight that finished just before this one started may have filled the key
		if cached, ok := g.lookup(ctx, key); ok {
			return cached, nil
		}

		start := time.Now()
		value, err = g.call(ctx, req)
		fetchDuration.WithLabelValues(string(req.Method)).Observe(time.Since(start).Seconds())
		if err != nil {
			g.logger.Warn().
				Err(err).
				Str("method", string(req.Method)).
				Str("key", key).
				Msg("Upstream fetch failed, nothing cached")
			return nil, err
		}

		if err := g.store.Set(ctx, key, cache.NewEntry(key, value, req.TTL)); err != nil {
			g.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		} else {
			g.logger.Debug().
				Str("key", key).
				Dur("ttl", req.TTL).
				Msg("Cached response")
		}

		return value, nil
	}
}

// call sends req upstream.
func (g *Gateway) call(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodPost:
		return g.upstream.Post(ctx, req.Endpoint, req.Params)
	default:
		return g.upstream.Get(ctx, req.Endpoint, req.Params)
	}
}

func validate(req Request) error {
	switch req.Method {
	case MethodGet, MethodPost:
	default:
		return &client.InvalidRequestError{Field: "method", Reason: fmt.Sprintf("unsupported method %q", req.Method)}
	}

	if !hasSegment(req.Endpoint) {
		return &client.InvalidRequestError{Field: "endpoint", Reason: "must contain at least one path segment"}
	}

	if req.Cacheable && req.TTL < time.Second {
		return &client.InvalidRequestError{Field: "ttl", Reason: fmt.Sprintf("must be at least 1s (got %v)", req.TTL)}
	}

	return nil
}

func hasSegment(endpoint string) bool {
	for _, segment := range strings.Split(endpoint, "/") {
		if strings.TrimSpace(segment) != "" {
			return true
		}
	}
	return false
}
