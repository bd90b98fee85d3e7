package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/readthrough-gateway/pkg/cache"
	"github.com/Sternrassler/readthrough-gateway/pkg/client"
	"github.com/Sternrassler/readthrough-gateway/pkg/gateway"
	"github.com/Sternrassler/readthrough-gateway/pkg/logging"
	"github.com/Sternrassler/readthrough-gateway/pkg/metrics"
	"github.com/Sternrassler/readthrough-gateway/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps POST bodies accepted by the proxy.
const maxBodyBytes = 1 << 20

type config struct {
	upstreamURL        string
	apiToken           string
	insecureSkipVerify bool
	backend            string
	redisURL           string
	memcacheAddr       string
	cachePrefix        string
	port               string
	logLevel           string
	logPretty          bool
	rateLimit          bool
	defaultTTL         time.Duration
	userAgent          string
}

func loadConfig() (config, error) {
	cfg := config{
		upstreamURL:  getEnv("UPSTREAM_BASE_URL", ""),
		apiToken:     getEnv("API_TOKEN", ""),
		backend:      getEnv("CACHE_BACKEND", "redis"),
		redisURL:     getEnv("REDIS_URL", "localhost:6379"),
		memcacheAddr: getEnv("MEMCACHE_ADDR", "localhost:11211"),
		cachePrefix:  getEnv("CACHE_PREFIX", "gw:"),
		port:         getEnv("PORT", "8080"),
		logLevel:     getEnv("LOG_LEVEL", "info"),
		userAgent:    getEnv("USER_AGENT", "readthrough-gateway/0.1.0"),
	}

	var err error
	if cfg.insecureSkipVerify, err = strconv.ParseBool(getEnv("TLS_INSECURE_SKIP_VERIFY", "false")); err != nil {
		return cfg, fmt.Errorf("TLS_INSECURE_SKIP_VERIFY: %w", err)
	}
	if cfg.logPretty, err = strconv.ParseBool(getEnv("LOG_PRETTY", "false")); err != nil {
		return cfg, fmt.Errorf("LOG_PRETTY: %w", err)
	}
	if cfg.rateLimit, err = strconv.ParseBool(getEnv("RATE_LIMIT_TRACKING", "true")); err != nil {
		return cfg, fmt.Errorf("RATE_LIMIT_TRACKING: %w", err)
	}

	seconds, err := strconv.Atoi(getEnv("DEFAULT_TTL", "600"))
	if err != nil || seconds < 1 {
		return cfg, fmt.Errorf("DEFAULT_TTL must be a positive number of seconds")
	}
	cfg.defaultTTL = time.Duration(seconds) * time.Second

	switch cfg.backend {
	case "redis", "memcache", "memory":
	default:
		return cfg, fmt.Errorf("CACHE_BACKEND must be redis, memcache or memory (got %q)", cfg.backend)
	}

	if cfg.upstreamURL == "" {
		return cfg, errors.New("UPSTREAM_BASE_URL is required")
	}

	return cfg, nil
}

func main() {
	cfg, err := loadConfig()

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.logLevel),
		Pretty:  cfg.logPretty,
		Output:  os.Stderr,
		Service: "gateway-proxy",
	})
	logger := logging.NewLogger("proxy")

	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.backend).Msg("Failed to set up cache store")
	}
	defer b.close()

	clientCfg := client.DefaultConfig(cfg.upstreamURL, cfg.apiToken)
	clientCfg.InsecureSkipVerify = cfg.insecureSkipVerify
	clientCfg.UserAgent = cfg.userAgent
	clientCfg.RateLimit = newRateLimiter(cfg, b)
	upstream, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create upstream client")
	}

	gw, err := gateway.New(gateway.Config{
		Upstream:   upstream,
		Store:      b.store,
		DefaultTTL: cfg.defaultTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway")
	}

	server := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           newRouter(gw, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", server.Addr).
		Str("upstream", cfg.upstreamURL).
		Str("backend", cfg.backend).
		Bool("rate_limit_tracking", cfg.rateLimit).
		Dur("default_ttl", cfg.defaultTTL).
		Str("user_agent", cfg.userAgent).
		Msg("Starting gateway proxy")

	if err := serve(ctx, server); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Gateway proxy stopped")
}

// serve runs server until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// backend is the configured cache store plus the Redis connection behind it, if any.
type backend struct {
	store cache.Store
	redis *redis.Client
	close func()
}

// newBackend builds the configured cache backend.
func newBackend(ctx context.Context, cfg config) (*backend, error) {
	switch cfg.backend {
	case "memcache":
		store, err := cache.NewMemcacheStoreFromServers(cfg.cachePrefix, strings.Split(cfg.memcacheAddr, ",")...)
		if err != nil {
			return nil, err
		}
		return &backend{store: store, close: func() {}}, nil

	case "memory":
		store := cache.NewMemoryStore()
		store.StartJanitor(ctx, time.Minute)
		return &backend{store: store, close: func() { store.Close() }}, nil

	default:
		opts, err := redisOptions(cfg.redisURL)
		if err != nil {
			return nil, err
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		store, err := cache.NewRedisStore(redisClient, cfg.cachePrefix)
		if err != nil {
			redisClient.Close()
			return nil, err
		}
		return &backend{store: store, redis: redisClient, close: func() { redisClient.Close() }}, nil
	}
}

// newRateLimiter returns the upstream rate limit tracker, shared through
// Redis when the cache lives there. Nil when tracking is disabled.
func newRateLimiter(cfg config, b *backend) *ratelimit.Tracker {
	if !cfg.rateLimit {
		return nil
	}
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Key = cfg.cachePrefix + "ratelimit"
	if b.redis != nil {
		rlCfg.Redis = b.redis
	}
	return ratelimit.NewTracker(rlCfg)
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}

func newRouter(gw *gateway.Gateway, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/{endpoint...}", apiHandler(gw, gateway.MethodGet, logger))
	mux.HandleFunc("POST /api/{endpoint...}", apiHandler(gw, gateway.MethodPost, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// apiHandler forwards /api/{endpoint...} through the gateway.
func apiHandler(gw *gateway.Gateway, method gateway.Method, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.PathValue("endpoint")
		reqLogger := logging.WithRequest(logger, string(method), endpoint)

		params, err := requestParams(w, r, method)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		req := gateway.Request{
			Method:    method,
			Endpoint:  endpoint,
			Params:    params,
			Cacheable: !noCache(r.Header),
		}
		if raw := r.Header.Get("X-Cache-TTL"); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("X-Cache-TTL must be whole seconds: %q", raw))
				return
			}
			req.TTL = time.Duration(seconds) * time.Second
		}

		value, err := gw.Request(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			reqLogger.Warn().Err(err).Int("status_code", status).Msg("Gateway request failed")
			writeError(w, status, err)
			return
		}

		writeJSON(w, http.StatusOK, value)
	}
}

// requestParams reads query parameters for GET and a JSON object body for POST.
func requestParams(w http.ResponseWriter, r *http.Request, method gateway.Method) (cache.Params, error) {
	if method == gateway.MethodGet {
		params := cache.Params{}
		for name, values := range r.URL.Query() {
			if len(values) == 1 {
				params[name] = values[0]
			} else {
				params[name] = values
			}
		}
		return params, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return cache.Params{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var params cache.Params
	if err := decoder.Decode(&params); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if params == nil {
		params = cache.Params{}
	}
	return params, nil
}

func noCache(h http.Header) bool {
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-cache", "no-store":
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	var invalidErr *client.InvalidRequestError
	switch {
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
