package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ratelimit_remaining",
		Help: "Upstream requests remaining in the current rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ratelimit_blocks_total",
		Help: "Total requests blocked because the upstream budget was spent",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ratelimit_throttles_total",
		Help: "Total requests delayed because the upstream budget was low",
	})
)

// ErrLimited is returned for requests held back until the window resets.
var ErrLimited = errors.New("upstream rate limit reached")

// Config holds tracker configuration.
type Config struct {
	// Redis shares state between processes. Nil keeps it in process.
	Redis redis.UniversalClient

	// Key is the Redis key for the shared state (default DefaultKey).
	Key string

	// BlockBelow blocks requests while Remaining < BlockBelow.
	BlockBelow int

	// ThrottleBelow delays requests by ThrottleDelay while Remaining < ThrottleBelow.
	ThrottleBelow int

	// ThrottleDelay defaults to 1s. Negative disables throttling.
	ThrottleDelay time.Duration

	// Logger defaults to the global logger with component=ratelimit.
	Logger *zerolog.Logger
}

// DefaultConfig returns an in-process tracker configuration.
func DefaultConfig() Config {
	return Config{
		Key:           DefaultKey,
		BlockBelow:    DefaultBlockBelow,
		ThrottleBelow: DefaultThrottleBelow,
		ThrottleDelay: time.Second,
	}
}

// Tracker records the upstream budget from response headers and gates requests.
type Tracker struct {
	redis  redis.UniversalClient
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local *State
}

// NewTracker creates a rate limit tracker.
func NewTracker(cfg Config) *Tracker {
	defaults := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = defaults.Key
	}
	if cfg.BlockBelow <= 0 {
		cfg.BlockBelow = defaults.BlockBelow
	}
	if cfg.ThrottleBelow <= 0 {
		cfg.ThrottleBelow = defaults.ThrottleBelow
	}
	if cfg.ThrottleDelay == 0 {
		cfg.ThrottleDelay = defaults.ThrottleDelay
	}

	logger := log.With().Str("component", "ratelimit").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Tracker{
		redis:  cfg.Redis,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current state, or nil when none is known or the
// recorded window has already reset.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	var state *State

	if t.redis != nil {
		data, err := t.redis.Get(ctx, t.config.Key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("get rate limit state: %w", err)
		}
		state = &State{}
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("parse rate limit state: %w", err)
		}
	} else {
		t.mu.Lock()
		if t.local != nil {
			copied := *t.local
			state = &copied
		}
		t.mu.Unlock()
	}

	if state == nil || state.Expired(t.now()) {
		return nil, nil
	}
	return state, nil
}

// UpdateFromHeaders records the budget reported by an upstream response.
// Responses without rate limit headers leave the state unchanged.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, statusCode int, headers http.Header) error {
	state, err := t.parseHeaders(statusCode, headers)
	if err != nil || state == nil {
		return err
	}

	if t.redis != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal rate limit state: %w", err)
		}
		// The key disappears with the window
		ttl := state.TimeUntilReset(state.LastUpdate) + time.Second
		if err := t.redis.Set(ctx, t.config.Key, data, ttl).Err(); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
	} else {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
	}

	rateLimitRemaining.Set(float64(state.Remaining))

	event := t.logger.Debug()
	switch {
	case state.Remaining < t.config.BlockBelow:
		event = t.logger.Warn()
	case state.Remaining < t.config.ThrottleBelow:
		event = t.logger.Info()
	}
	event.
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Msg("Upstream rate limit state updated")

	return nil
}

func (t *Tracker) parseHeaders(statusCode int, headers http.Header) (*State, error) {
	now := t.now()

	if statusCode == http.StatusTooManyRequests {
		if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
			wait, err := parseRetryAfter(retryAfter, now)
			if err != nil {
				return nil, err
			}
			return &State{Remaining: 0, ResetAt: now.Add(wait), LastUpdate: now}, nil
		}
	}

	remainHeader := headers.Get("X-RateLimit-Remaining")
	if remainHeader == "" {
		return nil, nil
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(remainHeader))
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetHeader := headers.Get("X-RateLimit-Reset")
	if resetHeader == "" {
		return nil, errors.New("X-RateLimit-Reset header missing")
	}
	reset, err := strconv.ParseInt(strings.TrimSpace(resetHeader), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	state := &State{Remaining: remaining, LastUpdate: now}
	// Large values are unix timestamps, small ones are seconds from now
	if reset > 1_000_000_000 {
		state.ResetAt = time.Unix(reset, 0)
	} else {
		state.ResetAt = now.Add(time.Duration(reset) * time.Second)
	}

	if limit := headers.Get("X-RateLimit-Limit"); limit != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(limit)); err == nil {
			state.Limit = n
		}
	}

	return state, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return time.Duration(seconds) * time.Second, nil
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("parse Retry-After header: %w", err)
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}

// Allow reports whether a request may be sent now. While the budget is low
// it first waits ThrottleDelay; while it is spent it returns false without
// waiting. State lookup errors are returned with allowed=true.
func (t *Tracker) Allow(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return true, err
	}
	if state == nil {
		return true, nil
	}

	if state.Remaining < t.config.BlockBelow {
		rateLimitBlocksTotal.Inc()
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset(t.now())).
			Msg("Upstream rate limit reached, blocking request")
		return false, nil
	}

	if state.Remaining < t.config.ThrottleBelow && t.config.ThrottleDelay > 0 {
		rateLimitThrottlesTotal.Inc()
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("delay", t.config.ThrottleDelay).
			Msg("Upstream rate limit low, throttling request")

		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}
