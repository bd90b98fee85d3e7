// Package client provides the upstream HTTP client used by the gateway:
// bearer-token auth, TLS verification control, retry with backoff and
// JSON decoding of response bodies.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/readthrough-gateway/pkg/cache"
	"github.com/Sternrassler/readthrough-gateway/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_requests_total",
		Help: "Total upstream requests by method and status",
	}, []string{"method", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// maxErrorBody caps how much of a failed response body is kept in errors.
const maxErrorBody = 4 << 10

// Client performs GET and POST calls against the upstream API and
// returns the decoded JSON body.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to relative endpoints. Absolute endpoints are used as-is.
	BaseURL string

	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds a single attempt (default 30s).
	Timeout time.Duration

	// UserAgent header value.
	UserAgent string

	// Retry policy for server, rate limit and network failures.
	Retry RetryConfig

	// RateLimit, when set, holds requests back while the upstream reports
	// its budget as spent and is updated from every response.
	RateLimit *ratelimit.Tracker

	// HTTPClient overrides the constructed client; Timeout and
	// InsecureSkipVerify are then ignored.
	HTTPClient *http.Client

	// Logger defaults to the global logger with component=upstream-client.
	Logger *zerolog.Logger
}

// DefaultConfig returns a default configuration for the given base URL and token.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		Timeout:   30 * time.Second,
		UserAgent: "readthrough-gateway/0.1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
		}
		base = parsed
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
		}
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}

	logger := log.With().Str("component", "upstream-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Get performs a GET request with params encoded as the query string.
func (c *Client) Get(ctx context.Context, endpoint string, params cache.Params) (any, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	query := target.Query()
	for name, values := range EncodeQuery(params) {
		for _, v := range values {
			query.Add(name, v)
		}
	}
	target.RawQuery = query.Encode()

	return c.do(ctx, http.MethodGet, target.String(), nil)
}

// Post performs a POST request with params as a JSON object body.
func (c *Client) Post(ctx context.Context, endpoint string, params cache.Params) (any, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = cache.Params{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, &InvalidRequestError{Field: "params", Reason: err.Error()}
	}

	return c.do(ctx, http.MethodPost, target.String(), body)
}

// do executes the request with retry and decodes the JSON body.
func (c *Client) do(ctx context.Context, method, target string, body []byte) (any, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	var data []byte

	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() (ErrorClass, error) {
		if class, err := c.admit(ctx, method, target); err != nil {
			return class, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return ErrorClassClient, &InvalidRequestError{Field: "endpoint", Reason: err.Error()}
		}
		c.setHeaders(req, body != nil)

		c.logger.Debug().
			Str("method", method).
			Str("url", target).
			Msg("Executing upstream request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			upstreamRequestsTotal.WithLabelValues(method, "network_error").Inc()
			c.logger.Warn().Err(err).Str("method", method).Str("url", target).Msg("Upstream request failed")
			return ErrorClassNetwork, &TransportError{
				Method: method,
				URL:    target,
				Class:  ErrorClassNetwork,
				Err:    err,
			}
		}
		defer resp.Body.Close()

		upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		if c.config.RateLimit != nil {
			if err := c.config.RateLimit.UpdateFromHeaders(ctx, resp.StatusCode, resp.Header); err != nil {
				c.logger.Warn().Err(err).Str("url", target).Msg("Failed to record rate limit state")
			}
		}

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return ErrorClassNetwork, &TransportError{
				Method:     method,
				URL:        target,
				StatusCode: resp.StatusCode,
				Class:      ErrorClassNetwork,
				Err:        fmt.Errorf("read response body: %w", err),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			class := classifyStatus(resp.StatusCode)
			upstreamErrorsTotal.WithLabelValues(string(class)).Inc()

			c.logger.Warn().
				Str("method", method).
				Str("url", target).
				Int("status_code", resp.StatusCode).
				Str("error_class", string(class)).
				Msg("Upstream request error")

			if len(payload) > maxErrorBody {
				payload = payload[:maxErrorBody]
			}
			return class, &TransportError{
				Method:     method,
				URL:        target,
				StatusCode: resp.StatusCode,
				Class:      class,
				Err:        errors.New(strings.TrimSpace(string(payload))),
			}
		}

		data = payload
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	return decodeBody(target, data)
}

// admit consults the rate limit tracker before an attempt.
// Tracker lookup failures let the request through.
func (c *Client) admit(ctx context.Context, method, target string) (ErrorClass, error) {
	if c.config.RateLimit == nil {
		return "", nil
	}

	allowed, err := c.config.RateLimit.Allow(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ErrorClassNetwork, &TransportError{Method: method, URL: target, Class: ErrorClassNetwork, Err: ctxErr}
		}
		c.logger.Warn().Err(err).Msg("Rate limit state unavailable, sending request")
		return "", nil
	}
	if !allowed {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
		return ErrorClassRateLimit, &TransportError{
			Method: method,
			URL:    target,
			Class:  ErrorClassRateLimit,
			Err:    ratelimit.ErrLimited,
		}
	}
	return "", nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

// resolve turns an endpoint into an absolute URL.
func (c *Client) resolve(endpoint string) (*url.URL, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, &InvalidRequestError{Field: "endpoint", Reason: "must not be empty"}
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, &InvalidRequestError{Field: "endpoint", Reason: err.Error()}
	}
	if ref.IsAbs() {
		return ref, nil
	}

	if c.baseURL == nil {
		return nil, &InvalidRequestError{Field: "endpoint", Reason: fmt.Sprintf("relative endpoint %q without base url", endpoint)}
	}

	resolved := *c.baseURL
	resolved.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	resolved.RawPath = ""
	if ref.RawQuery != "" {
		resolved.RawQuery = ref.RawQuery
	}
	return &resolved, nil
}

// decodeBody decodes a JSON body into a generic tree. An empty body decodes to nil.
func decodeBody(target string, data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		upstreamErrorsTotal.WithLabelValues("decode").Inc()
		return nil, &DecodeError{URL: target, Body: data, Err: err}
	}
	return value, nil
}

// EncodeQuery converts params into query values. Nil values are skipped,
// slices repeat the parameter name, maps become name[key] pairs and
// booleans are sent as 1 or 0.
func EncodeQuery(params cache.Params) url.Values {
	values := url.Values{}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		encodeQueryValue(values, name, params[name])
	}
	return values
}

func encodeQueryValue(values url.Values, name string, value any) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		values.Add(name, v)
	case bool:
		if v {
			values.Add(name, "1")
		} else {
			values.Add(name, "0")
		}
	case json.Number:
		values.Add(name, v.String())
	case float64:
		values.Add(name, strconv.FormatFloat(v, 'f', -1, 64))
	case float32:
		values.Add(name, strconv.FormatFloat(float64(v), 'f', -1, 32))
	case []any:
		for _, item := range v {
			encodeQueryValue(values, name, item)
		}
	case []string:
		for _, item := range v {
			values.Add(name, item)
		}
	case []int:
		for _, item := range v {
			values.Add(name, strconv.Itoa(item))
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			encodeQueryValue(values, name+"["+key+"]", v[key])
		}
	case cache.Params:
		encodeQueryValue(values, name, map[string]any(v))
	default:
		values.Add(name, fmt.Sprint(v))
	}
}
