// Package gateway implements a read-through cache in front of a remote
// HTTP/JSON API.
//
// # Basic Usage
//
//	upstream, err := client.New(client.DefaultConfig("https://api.example.com", os.Getenv("API_TOKEN")))
//	if err != nil {
//		return err
//	}
//
//	store, err := cache.NewRedisStore(redisClient, "gw:")
//	if err != nil {
//		return err
//	}
//
//	gw, err := gateway.New(gateway.Config{Upstream: upstream, Store: store})
//	if err != nil {
//		return err
//	}
//
//	// Cached for the default 600 seconds
//	users, err := gw.RequestGet(ctx, "users/search", cache.Params{"name": "Ann", "page": 1})
//
//	// Cached for 5 minutes
//	order, err := gw.RequestPost(ctx, "orders/quote", cache.Params{"sku": "A-1"}, gateway.WithTTL(5*time.Minute))
//
//	// Always upstream
//	fresh, err := gw.RequestGet(ctx, "users/me", nil, gateway.WithoutCache())
//
// # Concurrency
//
// Concurrent misses for one key collapse into a single upstream call;
// requests for different keys never wait on each other. Failures reach
// every waiter of the failed call and are not cached, so the next request
// for the key goes upstream again.
//
// # Metrics
//
//   - gateway_requests_total{method,result} - hit, miss, bypass, error, invalid, abandoned
//   - gateway_singleflight_shared_total - Callers served by a shared fetch
//   - gateway_inflight_fetches - Upstream fetches in flight
//   - gateway_fetch_duration_seconds{method} - Cache-miss fetch latency
package gateway
