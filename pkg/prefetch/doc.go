// Package prefetch warms the gateway cache by issuing a batch of requests in parallel.
//
// Example usage:
//
//	p := prefetch.New(gw, prefetch.DefaultConfig())
//	results, err := p.Run(ctx, []gateway.Request{
//		{Method: gateway.MethodGet, Endpoint: "products/list", Params: cache.Params{"page": 1}, Cacheable: true},
//		{Method: gateway.MethodGet, Endpoint: "products/list", Params: cache.Params{"page": 2}, Cacheable: true},
//	})
//
// The prefetcher:
//   - Spawns a worker pool (default 8 workers, never more than the batch size)
//   - Applies a per-request timeout on top of the caller context
//   - Returns one Result per request in input order, partial failures included
//   - Stops starting new requests once the context ends
//
// Requests for the same cache key in one batch are collapsed by the gateway
// into a single upstream call.
package prefetch
