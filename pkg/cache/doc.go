// Package cache provides cache key derivation and TTL stores for the
// read-through gateway.
//
// # Key Derivation
//
// A key is the plain concatenation of the endpoint segments, the included
// parameters and the TTL in seconds. Nothing is hashed, so keys stay readable
// in redis-cli and two distinct requests never share one:
//
//	key := cache.DeriveKey("users/search", cache.Params{"name": "Ann", "page": 1}, 300*time.Second)
//	// users.search.name=Ann.page=1.300
//
// Parameters are ordered by name. Nil, empty-string and composite values
// (slices, maps, structs) are left out. The default policy also leaves out
// false, "0" and numeric zero, so {"qty": 0} and {} yield the same key;
// use Deriver{Policy: PolicyStrict} to make zero significant.
//
// # Stores
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store, err := cache.NewRedisStore(redisClient, "gw:")
//
//	entry := cache.NewEntry(key, value, 5*time.Minute)
//	if err := store.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
//	entry, err = store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream
//	}
//
// RedisStore and MemcacheStore share the same JSON entry encoding; MemoryStore
// keeps values as-is and is meant for tests and single-process setups.
//
// # Metrics
//
//   - gateway_cache_hits_total{layer} - Cache hits
//   - gateway_cache_misses_total{layer} - Cache misses, expired entries included
//   - gateway_cache_stored_bytes_total{layer} - Encoded bytes written
//   - gateway_cache_errors_total{layer,operation} - Cache operation errors
package cache
