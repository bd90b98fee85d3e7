package gateway

import "time"

// Option adjusts a request built by RequestGet or RequestPost.
type Option func(*Request)

// WithTTL sets how long the result stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(r *Request) {
		r.TTL = ttl
	}
}

// WithCache sets whether the request goes through the cache.
func WithCache(cacheable bool) Option {
	return func(r *Request) {
		r.Cacheable = cacheable
	}
}

// WithoutCache sends the request straight upstream.
func WithoutCache() Option {
	return WithCache(false)
}
