package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/readthrough-gateway/pkg/gateway"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds prefetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of requests in flight
	MaxConcurrency int
	// Timeout per request
	Timeout time.Duration
	// Logger defaults to the global logger with component=prefetch
	Logger *zerolog.Logger
}

// DefaultConfig returns the default prefetcher configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        15 * time.Second,
	}
}

// Requester serves a single gateway request. *gateway.Gateway implements it.
type Requester interface {
	Request(ctx context.Context, req gateway.Request) (any, error)
}

// Result is the outcome of one request of a batch
type Result struct {
	Index   int
	Request gateway.Request
	Value   any
	Err     error
}

// Prefetcher issues batches of requests through a Requester with bounded concurrency
type Prefetcher struct {
	requester Requester
	config    Config
	logger    zerolog.Logger
}

// New creates a prefetcher
func New(requester Requester, config Config) *Prefetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	logger := log.With().Str("component", "prefetch").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Prefetcher{
		requester: requester,
		config:    config,
		logger:    logger,
	}
}

// Run issues every request and returns one Result per request, in input order.
// The returned error is non-nil when at least one request failed and wraps
// the first failure; successful results are still returned.
// Requests not started before ctx ends fail with ctx.Err().
func (p *Prefetcher) Run(ctx context.Context, reqs []gateway.Request) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	workers := p.config.MaxConcurrency
	if workers > len(reqs) {
		workers = len(reqs)
	}

	queue := make(chan int)
	go func() {
		defer close(queue)
		for i := range reqs {
			select {
			case queue <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	handled := make([]bool, len(reqs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go p.worker(ctx, w, reqs, queue, results, handled, &wg)
	}
	wg.Wait()

	var (
		failed   int
		firstErr error
	)
	for i := range results {
		results[i].Index = i
		results[i].Request = reqs[i]
		if !handled[i] {
			results[i].Err = ctx.Err()
		}
		if results[i].Err != nil {
			failed++
			if firstErr == nil {
				firstErr = results[i].Err
			}
		}
	}

	event := p.logger.Info()
	if failed > 0 {
		event = p.logger.Warn()
	}
	event.
		Int("requests", len(reqs)).
		Int("failed", failed).
		Int("workers", workers).
		Dur("duration", time.Since(start)).
		Msg("Prefetch complete")

	if failed > 0 {
		return results, fmt.Errorf("prefetch: %d of %d requests failed: %w", failed, len(reqs), firstErr)
	}
	return results, nil
}

// worker serves request indexes from the queue
func (p *Prefetcher) worker(ctx context.Context, id int, reqs []gateway.Request, queue <-chan int, results []Result, handled []bool, wg *sync.WaitGroup) {
	defer wg.Done()
	served := 0

	for i := range queue {
		handled[i] = true
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		value, err := p.requester.Request(reqCtx, reqs[i])
		cancel()

		if err != nil {
			p.logger.Debug().
				Err(err).
				Int("worker_id", id).
				Str("endpoint", reqs[i].Endpoint).
				Msg("Prefetch request failed")
		}

		results[i].Value = value
		results[i].Err = err
		served++
	}

	p.logger.Debug().
		Int("worker_id", id).
		Int("served", served).
		Msg("Worker stopping")
}
