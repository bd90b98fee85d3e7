package prefetch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/readthrough-gateway/pkg/cache"
	"github.com/Sternrassler/readthrough-gateway/pkg/gateway"
	"github.com/rs/zerolog"
)

// fakeRequester echoes the endpoint and fails for endpoints listed in fail.
type fakeRequester struct {
	fail    map[string]error
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	mu      sync.Mutex
	seen    []string
}

func (f *fakeRequester) Request(ctx context.Context, req gateway.Request) (any, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, req.Endpoint)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err, ok := f.fail[req.Endpoint]; ok {
		return nil, err
	}
	return "value:" + req.Endpoint, nil
}

func quietConfig(workers int) Config {
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.MaxConcurrency = workers
	cfg.Logger = &logger
	return cfg
}

func batch(n int) []gateway.Request {
	reqs := make([]gateway.Request, n)
	for i := range reqs {
		reqs[i] = gateway.Request{
			Method:    gateway.MethodGet,
			Endpoint:  "items/" + strconv.Itoa(i),
			Params:    cache.Params{"page": i},
			Cacheable: true,
		}
	}
	return reqs
}

func TestNew_Defaults(t *testing.T) {
	p := New(&fakeRequester{}, Config{})
	if p.config.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", p.config.MaxConcurrency)
	}
	if p.config.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", p.config.Timeout)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	requester := &fakeRequester{}
	p := New(requester, quietConfig(4))

	reqs := batch(25)
	results, err := p.Run(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != len(reqs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d", i, r.Index)
		}
		if r.Request.Endpoint != reqs[i].Endpoint {
			t.Errorf("results[%d].Request = %s, want %s", i, r.Request.Endpoint, reqs[i].Endpoint)
		}
		if r.Value != "value:"+reqs[i].Endpoint {
			t.Errorf("results[%d].Value = %v", i, r.Value)
		}
	}
	if got := requester.calls.Load(); got != 25 {
		t.Errorf("calls = %d, want 25", got)
	}
}

func TestRun_Empty(t *testing.T) {
	results, err := New(&fakeRequester{}, quietConfig(2)).Run(context.Background(), nil)
	if err != nil || len(results) != 0 {
		t.Errorf("Run(nil) = %v, %v", results, err)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	requester := &fakeRequester{delay: 20 * time.Millisecond}
	p := New(requester, quietConfig(3))

	if _, err := p.Run(context.Background(), batch(12)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if max := requester.maxSeen.Load(); max > 3 {
		t.Errorf("max concurrent requests = %d, want <= 3", max)
	}
}

func TestRun_PartialFailure(t *testing.T) {
	boom := errors.New("boom")
	requester := &fakeRequester{fail: map[string]error{"items/2": boom, "items/5": boom}}
	p := New(requester, quietConfig(2))

	results, err := p.Run(context.Background(), batch(8))
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapping boom", err)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		if r.Value == nil {
			t.Errorf("results[%d] has neither value nor error", r.Index)
		}
	}
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	requester := &fakeRequester{delay: time.Second}
	p := New(requester, quietConfig(2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	results, err := p.Run(ctx, batch(10))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Run() took %v after cancellation", elapsed)
	}

	for _, r := range results {
		if !errors.Is(r.Err, context.DeadlineExceeded) {
			t.Errorf("results[%d].Err = %v, want deadline exceeded", r.Index, r.Err)
		}
	}
	if got := requester.calls.Load(); got > 2 {
		t.Errorf("calls = %d, want at most one per worker", got)
	}
}

func TestRun_ThroughGateway(t *testing.T) {
	upstream := &countingUpstream{}
	logger := zerolog.Nop()
	gw, err := gateway.New(gateway.Config{Upstream: upstream, Store: cache.NewMemoryStore(), Logger: &logger})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}

	reqs := batch(5)
	reqs = append(reqs, batch(5)...)

	p := New(gw, quietConfig(4))
	if _, err := p.Run(context.Background(), reqs); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := upstream.calls.Load(); got != 5 {
		t.Errorf("upstream calls = %d, want 5", got)
	}

	// The cache is warm now
	if _, err := gw.RequestGet(context.Background(), "items/3", cache.Params{"page": 3}); err != nil {
		t.Fatalf("RequestGet() error = %v", err)
	}
	if got := upstream.calls.Load(); got != 5 {
		t.Errorf("upstream calls after warm read = %d, want 5", got)
	}
}

type countingUpstream struct {
	calls atomic.Int32
}

func (u *countingUpstream) Get(_ context.Context, endpoint string, _ cache.Params) (any, error) {
	u.calls.Add(1)
	return endpoint, nil
}

func (u *countingUpstream) Post(_ context.Context, endpoint string, _ cache.Params) (any, error) {
	u.calls.Add(1)
	return endpoint, nil
}
