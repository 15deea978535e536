package analyzer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/chart-signal/pkg/history"
	"github.com/abdhe/chart-signal/pkg/provider"
	"github.com/abdhe/chart-signal/pkg/resilience"
	"github.com/abdhe/chart-signal/pkg/signal"
)

var (
	chartPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	keys     = []string{"key-aaaa-0000", "key-bbbb-1111"}
)

const buyJSON = `{"signal":"BUY","confidence":70,"analysis":"higher highs"}`

// fakeProvider answers through fn and records the keys it was called with.
type fakeProvider struct {
	mu   sync.Mutex
	keys []string
	fn   func(ctx context.Context, req provider.Request) (provider.Response, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Analyze(ctx context.Context, req provider.Request) (provider.Response, error) {
	f.mu.Lock()
	f.keys = append(f.keys, req.APIKey)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func answer(text string) func(context.Context, provider.Request) (provider.Response, error) {
	return func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Text: text}, nil
	}
}

// fakeCache is an in-memory ResultCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]signal.Result
	sets int
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]signal.Result)} }

func (c *fakeCache) Key(model, prompt string, image []byte) string {
	return model + "|" + prompt + "|" + string(image)
}

func (c *fakeCache) Get(_ context.Context, key string) (signal.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.data[key]
	return res, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, res signal.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = res
	c.sets++
	return nil
}

func newTestAnalyzer(t *testing.T, p provider.Provider, pool *resilience.KeyPool, mutate func(*Config)) *Analyzer {
	t.Helper()
	cfg := Config{
		Provider: p,
		Pool:     pool,
		History:  history.NewMemoryStore(10),
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Model:  "vision-test",
		Logger: zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAnalyzeSuccess(t *testing.T) {
	p := &fakeProvider{fn: func(_ context.Context, req provider.Request) (provider.Response, error) {
		if req.MIMEType != "image/png" {
			t.Errorf("MIMEType = %q, want image/png", req.MIMEType)
		}
		if req.Prompt != signal.DefaultPrompt {
			t.Error("default prompt not used")
		}
		return provider.Response{Text: buyJSON}, nil
	}}
	pool := resilience.NewKeyPool(keys)
	a := newTestAnalyzer(t, p, pool, nil)

	res, err := a.Analyze(context.Background(), Image{Data: chartPNG, Source: "chart.png"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := signal.Result{Signal: signal.Buy, Confidence: 70, Analysis: "higher highs"}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}

	status := a.PoolStatus()
	if status[0].RequestCount != 1 || status[0].Successes != 1 {
		t.Errorf("unexpected key status %+v", status[0])
	}

	entries, err := a.History(context.Background(), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 || entries[0].Source != "chart.png" || entries[0].Cached || entries[0].Result != want {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestAnalyzeRotatesOnRateLimit(t *testing.T) {
	p := &fakeProvider{fn: func(_ context.Context, req provider.Request) (provider.Response, error) {
		if req.APIKey == keys[0] {
			return provider.Response{}, &provider.APIError{Provider: "fake", StatusCode: http.StatusTooManyRequests, Body: "slow down"}
		}
		return provider.Response{Text: buyJSON}, nil
	}}
	pool := resilience.NewKeyPool(keys)
	a := newTestAnalyzer(t, p, pool, nil)

	if _, err := a.Analyze(context.Background(), Image{Data: chartPNG}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := p.calls(); len(got) != 2 || got[0] != keys[0] || got[1] != keys[1] {
		t.Fatalf("calls = %v, want first then second key", got)
	}

	stats := a.PoolStats()
	if stats.Available != 1 || stats.CoolingDown != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAnalyzeMalformedIsNotRetried(t *testing.T) {
	p := &fakeProvider{fn: answer(`{"signal":"HOLD","confidence":50,"analysis":"wait"}`)}
	pool := resilience.NewKeyPool(keys)
	a := newTestAnalyzer(t, p, pool, nil)

	_, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if !errors.Is(err, signal.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if n := len(p.calls()); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if stats := a.PoolStats(); stats.CoolingDown != 0 {
		t.Fatal("a malformed answer must not put the key into cooldown")
	}
	if entries, _ := a.History(context.Background(), 0); len(entries) != 0 {
		t.Fatal("failed analysis recorded in history")
	}
}

func TestAnalyzeAllKeysThrottled(t *testing.T) {
	p := &fakeProvider{fn: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, &provider.APIError{Provider: "fake", StatusCode: http.StatusTooManyRequests, Body: "insufficient_quota"}
	}}
	clockNow := time.Now()
	var mu sync.Mutex
	now := func() time.Time { mu.Lock(); defer mu.Unlock(); return clockNow }
	pool := resilience.NewKeyPool(keys, resilience.WithClock(now))

	a := newTestAnalyzer(t, p, pool, func(cfg *Config) {
		cfg.Retry.Sleep = func(_ context.Context, d time.Duration) error {
			mu.Lock()
			clockNow = clockNow.Add(d)
			mu.Unlock()
			return nil
		}
	})

	_, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if !errors.Is(err, resilience.ErrAttemptsExhausted) || !errors.Is(err, resilience.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want attempts exhausted wrapping quota exceeded", err)
	}
	if n := len(p.calls()); n != 3 {
		t.Fatalf("provider called %d times, want 3", n)
	}
}

func TestAnalyzeWaitsOutCooldownWithDefaultMargin(t *testing.T) {
	var throttled bool
	p := &fakeProvider{fn: func(context.Context, provider.Request) (provider.Response, error) {
		if !throttled {
			throttled = true
			return provider.Response{}, &provider.APIError{Provider: "fake", StatusCode: http.StatusTooManyRequests, Body: "slow down"}
		}
		return provider.Response{Text: buyJSON}, nil
	}}
	clockNow := time.Now()
	var mu sync.Mutex
	now := func() time.Time { mu.Lock(); defer mu.Unlock(); return clockNow }
	pool := resilience.NewKeyPool(keys[:1], resilience.WithClock(now), resilience.WithCooldown(time.Second))

	var waits []time.Duration
	a := newTestAnalyzer(t, p, pool, func(cfg *Config) {
		// Attempts and margin left unset.
		cfg.Retry = resilience.RetryConfig{
			Sleep: func(_ context.Context, d time.Duration) error {
				mu.Lock()
				clockNow = clockNow.Add(d)
				mu.Unlock()
				waits = append(waits, d)
				return nil
			},
		}
	})

	if _, err := a.Analyze(context.Background(), Image{Data: chartPNG}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := time.Second + resilience.DefaultRetryConfig().SafetyMargin
	if len(waits) != 1 || waits[0] != want {
		t.Fatalf("waits = %v, want [%v]", waits, want)
	}
}

func TestAnalyzeEmptyPool(t *testing.T) {
	p := &fakeProvider{fn: answer(buyJSON)}
	a := newTestAnalyzer(t, p, resilience.NewKeyPool(nil), nil)

	_, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if !errors.Is(err, resilience.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if len(p.calls()) != 0 {
		t.Fatal("provider called without a key")
	}
}

func TestAnalyzeRejectsBadImages(t *testing.T) {
	p := &fakeProvider{fn: answer(buyJSON)}
	a := newTestAnalyzer(t, p, resilience.NewKeyPool(keys), nil)

	if _, err := a.Analyze(context.Background(), Image{}); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty image: err = %v", err)
	}
	if _, err := a.Analyze(context.Background(), Image{Data: []byte("just some text")}); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("text payload: err = %v", err)
	}
	if _, err := a.Analyze(context.Background(), Image{Data: chartPNG, MIMEType: "application/pdf"}); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("declared pdf: err = %v", err)
	}
	if len(p.calls()) != 0 {
		t.Fatal("provider called for an invalid image")
	}
}

func TestAnalyzeUsesCache(t *testing.T) {
	p := &fakeProvider{fn: answer(buyJSON)}
	c := newFakeCache()
	a := newTestAnalyzer(t, p, resilience.NewKeyPool(keys), func(cfg *Config) { cfg.Cache = c })

	first, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	second, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if first != second {
		t.Fatalf("cached result %+v differs from %+v", second, first)
	}
	if n := len(p.calls()); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if c.sets != 1 {
		t.Fatalf("cache sets = %d, want 1", c.sets)
	}

	entries, _ := a.History(context.Background(), 0)
	if len(entries) != 2 || !entries[0].Cached || entries[1].Cached {
		t.Fatalf("unexpected history %+v", entries)
	}
}

func TestAnalyzeCircuitBreaker(t *testing.T) {
	p := &fakeProvider{fn: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, &provider.APIError{Provider: "fake", StatusCode: http.StatusBadGateway, Body: "upstream"}
	}}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	a := newTestAnalyzer(t, p, resilience.NewKeyPool(keys), func(cfg *Config) { cfg.Breaker = breaker })

	for i := 0; i < 2; i++ {
		if _, err := a.Analyze(context.Background(), Image{Data: chartPNG}); !errors.Is(err, resilience.ErrTransport) {
			t.Fatalf("call %d: err = %v, want ErrTransport", i, err)
		}
	}

	_, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(p.calls()); n != 2 {
		t.Fatalf("provider called %d times, want 2", n)
	}
	if stats := a.PoolStats(); stats.CoolingDown != 0 {
		t.Fatal("transport failures must not cool keys down")
	}
}

func TestAnalyzeRequestTimeout(t *testing.T) {
	p := &fakeProvider{fn: func(ctx context.Context, _ provider.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}}
	a := newTestAnalyzer(t, p, resilience.NewKeyPool(keys), func(cfg *Config) {
		cfg.RequestTimeout = 10 * time.Millisecond
	})

	_, err := a.Analyze(context.Background(), Image{Data: chartPNG})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if stats := a.PoolStats(); stats.CoolingDown != 0 {
		t.Fatal("a timeout must not cool the key down")
	}
}

func TestNewRequiresProviderAndPool(t *testing.T) {
	if _, err := New(Config{Pool: resilience.NewKeyPool(keys)}); err == nil {
		t.Error("expected an error without a provider")
	}
	if _, err := New(Config{Provider: &fakeProvider{}}); err == nil {
		t.Error("expected an error without a key pool")
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{resilience.ErrPoolExhausted, "pool_exhausted"},
		{resilience.ErrAttemptsExhausted, "throttled"},
		{signal.ErrMalformedResponse, "malformed"},
		{context.DeadlineExceeded, "cancelled"},
		{resilience.ErrTransport, "transport"},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
