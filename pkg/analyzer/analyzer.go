// Package analyzer turns chart images into trading signals by calling a vision model
// through the key pool.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdhe/chart-signal/pkg/history"
	"github.com/abdhe/chart-signal/pkg/metrics"
	"github.com/abdhe/chart-signal/pkg/provider"
	"github.com/abdhe/chart-signal/pkg/resilience"
	"github.com/abdhe/chart-signal/pkg/signal"
)

var (
	// ErrEmptyImage is returned for a request without image bytes.
	ErrEmptyImage = errors.New("analyzer: empty image")
	// ErrUnsupportedImage is returned when the payload is not an image.
	ErrUnsupportedImage = errors.New("analyzer: unsupported image type")
)

// Image is a chart to analyse.
type Image struct {
	Data     []byte
	MIMEType string // Sniffed from Data when empty
	Source   string // File name or other label, recorded in history
}

// ResultCache stores results by image. *cache.RedisCache implements it.
type ResultCache interface {
	Key(model, prompt string, image []byte) string
	Get(ctx context.Context, key string) (signal.Result, bool, error)
	Set(ctx context.Context, key string, res signal.Result) error
}

// Config holds the analyzer dependencies.
type Config struct {
	Provider provider.Provider
	Pool     *resilience.KeyPool
	Breaker  *resilience.CircuitBreaker // Optional
	Cache    ResultCache                // Optional
	History  history.Store              // Optional
	Retry    resilience.RetryConfig

	Model       string
	Prompt      string
	Temperature float32
	MaxTokens   int32

	// RequestTimeout bounds each provider call. Cooldown waits are not included.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Analyzer executes analysis requests.
type Analyzer struct {
	provider provider.Provider
	pool     *resilience.KeyPool
	breaker  *resilience.CircuitBreaker
	cache    ResultCache
	history  history.Store
	retryCfg resilience.RetryConfig

	model       string
	prompt      string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	log         zerolog.Logger
}

// New creates an analyzer. Provider and Pool are required.
func New(cfg Config) (*Analyzer, error) {
	if cfg.Provider == nil {
		return nil, errors.New("analyzer: provider is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("analyzer: key pool is required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = signal.DefaultPrompt
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	def := resilience.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.SafetyMargin <= 0 {
		cfg.Retry.SafetyMargin = def.SafetyMargin
	}

	log := cfg.Logger.With().Str("component", "analyzer").Str("provider", cfg.Provider.Name()).Logger()
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = &log
	}

	return &Analyzer{
		provider:    cfg.Provider,
		pool:        cfg.Pool,
		breaker:     cfg.Breaker,
		cache:       cfg.Cache,
		history:     cfg.History,
		retryCfg:    cfg.Retry,
		model:       cfg.Model,
		prompt:      cfg.Prompt,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.RequestTimeout,
		log:         log,
	}, nil
}

// Analyze asks the model for a signal on img. Throttled keys are cooled down and the
// call is retried on another key; every other failure is returned as is.
func (a *Analyzer) Analyze(ctx context.Context, img Image) (signal.Result, error) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	if len(img.Data) == 0 {
		return signal.Result{}, ErrEmptyImage
	}
	if img.MIMEType == "" {
		img.MIMEType = http.DetectContentType(img.Data)
	}
	if !strings.HasPrefix(img.MIMEType, "image/") {
		return signal.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, img.MIMEType)
	}

	// -------------------------------------------------------------------------
	// Step 1: Result cache lookup
	// -------------------------------------------------------------------------
	var cacheKey string
	if a.cache != nil {
		cacheKey = a.cache.Key(a.model, a.prompt, img.Data)
		res, hit, err := a.cache.Get(ctx, cacheKey)
		if err != nil {
			a.log.Warn().Err(err).Msg("result cache lookup failed, treating as miss")
		}
		metrics.RecordCacheLookup(hit)
		if hit {
			metrics.RequestsTotal.WithLabelValues("cache_hit").Inc()
			metrics.RequestLatency.WithLabelValues(a.provider.Name(), a.model, "hit").Observe(time.Since(start).Seconds())
			a.record(ctx, img, true, res)
			return res, nil
		}
	}

	// -------------------------------------------------------------------------
	// Step 2: Call the provider with rotating keys
	// -------------------------------------------------------------------------
	var result signal.Result
	err := resilience.Retry(ctx, a.pool, a.retryCfg, func(ctx context.Context, lease *resilience.Lease) error {
		res, err := a.call(ctx, lease, img)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		status := errorStatus(err)
		metrics.RequestsTotal.WithLabelValues(status).Inc()
		metrics.RequestLatency.WithLabelValues(a.provider.Name(), a.model, "error").Observe(time.Since(start).Seconds())
		a.log.Error().Err(err).Str("status", status).Msg("analysis failed")
		return signal.Result{}, err
	}

	// -------------------------------------------------------------------------
	// Step 3: Record metrics, cache and history
	// -------------------------------------------------------------------------
	metrics.RequestsTotal.WithLabelValues("success").Inc()
	metrics.SignalsTotal.WithLabelValues(string(result.Signal)).Inc()
	metrics.RequestLatency.WithLabelValues(a.provider.Name(), a.model, "miss").Observe(time.Since(start).Seconds())

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, result); err != nil {
			a.log.Warn().Err(err).Msg("result cache store failed")
		}
	}
	a.record(ctx, img, false, result)

	a.log.Info().
		Str("signal", string(result.Signal)).
		Float64("confidence", result.Confidence).
		Dur("latency", time.Since(start)).
		Msg("analysis complete")
	return result, nil
}

// call makes one provider request with the leased key and parses the answer.
func (a *Analyzer) call(ctx context.Context, lease *resilience.Lease, img Image) (signal.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := provider.Request{
		Model:       a.model,
		Prompt:      a.prompt,
		Image:       img.Data,
		MIMEType:    img.MIMEType,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		APIKey:      lease.Key,
	}

	var resp provider.Response
	do := func() error {
		var err error
		resp, err = a.provider.Analyze(ctx, req)
		return err
	}

	var err error
	if a.breaker == nil {
		err = do()
	} else {
		err = a.breaker.Execute(do)
		metrics.CircuitBreakerState.WithLabelValues(a.provider.Name()).Set(float64(a.breaker.State()))
	}
	if err != nil {
		return signal.Result{}, err
	}

	res, err := signal.Parse(resp.Text)
	if err != nil {
		a.log.Warn().Err(err).Str("key", lease.Masked).Msg("model returned an invalid result")
		return signal.Result{}, err
	}
	return res, nil
}

func (a *Analyzer) record(ctx context.Context, img Image, cached bool, res signal.Result) {
	if a.history == nil {
		return
	}
	source := img.Source
	if source == "" {
		source = "upload"
	}
	entry := history.NewEntry(a.provider.Name(), a.model, source, cached, res)
	if err := a.history.Append(ctx, entry); err != nil {
		a.log.Warn().Err(err).Msg("history append failed")
	}
}

// PoolStatus returns the masked status of every key.
func (a *Analyzer) PoolStatus() []resilience.KeyStatus {
	return a.pool.Snapshot()
}

// PoolStats returns key pool totals.
func (a *Analyzer) PoolStats() resilience.PoolStats {
	return a.pool.Stats()
}

// History returns up to limit recent analyses, newest first.
func (a *Analyzer) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if a.history == nil {
		return []history.Entry{}, nil
	}
	return a.history.List(ctx, limit)
}

// errorStatus maps an analysis error to a metrics label.
func errorStatus(err error) string {
	switch {
	case errors.Is(err, resilience.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, resilience.ErrAttemptsExhausted):
		return "throttled"
	case errors.Is(err, signal.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "transport"
	}
}
