// Command chartsignal serves trading chart signals from a vision model.
//
// Configuration comes from an optional YAML file (--config), a .env file and the
// environment. The most common variables:
//
//	PROVIDER             - gemini or openai (default: gemini)
//	MODEL                - model name (default: gemini-2.0-flash)
//	API_KEYS             - comma-separated provider API keys
//	COOLDOWN_MS          - cooldown for a rate-limited key (default: 60000)
//	MAX_ATTEMPTS         - keyed attempts per analysis (default: 3)
//	POLL_INTERVAL_MS     - cooldown sweep interval (default: 5000)
//	REQUEST_TIMEOUT      - per-call provider timeout (default: 60s)
//	REDIS_ADDR           - Redis address; empty disables cache and Redis history
//	CACHE_TTL            - result cache TTL (default: 1h, 0 disables)
//	HTTP_PORT / GRPC_PORT - listen ports (default: 8080 / 50051)
//	LOG_LEVEL / LOG_FORMAT
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/abdhe/chart-signal/pkg/analyzer"
	"github.com/abdhe/chart-signal/pkg/cache"
	"github.com/abdhe/chart-signal/pkg/config"
	"github.com/abdhe/chart-signal/pkg/history"
	"github.com/abdhe/chart-signal/pkg/logger"
	"github.com/abdhe/chart-signal/pkg/provider"
	"github.com/abdhe/chart-signal/pkg/resilience"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chartsignal",
		Short:         "Trading chart signals from a vision model behind a rotating API key pool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAnalyzeCmd(&configPath),
		newPoolCmd(&configPath),
	)
	return root
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	pool     *resilience.KeyPool
	analyzer *analyzer.Analyzer
	redis    *redis.Client
	logFile  io.Closer
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// newApp loads configuration and wires the analyzer.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, logFile, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, logFile: logFile}

	// -------------------------------------------------------------------------
	// Provider and key pool
	// -------------------------------------------------------------------------
	prov, err := provider.New(cfg.Provider.Name, cfg.Provider.BaseURL, &http.Client{})
	if err != nil {
		a.close()
		return nil, err
	}

	pool := resilience.NewKeyPool(cfg.Provider.Keys,
		resilience.WithName(prov.Name()),
		resilience.WithCooldown(cfg.Pool.Cooldown),
		resilience.WithLogger(log),
	)
	if pool.Size() == 0 {
		log.Warn().Msg("API_KEYS is empty, every analysis will fail with pool exhausted")
	}

	var breaker *resilience.CircuitBreaker
	if cfg.Breaker.FailureThreshold > 0 {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		})
	}

	a.pool = pool

	// -------------------------------------------------------------------------
	// Redis-backed cache and history
	// -------------------------------------------------------------------------
	var (
		resultCache analyzer.ResultCache
		hist        history.Store = history.NewMemoryStore(cfg.History.Limit)
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis connection failed, using in-memory history and no cache")
			_ = client.Close()
		} else {
			a.redis = client
			hist = history.NewRedisStore(client, cfg.History.Limit)
			if cfg.Redis.CacheTTL > 0 {
				resultCache = cache.NewRedisCache(client, cfg.Redis.CacheTTL)
				log.Info().Dur("ttl", cfg.Redis.CacheTTL).Msg("result cache enabled")
			}
		}
	}

	an, err := analyzer.New(analyzer.Config{
		Provider: prov,
		Pool:     pool,
		Breaker:  breaker,
		Cache:    resultCache,
		History:  hist,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Pool.MaxAttempts,
			SafetyMargin: cfg.Pool.SafetyMargin,
		},
		Model:          cfg.Provider.Model,
		Prompt:         cfg.Provider.Prompt,
		Temperature:    cfg.Provider.Temperature,
		MaxTokens:      cfg.Provider.MaxTokens,
		RequestTimeout: cfg.Provider.Timeout,
		Logger:         log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.analyzer = an
	return a, nil
}
