// Command server runs the AgentAuth challenge server: challenge issuance,
// solve verification, PoMI classification, and capability token signing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/agentauth/backend/internal/api"
	"github.com/agentauth/backend/internal/challenge"
	"github.com/agentauth/backend/internal/config"
	"github.com/agentauth/backend/internal/engine"
	"github.com/agentauth/backend/internal/middleware"
	"github.com/agentauth/backend/internal/monitoring"
	"github.com/agentauth/backend/internal/pomi"
	"github.com/agentauth/backend/internal/store"
	"github.com/agentauth/backend/internal/timing"
	"github.com/agentauth/backend/internal/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTAUTH_CONFIG"), "path to config.yaml (optional)")
	flag.Parse()

	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	challengeStore := buildStore(cfg, logger)

	registry := challenge.NewRegistry()
	for _, d := range builtinDrivers(cfg.Challenge.Drivers) {
		if err := registry.Register(d); err != nil {
			logger.Error("register driver", "error", err)
			os.Exit(1)
		}
	}

	metrics := monitoring.New(prometheus.DefaultRegisterer)

	deps := engine.Deps{
		Store:    challengeStore,
		Registry: registry,
		Tokens:   token.NewManager(cfg.Secret),
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.PoMI.Enabled {
		catalog := pomi.NewCatalog(cfg.PoMI.Canaries)
		deps.Injector = pomi.NewInjector(catalog)
		families := cfg.PoMI.ModelFamilies
		if len(families) == 0 {
			families = pomi.ModelFamilies
		}
		deps.Classifier = pomi.NewClassifier(families, &pomi.ClassifierOptions{
			ConfidenceThreshold: cfg.PoMI.ConfidenceThreshold,
		})
	}
	if cfg.Timing.Enabled {
		deps.Analyzer = timing.NewAnalyzer(&timing.AnalyzerConfig{
			Baselines:        cfg.Timing.Baselines,
			DefaultTooFastMs: cfg.Timing.DefaultTooFastMs,
			DefaultAILowerMs: cfg.Timing.DefaultAILowerMs,
			DefaultAIUpperMs: cfg.Timing.DefaultAIUpperMs,
			DefaultHumanMs:   cfg.Timing.DefaultHumanMs,
			DefaultTimeoutMs: cfg.Timing.DefaultTimeoutMs,
		})
		if cfg.Timing.SessionTracking.Enabled {
			deps.Tracker = timing.NewSessionTracker()
		}
	}

	e, err := engine.New(engine.Config{
		ChallengeTTLSeconds:  cfg.Challenge.TTLSeconds,
		TokenTTLSeconds:      cfg.Challenge.TokenTTLSeconds,
		DefaultDifficulty:    cfg.Challenge.DefaultDifficulty,
		PoMIEnabled:          cfg.PoMI.Enabled,
		CanariesPerChallenge: cfg.PoMI.CanariesPerChallenge,
		TimingEnabled:        cfg.Timing.Enabled,
	}, deps)
	if err != nil {
		logger.Error("build engine", "error", err)
		os.Exit(1)
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}, metrics, logger)
		defer limiter.Close()
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           api.NewServer(e, limiter, cfg.Challenge.MinScore, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("agentauth server starting",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"pomi", cfg.PoMI.Enabled,
		"timing", cfg.Timing.Enabled,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildStore connects the configured backend; on connection failure it falls
// back to the in-memory store so local development keeps working.
func buildStore(cfg *config.Config, logger *slog.Logger) store.ChallengeStore {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Store.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			logger.Warn("invalid redis url, falling back to memory store", "error", err)
			return store.NewMemoryStore()
		}
		s, err := store.NewRedisStore(ctx, opts.Addr, opts.Password, opts.DB)
		if err != nil {
			logger.Warn("redis unavailable, falling back to memory store", "error", err)
			return store.NewMemoryStore()
		}
		logger.Info("using redis store", "addr", opts.Addr)
		return s
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			logger.Warn("postgres unavailable, falling back to memory store", "error", err)
			return store.NewMemoryStore()
		}
		logger.Info("using postgres store")
		return s
	case "edgekv":
		logger.Info("using edge kv store", "base_url", cfg.Store.EdgeKV.BaseURL)
		return store.NewEdgeKVStore(cfg.Store.EdgeKV.BaseURL, cfg.Store.EdgeKV.APIToken)
	default:
		logger.Info("using in-memory store")
		return store.NewMemoryStore()
	}
}

// builtinDrivers returns the configured subset of the four built-in drivers,
// or all of them when the list is empty or names nothing known.
func builtinDrivers(names []string) []challenge.Driver {
	all := []challenge.Driver{
		&challenge.CryptoNLDriver{},
		&challenge.MultiStepDriver{},
		&challenge.AmbiguousLogicDriver{},
		&challenge.CodeExecutionDriver{},
	}
	if len(names) == 0 {
		return all
	}

	byName := make(map[string]challenge.Driver, len(all))
	for _, d := range all {
		byName[d.Name()] = d
	}
	var selected []challenge.Driver
	for _, name := range names {
		if d, ok := byName[name]; ok {
			selected = append(selected, d)
		}
	}
	if len(selected) == 0 {
		return all
	}
	return selected
}
