package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gnosis_go/internal/broker"
	"gnosis_go/internal/infra"
	"gnosis_go/internal/orchestrator"
	"gnosis_go/internal/registry"
)

// Bootstrap orchestrates the startup sequence:
// config → logger → registry → broker → orchestrator.
type Bootstrap struct {
	Config       *infra.Config
	Registry     *registry.Registry
	Broker       broker.Broker
	Orchestrator *orchestrator.Orchestrator
}

// NewBootstrap creates an empty Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize wires the execution core together. The registry database path
// comes from config or falls back to the workspace data directory.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = infra.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	b.Registry = reg
	slog.Info("execution registry opened", slog.String("path", dbPath))

	cash, err := decimal.NewFromString(cfg.Broker.InitialCash)
	if err != nil {
		return fmt.Errorf("invalid initial_cash %q: %w", cfg.Broker.InitialCash, err)
	}
	b.Broker = broker.NewSim(cash)

	limiter := infra.NewRateLimiter(cfg.Broker.RateLimit.Burst, cfg.Broker.RateLimit.PerSecond)
	breaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             cfg.Broker.Mode,
		FailureThreshold: cfg.Broker.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Broker.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Broker.Breaker.TimeoutSec) * time.Second,
	})

	b.Orchestrator = orchestrator.New(reg, b.Broker,
		orchestrator.Config{
			MaxRetries: cfg.Orchestrator.MaxRetries,
			RetryBase:  cfg.RetryBase(),
		},
		orchestrator.WithRateLimiter(limiter),
		orchestrator.WithCircuitBreaker(breaker),
	)

	slog.Info("execution core ready",
		slog.String("broker", cfg.Broker.Mode),
		slog.Int("max_retries", cfg.Orchestrator.MaxRetries))
	return nil
}

// Shutdown releases held resources. Safe to call after a failed Initialize.
func (b *Bootstrap) Shutdown() {
	if b.Registry != nil {
		if err := b.Registry.Close(); err != nil {
			slog.Warn("registry close failed", slog.String("error", err.Error()))
		}
	}
}
