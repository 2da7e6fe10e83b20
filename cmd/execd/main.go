package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnosis_go/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config (optional)")
	reconcileSec := flag.Int("reconcile-interval", 30, "seconds between broker reconciliation sweeps")
	flag.Parse()

	boot := app.NewBootstrap()
	if err := boot.Initialize(*configPath); err != nil {
		slog.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer boot.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic reconciliation keeps registry state in step with the venue
	// for orders left working on the book.
	go func() {
		ticker := time.NewTicker(time.Duration(*reconcileSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed, err := boot.Orchestrator.ReconcileOpen(ctx)
				if err != nil {
					slog.Warn("reconciliation sweep failed", slog.String("error", err.Error()))
					continue
				}
				if changed > 0 {
					slog.Info("reconciliation sweep applied changes", slog.Int("orders", changed))
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", slog.String("signal", sig.String()))
}
