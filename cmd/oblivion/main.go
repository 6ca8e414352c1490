// Command oblivion is a TLS-terminating reverse proxy that inspects
// HTTP/1.1 requests for injection attempts and rate-limits clients
// before forwarding to a single upstream.
//
// Usage:
//
//	./oblivion
//
//	# Custom listener/upstream
//	LISTEN_ADDRESS=0.0.0.0:4433 UPSTREAM_ADDRESS=127.0.0.1:8000 ./oblivion
//
// Runtime status and rate-limit tuning are exposed on the management
// address:
//
//	curl http://127.0.0.1:4434/status
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"oblivion/internal/config"
	"oblivion/internal/handler"
	"oblivion/internal/inspect"
	"oblivion/internal/logger"
	"oblivion/internal/management"
	"oblivion/internal/metrics"
	"oblivion/internal/ratelimit"
	"oblivion/internal/server"
	"oblivion/internal/signature"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	appLog := logger.New("OBLIVION", cfg.LogLevel)

	// Shared metrics collector — passed to both the management API and
	// the connection handler so counters are unified.
	m := metrics.New()

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:      cfg.RateLimitCapacity,
		RatePerSecond: cfg.RateLimitPerSecond,
		Shards:        cfg.RateLimitShards,
		IdleTTL:       cfg.RateLimitIdleTTL(),
	})
	defer limiter.Stop()

	engine := inspect.New(signature.Default(), cfg.MaxBodyBytes)
	h := handler.New(cfg, limiter, engine, logger.New("HANDLER", cfg.LogLevel), m)

	// Start management API in background. Fatal is intentional: the
	// proxy should not run without its control plane.
	mgmt := management.New(cfg, limiter, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("[MANAGEMENT] Fatal: %v", err)
		}
	}()

	srv, err := server.New(cfg, h, appLog, m)
	if err != nil {
		log.Fatalf("[OBLIVION] Fatal: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLog.Info("shutdown", "shutting down…")
		if err := srv.Close(); err != nil {
			appLog.Errorf("shutdown_error", "%v", err)
		}
	}()

	if err := srv.Serve(); err != nil && !server.IsClosed(err) {
		log.Fatalf("[OBLIVION] Fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                      Oblivion                         ║
╚══════════════════════════════════════════════════════╝
  Listen address     : %s
  Management address : %s
  Upstream address   : %s
  Rate limit         : %.0f tokens, %.0f/s refill

  Check status:
    curl http://%s/status
`, cfg.ListenAddress, cfg.ManagementAddress, cfg.UpstreamAddress,
		cfg.RateLimitCapacity, cfg.RateLimitPerSecond,
		cfg.ManagementAddress)
}
