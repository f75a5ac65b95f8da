// Kestrel - Subscription audits that deploy in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	// External narrative service via environment
	if url := os.Getenv("KESTREL_NARRATIVE_URL"); url != "" {
		cfg.Narrative.Type = "http"
		cfg.Narrative.URL = url
		if cfg.Narrative.CacheTTL <= 0 {
			cfg.Narrative.CacheTTL = 15 * time.Minute
		}
	}

	// Narrative cache TTL override ("0" disables caching)
	if ttl := os.Getenv("KESTREL_NARRATIVE_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			slog.Warn("invalid KESTREL_NARRATIVE_CACHE_TTL, keeping default",
				"value", ttl,
				"error", err,
			)
		} else {
			cfg.Narrative.CacheTTL = d
		}
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"narrator", cfg.Narrative.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Schema Mapper and load alias overrides from database
	mapper := schema.NewMapper()
	if err := loadAliasesFromDatabase(ctx, repo, mapper); err != nil {
		slog.Error("failed to load aliases", "error", err)
		os.Exit(1)
	}
	slog.Info("schema mapper initialized", "alias_count", mapper.AliasCount())

	// Initialize Scoring Engine
	scorer := scoring.NewEngine(nil)
	slog.Info("scoring engine initialized")

	// Initialize Watch Rule Engine
	rulesEngine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load watch rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, rulesEngine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", rulesEngine.RulesCount())

	// Initialize Narrator
	narrator, err := narrative.New(cfg.Narrative)
	if err != nil {
		slog.Error("failed to initialize narrator", "error", err)
		os.Exit(1)
	}
	if cfg.Narrative.Type == "http" && cfg.Narrative.CacheTTL > 0 {
		narrator = narrative.NewCachedNarrator(narrator, cacheImpl, cfg.Narrative.CacheTTL)
		slog.Info("narrative caching enabled", "ttl", cfg.Narrative.CacheTTL)
	}
	slog.Info("narrator initialized", "type", cfg.Narrative.Type)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, mapper, scorer, rulesEngine, narrator, cfg.Narrative.TopK)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
			TopK:      cfg.Narrative.TopK,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, mapper, scorer, rulesEngine, narrator, Version, cfg.Narrative.TopK)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// GlobalTenantID is used for rules and aliases that apply to all tenants.
const GlobalTenantID = "*"

// loadRulesFromDatabase loads watch rules from the database into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListWatchRules(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

// loadAliasesFromDatabase loads header alias overrides into the mapper.
func loadAliasesFromDatabase(ctx context.Context, repo domain.Repository, mapper *schema.Mapper) error {
	aliases, err := repo.ListFieldAliases(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list aliases from database", "error", err)
		return nil // Start with the built-in dictionary only
	}

	if len(aliases) > 0 {
		slog.Info("loading header aliases from database", "count", len(aliases))
		mapper.Reload(aliases)
	}

	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Subscription Audit Engine            ║")
	fmt.Println("  ║      Eyes on every renewal.               ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /audit               - Audit an inline table")
	fmt.Println("    POST /audit/csv           - Audit a raw CSV/TSV export")
	fmt.Println("    POST /datasets            - Store a dataset for auditing")
	fmt.Println("    GET  /datasets            - List stored datasets")
	fmt.Println("    GET  /datasets/{id}       - Get dataset by ID")
	fmt.Println("    POST /datasets/{id}/audit - Re-audit a stored dataset")
	fmt.Println("    GET  /rules               - List all watch rules")
	fmt.Println("    POST /rules               - Create a new watch rule")
	fmt.Println("    DELETE /rules/{id}        - Delete a watch rule")
	fmt.Println("    POST /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET  /aliases             - List header aliases")
	fmt.Println("    POST /aliases             - Add a header alias")
	fmt.Println("    POST /aliases/reload      - Hot-reload aliases")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println()
}
