// Kestrel - Risk-adaptive step-up authentication.
// Copyright (c) 2025 kestrel-sec
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

	"github.com/kestrel-sec/kestrel/internal/api"
	"github.com/kestrel-sec/kestrel/internal/bus"
	"github.com/kestrel-sec/kestrel/internal/challenge"
	"github.com/kestrel-sec/kestrel/internal/domain"
	"github.com/kestrel-sec/kestrel/internal/notify"
	"github.com/kestrel-sec/kestrel/internal/repository"
	"github.com/kestrel-sec/kestrel/internal/risk"
	"github.com/kestrel-sec/kestrel/internal/stepup"
	"github.com/kestrel-sec/kestrel/internal/webauthn"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	cfg.DevMode = os.Getenv("KESTREL_DEV_MODE") == "true"

	// The challenge secret has no usable default: it keys every code
	// digest. Dev mode gets a throwaway one so local runs work out of
	// the box; everything else must provision KESTREL_OTP_SECRET.
	secret := os.Getenv("KESTREL_OTP_SECRET")
	switch {
	case secret != "":
		cfg.Challenge.Secret = []byte(secret)
	case cfg.DevMode:
		cfg.Challenge.Secret = []byte("kestrel-dev-only-secret")
		slog.Warn("using dev-mode challenge secret; do not run this configuration in production")
	default:
		slog.Error("KESTREL_OTP_SECRET is required outside dev mode")
		os.Exit(1)
	}

	if v := os.Getenv("KESTREL_SMTP_ADDR"); v != "" {
		cfg.Mailer.SMTPAddr = v
	}
	if v := os.Getenv("KESTREL_SMTP_USER"); v != "" {
		cfg.Mailer.SMTPUser = v
	}
	if v := os.Getenv("KESTREL_SMTP_PASS"); v != "" {
		cfg.Mailer.SMTPPass = v
	}
	if v := os.Getenv("KESTREL_SMTP_FROM"); v != "" {
		cfg.Mailer.From = v
	}
	if cfg.Mailer.Type == "smtp" && cfg.Mailer.SMTPAddr == "" {
		slog.Warn("smtp mailer selected but KESTREL_SMTP_ADDR is unset; falling back to log mailer")
		cfg.Mailer.Type = "log"
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"challenge_store", cfg.Challenge.Type,
		"eventbus", cfg.EventBus.Type,
		"dev_mode", cfg.DevMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// Initialize Challenge Store
	store, err := challenge.New(cfg.Challenge)
	if err != nil {
		slog.Error("failed to initialize challenge store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("challenge store initialized", "type", cfg.Challenge.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Risk Engine
	engine, err := risk.NewEngine(repo, domain.DefaultRiskThresholds())
	if err != nil {
		slog.Error("failed to initialize risk engine", "error", err)
		os.Exit(1)
	}

	tenantIDs := tenantList()
	if err := loadMerchantRules(ctx, repo, engine, tenantIDs); err != nil {
		slog.Error("failed to load merchant rules", "error", err)
		os.Exit(1)
	}
	slog.Info("risk engine initialized", "rule_sets", engine.RuleSetCount())

	// Initialize Credential Ceremony Manager
	ceremonies := webauthn.NewManager(cfg.WebAuthn)
	slog.Info("ceremony manager initialized", "rp_id", cfg.WebAuthn.RPID)

	// Initialize Step-Up Service
	svc := stepup.NewService(engine, store, ceremonies, busImpl, cfg.DevMode)

	// Initialize Notifier
	mailer, err := newMailer(cfg.Mailer)
	if err != nil {
		slog.Error("failed to initialize mailer", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewNotifier(busImpl, mailer)
	if err := notifier.Start(tenantIDs, cfg.Mailer.WorkerCount); err != nil {
		slog.Error("failed to start notifier", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, engine, repo, store, Version)

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

	<-ctx.Done()
	slog.Info("shutting down...")

	notifier.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// tenantList reads the comma-separated KESTREL_TENANTS list, falling
// back to the default tenant.
func tenantList() []string {
	env := os.Getenv("KESTREL_TENANTS")
	if env == "" {
		return []string{"default"}
	}

	var tenants []string
	for _, t := range strings.Split(env, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

// loadMerchantRules hydrates the engine from the repository at startup.
// Rule sets are configured via PUT /merchants/{id}/rules; starting with
// none is fine.
func loadMerchantRules(ctx context.Context, repo domain.Repository, engine *risk.Engine, tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		sets, err := repo.ListMerchantRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list merchant rules", "tenant_id", tenantID, "error", err)
			continue
		}
		if len(sets) == 0 {
			continue
		}
		if err := engine.ReloadTenantRuleSets(tenantID, sets); err != nil {
			return err
		}
		slog.Info("merchant rules loaded", "tenant_id", tenantID, "count", len(sets))
	}
	return nil
}

func newMailer(cfg domain.MailerConfig) (notify.Mailer, error) {
	switch cfg.Type {
	case "log", "":
		return &notify.LogMailer{}, nil
	case "smtp":
		return notify.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPass, cfg.From)
	default:
		return nil, fmt.Errorf("unsupported mailer type: %s", cfg.Type)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║    Risk-Adaptive Step-Up Authentication   ║")
	fmt.Println("  ║      Challenge only when it matters.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions/evaluate        - Score a transaction")
	fmt.Println("    GET  /transactions/{id}            - Get transaction by ID")
	fmt.Println("    POST /otp/verify                   - Verify a one-time code")
	fmt.Println("    POST /webauthn/register/start      - Start credential registration")
	fmt.Println("    POST /webauthn/register/finish     - Finish credential registration")
	fmt.Println("    POST /webauthn/authenticate/start  - Start credential authentication")
	fmt.Println("    POST /webauthn/authenticate/finish - Finish credential authentication")
	fmt.Println("    GET  /merchants/rules              - List merchant rule sets")
	fmt.Println("    PUT  /merchants/{id}/rules         - Upsert merchant rules")
	fmt.Println("    POST /merchants/rules/reload       - Hot-reload merchant rules")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
