package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/suspectuso/ton-paywall/internal/config"
	"github.com/suspectuso/ton-paywall/internal/custody"
	"github.com/suspectuso/ton-paywall/internal/ledger"
	"github.com/suspectuso/ton-paywall/internal/notifier"
	"github.com/suspectuso/ton-paywall/internal/payment"
	"github.com/suspectuso/ton-paywall/internal/schedule"
	"github.com/suspectuso/ton-paywall/internal/session"
	"github.com/suspectuso/ton-paywall/internal/storage"
	"github.com/suspectuso/ton-paywall/internal/sweep"
	"github.com/suspectuso/ton-paywall/internal/telegram"
	"github.com/suspectuso/ton-paywall/internal/tonapi"
	"github.com/suspectuso/ton-paywall/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ledgerBackend is what the paywall needs from a ledger: transfers plus
// incoming history
type ledgerBackend interface {
	ledger.Client
	ledger.History
}

func run() error {
	var envFile, logLevel string
	var genIdentity bool

	flagSet := pflag.NewFlagSet("paywall", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	flagSet.BoolVar(&genIdentity, "generate-age-identity", false, "print a new age identity for CUSTODY_AGE_IDENTITY and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if genIdentity {
		identity, err := custody.GenerateIdentity()
		if err != nil {
			return err
		}
		fmt.Println(identity)
		return nil
	}

	// Load .env file
	envErr := godotenv.Load(envFile)

	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(log)

	if envErr != nil {
		log.Debug("no .env file found", "path", envFile)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	log.Info("storage initialized", "backend", cfg.DBBackend)

	tonAPI := tonapi.NewClient(cfg.TonAPIBaseURL, cfg.TonAPIKey, cfg.TonAPIRPS)
	log.Info("tonapi client initialized", "base_url", cfg.TonAPIBaseURL)

	chain, err := openLedger(cfg, tonAPI, log)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	log.Info("ledger initialized", "backend", cfg.LedgerBackend, "testnet", cfg.Testnet)

	var sealer *custody.Sealer
	if cfg.CustodyAgeIdentity != "" {
		sealer, err = custody.NewSealer(cfg.CustodyAgeIdentity)
		if err != nil {
			return fmt.Errorf("init custody sealer: %w", err)
		}
	} else {
		log.Warn("CUSTODY_AGE_IDENTITY not set, custodial seeds are stored unsealed")
	}
	custodian := custody.New(cfg.Testnet, sealer)

	required := tonapi.TONToNano(cfg.RequiredAmountTON)
	feeReserve := tonapi.TONToNano(cfg.FeeReserveTON)

	sweeper := sweep.New(sweep.Config{
		OperatorAddress: cfg.OperatorAddress,
		FeeReserve:      feeReserve,
		GroupSize:       cfg.SweepGroupSize,
		GroupPause:      cfg.SweepGroupPause,
		ConfirmTimeout:  cfg.ConfirmTimeout,
	}, store, chain, custodian, log)
	scheduler := sweep.NewScheduler(sweeper, store, log)
	defer scheduler.Close()

	verifier := payment.NewVerifier(store, chain, required, cfg.GrantDuration, log)
	verifier.SetSweepTrigger(scheduler)

	sessions := session.NewService(session.Config{
		TrialDuration: cfg.TrialDuration,
		Retention:     cfg.SessionRetention,
		FeeReserve:    feeReserve,
	}, store, custodian, chain, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Admin bot and alerts
	var adminBot *telegram.Bot
	var sender notifier.Sender
	if cfg.AdminBotToken != "" {
		adminBot, err = telegram.New(cfg, store, scheduler, log)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		sender = adminBot
		log.Info("telegram bot initialized")
	}
	alerts := notifier.New(sender, cfg.AdminChatID, cfg.Testnet, log)
	verifier.SetAlerter(alerts)
	scheduler.SetReporter(alerts)

	// Webhook subscription
	webhookManager := webhook.NewManager(store, tonAPI, cfg.WebhookEndpoint, log)
	if err := webhookManager.Init(ctx); err != nil {
		log.Error("init webhook", "error", err)
	} else if err := webhookManager.Sync(ctx); err != nil {
		log.Error("initial webhook sync", "error", err)
	} else {
		log.Info("webhook subscriptions synced", "accounts", webhookManager.Subscribed())
	}

	limiter := webhook.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	runner := schedule.New(log)
	runner.Every("sweep", cfg.SweepInterval, scheduler.RunInterval)
	runner.Every("cleanup", cfg.CleanupInterval, func(ctx context.Context) error {
		n, err := sessions.Cleanup(ctx)
		if n > 0 {
			log.Info("expired sessions removed", "count", n)
		}
		return err
	})
	runner.Every("webhook-sync", cfg.SubscriptionSyncInterval, webhookManager.Sync)
	runner.Every("ratelimit-prune", 5*time.Minute, func(context.Context) error {
		if n := limiter.Prune(10 * time.Minute); n > 0 {
			log.Debug("rate limiter pruned", "keys", n)
		}
		return nil
	})
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	server := webhook.NewServer(webhook.Options{
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
		CompletionURL: cfg.CompletionURL,
	}, webhook.Deps{
		Sessions:  sessions,
		Verifier:  verifier,
		Intents:   payment.NewIntents(store, required, cfg.PaymentIntentTTL, cfg.Testnet),
		Checker:   payment.NewChecker(store, chain, verifier, log),
		Scheduler: scheduler,
		Limiter:   limiter,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx, cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if adminBot != nil {
		g.Go(func() error {
			log.Info("starting bot polling...")
			adminBot.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down...")
	return err
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.DBBackend {
	case "memory":
		return storage.NewMemory(), nil
	case "redis":
		return storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return storage.NewSQLite(cfg.DBPath)
	}
}

func openLedger(cfg *config.Config, tonAPI *tonapi.Client, log *slog.Logger) (ledgerBackend, error) {
	if cfg.LedgerBackend == "memory" {
		log.Warn("using in-memory ledger, no real funds move")
		return ledger.NewMemory(ledger.DefaultMemoryFee), nil
	}
	return ledger.NewTON(tonAPI, cfg.Testnet, log)
}
