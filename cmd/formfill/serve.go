package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/formfill/internal/auth"
	"github.com/dukerupert/formfill/internal/billing"
	billingstripe "github.com/dukerupert/formfill/internal/billing/stripe"
	"github.com/dukerupert/formfill/internal/config"
	"github.com/dukerupert/formfill/internal/database"
	"github.com/dukerupert/formfill/internal/email"
	"github.com/dukerupert/formfill/internal/forms"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/handler"
	"github.com/dukerupert/formfill/internal/magiclink"
	"github.com/dukerupert/formfill/internal/objects"
	"github.com/dukerupert/formfill/internal/quota"
	"github.com/dukerupert/formfill/internal/server"
	"github.com/dukerupert/formfill/internal/signer"
	"github.com/dukerupert/formfill/internal/store"
)

const (
	cleanupInterval   = time.Hour
	quotaReapInterval = 10 * time.Minute
	denylistInterval  = 10 * time.Minute
	sweepInterval     = 5 * time.Minute
	shutdownTimeout   = 5 * time.Second
)

func newServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	mustBind(opts.v, "addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	if cfg.EphemeralSecret {
		logger.Warn("FORMFILL_SIGNING_SECRET not set; using a random secret, cookies will not survive a restart")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	signers, err := newSigners(cfg.SigningSecret)
	if err != nil {
		return err
	}
	cookieOpts := []auth.Option{auth.WithSecure(cfg.IsProduction())}
	sessions := auth.NewSessionManager(signers["session"],
		append(cookieOpts, auth.WithLifetime(cfg.Auth.SessionLifetime))...)
	entitlements := auth.NewEntitlementCookie(signers["entitlement"], cookieOpts...)
	anonymous := auth.NewAnonymousCookie(signers["anonymous"], cookieOpts...)

	// Shared counters and denylist when Redis is configured, process-local otherwise.
	var counter quota.Counter = quota.NewMemoryCounter()
	var denylist billing.Denylist = billing.NewMemoryDenylist(nil)
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		counter = quota.NewRedisCounter(rdb)
		denylist = billing.NewRedisDenylist(rdb)
		logger.Info("using redis for quota and revocations", "addr", ropts.Addr)
	}

	tracker := quota.NewTracker(counter, logger.With("component", "quota"))

	var payments handler.Payments
	reconcilerOpts := []billing.Option{}
	if cfg.Stripe.Enabled() {
		sc := billingstripe.NewClient(billingstripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			PriceID:       cfg.Stripe.PriceID,
			SuccessURL:    cfg.BaseURL + "/stripe/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:     cfg.BaseURL + "/stripe/cancel",
		})
		payments = sc
		reconcilerOpts = append(reconcilerOpts, billing.WithProvider(sc))
	} else {
		logger.Warn("stripe not configured; checkout and webhooks disabled")
	}
	reconciler := billing.NewReconciler(store.NewSubscriptionStore(db), denylist,
		logger.With("component", "reconciler"), reconcilerOpts...)

	storage, err := newStorage(cfg.Storage)
	if err != nil {
		return err
	}
	objectManager := objects.NewManager(storage, logger.With("component", "objects"))

	sender := email.NewChain(logger.With("component", "email"),
		email.NewPostmark(cfg.Email.PostmarkToken, cfg.Email.From),
		email.NewSMTP(email.SMTPConfig{
			Host:        cfg.Email.SMTP.Host,
			Port:        cfg.Email.SMTP.Port,
			Username:    cfg.Email.SMTP.Username,
			Password:    cfg.Email.SMTP.Password,
			FromAddress: cfg.Email.From,
			FromName:    cfg.Email.SMTP.FromName,
			Timeout:     cfg.Email.SMTP.Timeout,
		}),
	)
	if !sender.Configured() {
		logger.Warn("no email transport configured; magic links cannot be sent")
	}
	mailer := email.NewMailer(sender, cfg.BaseURL, cfg.Auth.MagicLinkTTL)

	debugEnabled := cfg.Debug.Enabled && !cfg.IsProduction()
	if cfg.Debug.Enabled && cfg.IsProduction() {
		logger.Warn("debug.enabled ignored in production; use debug.key")
	}

	authority := magiclink.NewAuthority(store.NewMagicLinkStore(db), logger.With("component", "magiclink"),
		magiclink.WithTTL(cfg.Auth.MagicLinkTTL),
		magiclink.WithDebugRecording(debugEnabled || cfg.Debug.Key != ""))

	g := gate.New(sessions, entitlements, anonymous, reconciler, tracker, logger.With("component", "gate"),
		gate.WithDailyLimit(cfg.Quota.DailyLimit))

	srv := server.New(server.Deps{
		DB:           db,
		Authority:    authority,
		Mailer:       mailer,
		Sessions:     sessions,
		Entitlements: entitlements,
		Anonymous:    anonymous,
		Reconciler:   reconciler,
		Quota:        tracker,
		Gate:         g,
		Engine: forms.NewHTTPEngine(forms.EngineConfig{
			URL:     cfg.Engine.URL,
			APIKey:  cfg.Engine.APIKey,
			Timeout: cfg.Engine.Timeout,
		}),
		Objects:  objectManager,
		Payments: payments,
		Public: handler.PublicConfig{
			StripeEnabled: cfg.Stripe.Enabled(),
			EmailEnabled:  sender.Configured(),
			Env:           cfg.Env,
		},
		DebugEnabled: debugEnabled,
		DebugKey:     cfg.Debug.Key,
		TrustProxy:   cfg.TrustProxy,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tracker.Start(ctx, quotaReapInterval)
	defer tracker.Stop()
	reconciler.Start(ctx, denylistInterval)
	defer reconciler.Stop()
	objectManager.Start(ctx, sweepInterval)
	defer objectManager.Stop()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := authority.DeleteExpired(ctx); err != nil {
					logger.Error("cleanup expired magic links", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up expired magic links", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return nil
			}
		}
	})

	eg.Go(func() error {
		logger.Info("formfill starting", "addr", cfg.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

// newSigners derives one signer per cookie purpose from the shared secret.
func newSigners(secret string) (map[string]*signer.Signer, error) {
	signers := make(map[string]*signer.Signer, 3)
	for _, purpose := range []string{"session", "entitlement", "anonymous"} {
		s, err := signer.New([]byte(secret), purpose)
		if err != nil {
			return nil, fmt.Errorf("create %s signer: %w", purpose, err)
		}
		signers[purpose] = s
	}
	return signers, nil
}

func newStorage(cfg config.StorageConfig) (objects.Storage, error) {
	if cfg.S3.Enabled() {
		slog.Info("storing objects in s3", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
		return objects.NewS3Storage(cfg.S3), nil
	}
	local, err := objects.NewLocalStorage(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return local, nil
}
