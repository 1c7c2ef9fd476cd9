package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/abdm-hiu/abdm-core/internal/config"
	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/domain/consent"
	"github.com/abdm-hiu/abdm-core/internal/domain/hifetch"
	"github.com/abdm-hiu/abdm-core/internal/domain/record"
	"github.com/abdm-hiu/abdm-core/internal/platform/auth"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
	"github.com/abdm-hiu/abdm-core/internal/platform/gateway"
	"github.com/abdm-hiu/abdm-core/internal/platform/hicrypto"
	"github.com/abdm-hiu/abdm-core/internal/platform/httpx"
	"github.com/abdm-hiu/abdm-core/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "abdm-server",
		Short: "ABDM integration core for HIU deployments",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ABDM integration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	dataKey, err := hex.DecodeString(cfg.DataEncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("DATA_ENCRYPTION_KEY is not valid hex")
	}
	decryptor, err := hicrypto.NewDecryptor(dataKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise decryptor")
	}

	gw := gateway.New(gateway.Config{
		BaseURL:      cfg.ABDMBaseURL,
		AuthURL:      cfg.ABDMAuthURL,
		ClientID:     cfg.ABDMClientID,
		ClientSecret: cfg.ABDMClientSecret,
		Timeout:      time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		MaxRetries:   cfg.MaxRetryAttempts,
	}, logger)

	audits := audit.NewService(audit.NewRepoPG(pool), logger)
	records := record.NewService(record.NewRepoPG(pool), audits, pool, logger)
	consents := consent.NewService(
		consent.NewRepoPG(pool),
		audits,
		gw,
		consent.NewHMACVerifier(cfg.WebhookSharedSecret),
		pool,
		cfg.ConsentCallbackURL,
		logger,
	)
	fetches := hifetch.NewService(
		hifetch.NewRepoPG(pool),
		consents,
		records,
		audits,
		gw,
		decryptor,
		pool,
		cfg.HealthRecordCallbackURL,
		hifetch.Options{Workers: cfg.WorkerPoolSize, QueueSize: cfg.WorkQueueSize},
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = httpx.NewValidator()
	e.HTTPErrorHandler = httpx.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutMS) * time.Millisecond))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Clinical API: authenticated, rate limited.
	api := e.Group("/api/abdm")
	api.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Gateway webhooks: signature-verified, never JWT-authenticated.
	webhooks := e.Group("/api/abdm")
	webhooks.Use(auth.WebhookVerifier(auth.WebhookVerifierConfig{
		SharedSecret: cfg.WebhookSharedSecret,
		AllowedCIDRs: cfg.WebhookAllowedCIDRs,
	}))

	consentHandler := consent.NewHandler(consents, audits)
	consentHandler.RegisterRoutes(api)
	consentHandler.RegisterWebhook(webhooks)

	fetchHandler := hifetch.NewHandler(fetches)
	fetchHandler.RegisterRoutes(api)
	fetchHandler.RegisterWebhook(webhooks)

	record.NewHandler(records, audits).RegisterRoutes(api)

	e.GET("/api/abdm/status", func(c echo.Context) error {
		gwStatus := "ok"
		pingCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := gw.Ping(pingCtx); err != nil {
			gwStatus = "unreachable"
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"gateway": gwStatus,
			"version": "0.1.0",
		})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Background work: processing pipeline, expiry scanner, watchdog.
	go func() {
		if err := fetches.RunPipeline(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("processing pipeline exited")
		}
	}()
	go consents.RunExpiryScanner(ctx)
	go fetches.RunWatchdog(ctx, time.Duration(cfg.FetchWatchdogTimeoutMS)*time.Millisecond)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
