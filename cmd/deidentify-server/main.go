package main

import (
	"context"
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

	"github.com/ehr/deidentify/internal/anonymizer"
	"github.com/ehr/deidentify/internal/config"
	"github.com/ehr/deidentify/internal/platform/middleware"
	"github.com/ehr/deidentify/internal/pseudonym"
	"github.com/ehr/deidentify/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deidentify-server",
		Short: "FHIR de-identification service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the de-identification server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with anonymization rule files",
	}

	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate an anonymization rule file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "anonymization.yaml"
			if len(args) == 1 {
				path = args[0]
			}

			rules, err := anonymizer.LoadConfig(path)
			if err != nil {
				return err
			}
			engine, err := anonymizer.NewEngine(rules)
			if err != nil {
				return err
			}
			if _, err := anonymizer.NewDePseudonymizeEngine(rules); err != nil {
				return err
			}

			fmt.Printf("%s: %d rules compiled\n", path, len(engine.Rules()))
			return nil
		},
	}

	cmd.AddCommand(checkCmd)
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Anonymization rules
	rules, err := anonymizer.LoadConfig(cfg.AnonymizationConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AnonymizationConfigPath).Msg("failed to load anonymization rules")
	}
	if generated := rules.GeneratedKeys(); len(generated) > 0 {
		logger.Warn().Strs("keys", generated).
			Msg("keys not configured, randomly generated; transforms will not be reproducible across restarts")
	}

	// Pseudonym backend
	client, store, err := buildPseudonymClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up pseudonym service")
	}
	if store != nil {
		defer store.Close()
	}
	logger.Info().Str("backend", cfg.PseudonymService).Msg("pseudonym service configured")

	// Engines
	deidEngine, err := anonymizer.NewEngine(rules,
		anonymizer.WithLogger(logger),
		anonymizer.WithProcessor(anonymizer.MethodPseudonymize, &pseudonym.PseudonymizationProcessor{
			Client:                client,
			Logger:                logger,
			ConditionalReferences: cfg.ConditionalReferencePseudonymization,
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile anonymization rules")
	}
	reverseEngine, err := anonymizer.NewDePseudonymizeEngine(rules,
		anonymizer.WithLogger(logger),
		anonymizer.WithProcessor(anonymizer.MethodPseudonymize, &pseudonym.DePseudonymizationProcessor{
			Client: client,
			Logger: logger,
		}),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile de-pseudonymization rules")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
	}))

	server.NewHandler(deidEngine, reverseEngine, cfg.APIKey, logger).RegisterRoutes(e)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildPseudonymClient assembles the configured backend wrapped in the TTL
// cache, with an optional persistent store. The returned store is nil unless
// CACHE_PERSISTENT_PATH is set; the caller owns closing it.
func buildPseudonymClient(cfg *config.Config, logger zerolog.Logger) (pseudonym.Client, pseudonym.Store, error) {
	var backend pseudonym.Client
	var err error

	switch cfg.PseudonymService {
	case config.PseudonymServiceGPas:
		backend, err = pseudonym.NewGPasClient(pseudonym.GPasConfig{
			BaseURL:    cfg.GPasURL,
			Version:    cfg.GPasVersion,
			Username:   cfg.GPasAuthBasicUsername,
			Password:   cfg.GPasAuthBasicPassword,
			RetryCount: cfg.GPasRequestRetryCount,
			Logger:     logger,
		})
	case config.PseudonymServiceVfps:
		backend, err = pseudonym.NewVfpsClient(pseudonym.VfpsConfig{
			Address:  cfg.VfpsURL,
			Username: cfg.VfpsAuthBasicUsername,
			Password: cfg.VfpsAuthBasicPassword,
			Logger:   logger,
		})
	default:
		// Rules using pseudonymize will fail loudly at processing time.
		return pseudonym.NoopClient{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var store pseudonym.Store
	if cfg.CachePersistentPath != "" {
		store, err = pseudonym.OpenBoltStore(cfg.CachePersistentPath)
		if err != nil {
			return nil, nil, err
		}
	}

	cached := pseudonym.NewCachedClient(backend, store, pseudonym.CacheConfig{
		SlidingExpiration:  cfg.CacheSlidingExpiration(),
		AbsoluteExpiration: cfg.CacheAbsoluteExpiration(),
	})
	return cached, store, nil
}
