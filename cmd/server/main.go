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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sumire/signin/internal/config"
	"github.com/sumire/signin/internal/handler"
	"github.com/sumire/signin/internal/logging"
	"github.com/sumire/signin/internal/repository"
	"github.com/sumire/signin/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(appCtx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := repository.Migrate(appCtx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	slog.Info("database connected", "driver", cfg.DatabaseDriver)

	keys, err := service.NewProviderKeyService(service.KeyServiceConfig{
		Issuer:          cfg.ProviderIssuer,
		JWKSURL:         cfg.ProviderJWKSURL,
		FetchTimeout:    cfg.KeyFetchTimeout,
		RefreshInterval: cfg.KeyRefreshInterval,
		Logger:          logger.With("component", "provider_keys"),
	})
	if err != nil {
		return fmt.Errorf("create key service: %w", err)
	}
	if err := keys.Start(appCtx); err != nil {
		return fmt.Errorf("start key service: %w", err)
	}

	verifier, err := service.NewIdentityVerifier(keys, service.VerifierConfig{
		Audiences: cfg.GoogleClientIDs,
		Issuers:   cfg.ProviderIssuers,
		ClockSkew: cfg.ClockSkew,
		Logger:    logger.With("component", "identity"),
	})
	if err != nil {
		return fmt.Errorf("create identity verifier: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	reconciler := service.NewIdentityReconciler(userRepo, service.ReconcilerConfig{
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger.With("component", "reconciler"),
	})

	sessionIssuer, err := service.NewSessionIssuer([]byte(cfg.JWTSecret), cfg.SessionIssuer)
	if err != nil {
		return fmt.Errorf("create session issuer: %w", err)
	}
	sessionVerifier, err := service.NewSessionVerifier([]byte(cfg.JWTSecret), cfg.SessionIssuer)
	if err != nil {
		return fmt.Errorf("create session verifier: %w", err)
	}

	authSvc, err := service.NewAuthService(verifier, reconciler, sessionIssuer, sessionVerifier, userRepo, service.AuthConfig{
		SessionTTL: cfg.SessionTTL,
		Logger:     logger.With("component", "auth"),
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	var exchanger handler.CodeExchanger
	if cfg.CodeExchangeEnabled() {
		ex, err := service.NewCodeExchanger(service.CodeExchangeConfig{
			ClientID:     cfg.WebClientID(),
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			return fmt.Errorf("create code exchanger: %w", err)
		}
		exchanger = ex
		slog.Info("web code flow enabled", "client_id", cfg.WebClientID())
	}

	authHandler := handler.NewAuthHandler(authSvc, exchanger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewAppValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(handler.RequestContext())
	e.Use(handler.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType},
		ExposeHeaders:    []string{echo.HeaderXRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	e.Use(middleware.BodyLimit("64K"))

	e.GET("/health", handler.Health(db))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler.RegisterAuthRoutes(e.Group("/api/v1"), authHandler, authSvc)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-appCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
