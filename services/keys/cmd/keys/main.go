package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secumsg/internal/authz"
	"secumsg/internal/observability/logging"
	"secumsg/services/keys/internal/config"
	"secumsg/services/keys/internal/observability/metrics"
	"secumsg/services/keys/internal/service"
	"secumsg/services/keys/internal/store"
	httptransport "secumsg/services/keys/internal/transport/http"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	logger := logging.NewLogger(logging.Config{
		ServiceName: "keys",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("keys")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("automigrate", "error", err)
		os.Exit(1)
	}

	var verifier authz.Verifier = authz.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if cfg.JWKSURL != "" {
		jwks, err := authz.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			logger.Error("jwks verifier", "error", err, "url", cfg.JWKSURL)
			os.Exit(1)
		}
		defer jwks.Close()
		verifier = jwks
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httptransport.NewRouter(service.New(st), verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("keys service listening", "addr", srv.Addr, "verifier", verifier.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
