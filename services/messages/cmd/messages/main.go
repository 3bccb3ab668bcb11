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
	"secumsg/services/messages/internal/config"
	"secumsg/services/messages/internal/devices"
	"secumsg/services/messages/internal/observability/metrics"
	"secumsg/services/messages/internal/service"
	"secumsg/services/messages/internal/store"
	transport "secumsg/services/messages/internal/transport/http"
	"secumsg/services/messages/internal/transport/ws"

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
		ServiceName: "messages",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("messages")

	logger.Info("starting service")

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
		logger.Error("auto migrate", "error", err)
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

	svc := service.New(st)
	owners := devices.NewDirectory(cfg.KeysURL, nil, cfg.DeviceCacheTTL)
	socket := ws.NewServer(svc, verifier, ws.NewHub(), ws.Options{
		AuthTimeout:  cfg.WSAuthTimeout,
		SendQueue:    cfg.WSSendQueue,
		FrameTimeout: cfg.WSFrameTimeout,
		Owners:       owners,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           transport.NewRouter(svc, verifier, owners, socket),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("messages service listening", "addr", cfg.Addr, "verifier", verifier.Name())
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
