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
	"secumsg/internal/jwtsigner"
	"secumsg/internal/observability/logging"
	"secumsg/services/gateway/internal/config"
	"secumsg/services/gateway/internal/observability/metrics"
	"secumsg/services/gateway/internal/proxy"
	"secumsg/services/gateway/internal/router"

	"golang.org/x/sync/errgroup"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	logger := logging.NewLogger(logging.Config{
		ServiceName: "gateway",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("gateway")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var signer *jwtsigner.Signer
	if cfg.DevSigningKey != "" {
		key := cfg.DevSigningKey
		if key == "generate" {
			key = ""
		}
		var err error
		signer, err = jwtsigner.NewFromBase64(key, cfg.DevKeyID, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			logger.Error("dev signer", "error", err)
			os.Exit(1)
		}
		logger.Warn("development token issuer enabled", "kid", cfg.DevKeyID)
	}

	verifier, closeVerifier, err := buildVerifier(ctx, cfg, signer)
	if err != nil {
		logger.Error("token verifier", "error", err)
		os.Exit(1)
	}
	defer closeVerifier()
	logger.Info("gateway token verification", "method", verifier.Name())

	upstreamMetrics := proxy.Metrics{Requests: metrics.UpstreamRequestsTotal, Durations: metrics.UpstreamDurationSeconds}
	keys, err := proxy.New("keys", cfg.KeysBaseURL, cfg.UpstreamTimeout, cfg.Debug, upstreamMetrics)
	if err != nil {
		logger.Error("invalid KEYS_BASE_URL", "error", err)
		os.Exit(1)
	}
	messages, err := proxy.New("messages", cfg.MessagesBaseURL, cfg.UpstreamTimeout, cfg.Debug, upstreamMetrics)
	if err != nil {
		logger.Error("invalid MESSAGES_BASE_URL", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: router.New(router.Deps{
			Keys:           keys,
			Messages:       messages,
			Verifier:       verifier,
			Signer:         signer,
			CORSOrigins:    cfg.CORSOrigins,
			RateLimit:      cfg.RateLimit,
			RequestTimeout: 30 * time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Addr, "keys", cfg.KeysBaseURL, "messages", cfg.MessagesBaseURL)
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
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// buildVerifier prefers a remote JWKS, then the in-process dev signer, then
// the shared HS256 secret.
func buildVerifier(ctx context.Context, cfg config.Config, signer *jwtsigner.Signer) (authz.Verifier, func(), error) {
	noop := func() {}
	switch {
	case cfg.JWKSURL != "":
		v, err := authz.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, noop, err
		}
		return v, v.Close, nil
	case signer != nil:
		doc, err := signer.JWKS()
		if err != nil {
			return nil, noop, err
		}
		v, err := authz.NewStaticJWKSVerifier(doc, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return nil, noop, err
		}
		return v, noop, nil
	default:
		return authz.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience), noop, nil
	}
}
