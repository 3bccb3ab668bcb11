package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	KeysBaseURL     string
	MessagesBaseURL string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWKSURL     string

	// DevSigningKey enables the development token issuer. "generate" picks an
	// ephemeral key.
	DevSigningKey string
	DevKeyID      string

	CORSOrigins     []string
	RateLimit       int
	UpstreamTimeout time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	return Config{
		Addr:            envOr("GATEWAY_ADDR", ":8080"),
		KeysBaseURL:     envOr("KEYS_BASE_URL", "http://localhost:8082"),
		MessagesBaseURL: envOr("MESSAGES_BASE_URL", "http://localhost:8084"),
		JWTSecret:       envOr("JWT_SECRET", "dev-secret"),
		JWTIssuer:       os.Getenv("JWT_ISSUER"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		JWKSURL:         os.Getenv("JWKS_URL"),
		DevSigningKey:   os.Getenv("GATEWAY_DEV_SIGNING_KEY"),
		DevKeyID:        envOr("GATEWAY_DEV_KEY_ID", "dev-1"),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
		RateLimit:       envInt("GATEWAY_RATE_LIMIT_PER_MIN", 100),
		UpstreamTimeout: envDuration("GATEWAY_UPSTREAM_TIMEOUT_MS", 10*time.Second),
		ShutdownTimeout: envDuration("GATEWAY_SHUTDOWN_TIMEOUT_MS", 10*time.Second),
		Debug:           strings.EqualFold(os.Getenv("GATEWAY_DEBUG"), "true"),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		slog.Warn("invalid duration env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// splitList parses a comma separated list. An empty list allows any origin.
func splitList(in string) []string {
	out := []string{}
	for _, o := range strings.Split(in, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
