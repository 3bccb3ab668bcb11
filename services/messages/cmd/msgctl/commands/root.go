// Package commands implements the msgctl command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"secumsg/internal/observability/logging"
	"secumsg/services/messages/pkg/localstore"
	"secumsg/services/messages/pkg/msgclient"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	home        string
	keysURL     string
	messagesURL string
	token       string
	userID      string
	deviceID    string
	pageSize    int
	verbose     bool

	store  *localstore.Store
	client *msgclient.Client
)

func Execute(ctx context.Context) error {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "msgctl",
		Short:         "End-to-end encrypted messaging client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return teardown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&home, "home", os.Getenv("SECUMSG_HOME"), "data dir (default ~/.secumsg)")
	root.PersistentFlags().StringVar(&keysURL, "keys-url", envOr("SECUMSG_KEYS_URL", "http://localhost:8080"), "device directory base URL")
	root.PersistentFlags().StringVar(&messagesURL, "messages-url", envOr("SECUMSG_MESSAGES_URL", "http://localhost:8080"), "messages service base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("SECUMSG_TOKEN"), "access token")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("SECUMSG_USER_ID"), "user id (default: token subject)")
	root.PersistentFlags().StringVar(&deviceID, "device", os.Getenv("SECUMSG_DEVICE_ID"), "device id to restore on a fresh install")
	root.PersistentFlags().IntVar(&pageSize, "page-size", msgclient.DefaultPageSize, "messages per page")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(unlockCmd(), sendCmd(), historyCmd(), conversationsCmd(), listenCmd(), devicesCmd(), forgetCmd())
	return root.ExecuteContext(ctx)
}

func setup(ctx context.Context) error {
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		home = filepath.Join(dir, ".secumsg")
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}

	logger := slog.New(slog.DiscardHandler)
	if verbose {
		logger = logging.NewLogger(logging.Config{
			ServiceName: "msgctl",
			Level:       envOr("LOG_LEVEL", "debug"),
			Output:      os.Stderr,
		})
	}

	var err error
	store, err = localstore.Open(ctx, filepath.Join(home, "client.db"))
	if err != nil {
		return err
	}
	client, err = msgclient.New(msgclient.Config{
		KeysBaseURL:     keysURL,
		MessagesBaseURL: messagesURL,
		Store:           store,
		SecretsDir:      filepath.Join(home, "secrets"),
		PageSize:        pageSize,
		Logger:          logger,
	})
	return err
}

func teardown(ctx context.Context) error {
	if client != nil {
		client.Logout(ctx)
	}
	if store != nil {
		return store.Close()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// subjectOf reads the sub claim without verifying the token; the services
// verify it on every request.
func subjectOf(tok string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
